package repository

import (
	"encoding/json"
	"time"

	"github.com/go-redis/redis"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/strata-analysis/strata/internal/scaler/domain"
)

const imageObjectPrefix = "Image:"

// ImageRepository reads image records owned by the control plane.
type ImageRepository interface {
	GetImage(ref string) (*domain.Image, error)
}

type RedisImageRepository struct {
	db redis.UniversalClient
}

func NewRedisImageRepository(db redis.UniversalClient) *RedisImageRepository {
	return &RedisImageRepository{db: db}
}

func (repo *RedisImageRepository) GetImage(ref string) (*domain.Image, error) {
	data, err := repo.db.Get(imageObjectPrefix + ref).Bytes()
	if err == redis.Nil {
		return nil, &ErrImageNotFound{ImageRef: ref}
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	image := &domain.Image{}
	if err := json.Unmarshal(data, image); err != nil {
		return nil, errors.WithStack(err)
	}
	return image, nil
}

// AddImage stores an image record the way the control plane would. Used by
// tests and local tooling.
func (repo *RedisImageRepository) AddImage(image *domain.Image) error {
	data, err := json.Marshal(image)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(repo.db.Set(imageObjectPrefix+image.Ref, data, 0).Err())
}

// CachedImageRepository keeps image records in memory with a TTL so a pass
// over hundreds of jobs does not refetch the same handful of images.
type CachedImageRepository struct {
	underlying ImageRepository
	images     *cache.Cache
}

func NewCachedImageRepository(underlying ImageRepository, expiry time.Duration) *CachedImageRepository {
	return &CachedImageRepository{
		underlying: underlying,
		images:     cache.New(expiry, 2*expiry),
	}
}

func (repo *CachedImageRepository) GetImage(ref string) (*domain.Image, error) {
	if cached, ok := repo.images.Get(ref); ok {
		return cached.(*domain.Image), nil
	}
	image, err := repo.underlying.GetImage(ref)
	if err != nil {
		return nil, err
	}
	repo.images.SetDefault(ref, image)
	return image, nil
}
