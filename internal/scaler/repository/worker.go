package repository

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/strata-analysis/strata/internal/scaler/domain"
)

const (
	workerObjectPrefix  = "Worker:"
	workerBackendPrefix = "Worker:Backend:"
	workerHeartbeatKey  = "Worker:Heartbeat"
)

// WorkerRepository tracks every worker the scheduler has requested or
// spawned. Workers are registered before their spawn call is dispatched so a
// crash between the two leaves a record to reconcile rather than an orphan.
type WorkerRepository interface {
	Register(worker *domain.Worker) error
	Update(worker *domain.Worker) error
	Get(workerId string) (*domain.Worker, error)
	ListByBackend(backend domain.BackendKind) ([]*domain.Worker, error)
	Delete(worker *domain.Worker) error
	Heartbeat(workerId string, now time.Time) error
	StaleWorkers(olderThan time.Time) ([]*domain.Worker, error)
}

type RedisWorkerRepository struct {
	db redis.UniversalClient
}

func NewRedisWorkerRepository(db redis.UniversalClient) *RedisWorkerRepository {
	return &RedisWorkerRepository{db: db}
}

func (repo *RedisWorkerRepository) Register(worker *domain.Worker) error {
	data, err := json.Marshal(worker)
	if err != nil {
		return errors.WithStack(err)
	}
	pipe := repo.db.TxPipeline()
	pipe.Set(workerObjectPrefix+worker.Id, data, 0)
	pipe.SAdd(workerBackendPrefix+string(worker.Backend), worker.Id)
	pipe.ZAdd(workerHeartbeatKey, redis.Z{Member: worker.Id, Score: float64(worker.SpawnTime.UnixMilli())})
	_, err = pipe.Exec()
	return errors.WithStack(err)
}

func (repo *RedisWorkerRepository) Update(worker *domain.Worker) error {
	data, err := json.Marshal(worker)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(repo.db.Set(workerObjectPrefix+worker.Id, data, 0).Err())
}

func (repo *RedisWorkerRepository) Get(workerId string) (*domain.Worker, error) {
	data, err := repo.db.Get(workerObjectPrefix + workerId).Bytes()
	if err == redis.Nil {
		return nil, &ErrWorkerNotFound{WorkerId: workerId}
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	worker := &domain.Worker{}
	if err := json.Unmarshal(data, worker); err != nil {
		return nil, errors.WithStack(err)
	}
	return worker, nil
}

func (repo *RedisWorkerRepository) ListByBackend(backend domain.BackendKind) ([]*domain.Worker, error) {
	ids, err := repo.db.SMembers(workerBackendPrefix + string(backend)).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return repo.getWorkers(ids)
}

func (repo *RedisWorkerRepository) Delete(worker *domain.Worker) error {
	pipe := repo.db.TxPipeline()
	pipe.Del(workerObjectPrefix + worker.Id)
	pipe.SRem(workerBackendPrefix+string(worker.Backend), worker.Id)
	pipe.ZRem(workerHeartbeatKey, worker.Id)
	_, err := pipe.Exec()
	return errors.WithStack(err)
}

func (repo *RedisWorkerRepository) Heartbeat(workerId string, now time.Time) error {
	err := repo.db.ZAdd(workerHeartbeatKey, redis.Z{Member: workerId, Score: float64(now.UnixMilli())}).Err()
	return errors.WithStack(err)
}

// StaleWorkers returns workers whose last heartbeat is older than the cutoff.
func (repo *RedisWorkerRepository) StaleWorkers(olderThan time.Time) ([]*domain.Worker, error) {
	ids, err := repo.db.ZRangeByScore(workerHeartbeatKey, redis.ZRangeBy{
		Min: "-inf",
		Max: formatScore(olderThan),
	}).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return repo.getWorkers(ids)
}

func (repo *RedisWorkerRepository) getWorkers(ids []string) ([]*domain.Worker, error) {
	if len(ids) == 0 {
		return []*domain.Worker{}, nil
	}
	pipe := repo.db.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.Get(workerObjectPrefix+id))
	}
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return nil, errors.WithStack(err)
	}
	workers := make([]*domain.Worker, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
		worker := &domain.Worker{}
		if err := json.Unmarshal(data, worker); err != nil {
			return nil, errors.WithStack(err)
		}
		workers = append(workers, worker)
	}
	return workers, nil
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
