package repository

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const (
	bannedImagesKey     = "Ban:Images"
	banCandidatesKey    = "Ban:Candidates"
	banUpdatesChannel   = "Ban:Updates"
	blockedJobsKey      = "Job:Blocked"
	blockedReasonBanned = "image banned"
)

// BanRepository reads ban state owned by the control plane and reports
// conditions the scheduler detects itself. Pipeline level bans are enforced
// upstream at reaction creation; only image level bans reach the scheduler,
// since an image can be banned after its reactions already exist.
type BanRepository interface {
	BannedImages() (map[string]bool, error)
	ReportBlocked(jobId string, imageRef string) error
	ClearBlocked(jobId string) error
	ReportBanCandidate(imageRef string, reason string) error
	// SubscribeUpdates delivers a signal whenever the control plane
	// announces a ban change, so blocked jobs become eligible again without
	// waiting for the next full refresh.
	SubscribeUpdates() (<-chan struct{}, func())
}

type RedisBanRepository struct {
	db redis.UniversalClient
}

func NewRedisBanRepository(db redis.UniversalClient) *RedisBanRepository {
	return &RedisBanRepository{db: db}
}

func (repo *RedisBanRepository) BannedImages() (map[string]bool, error) {
	members, err := repo.db.SMembers(bannedImagesKey).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	banned := make(map[string]bool, len(members))
	for _, m := range members {
		banned[m] = true
	}
	return banned, nil
}

func (repo *RedisBanRepository) ReportBlocked(jobId string, imageRef string) error {
	err := repo.db.HSet(blockedJobsKey, jobId, imageRef+": "+blockedReasonBanned).Err()
	return errors.WithStack(err)
}

func (repo *RedisBanRepository) ClearBlocked(jobId string) error {
	return errors.WithStack(repo.db.HDel(blockedJobsKey, jobId).Err())
}

// ReportBanCandidate surfaces a condition the scheduler detected itself, for
// example a job whose resource request can never fit any node. The control
// plane decides whether to turn the candidate into an actual ban.
func (repo *RedisBanRepository) ReportBanCandidate(imageRef string, reason string) error {
	return errors.WithStack(repo.db.HSet(banCandidatesKey, imageRef, reason).Err())
}

func (repo *RedisBanRepository) SubscribeUpdates() (<-chan struct{}, func()) {
	pubsub := repo.db.Subscribe(banUpdatesChannel)
	signal := make(chan struct{}, 1)
	go func() {
		for range pubsub.Channel() {
			select {
			case signal <- struct{}{}:
			default:
			}
		}
		close(signal)
	}()
	return signal, func() { _ = pubsub.Close() }
}

// Ban and Unban flag an image the way the control plane would. Used by tests
// and local tooling.
func (repo *RedisBanRepository) Ban(imageRef string) error {
	return errors.WithStack(repo.db.SAdd(bannedImagesKey, imageRef).Err())
}

func (repo *RedisBanRepository) Unban(imageRef string) error {
	if err := repo.db.SRem(bannedImagesKey, imageRef).Err(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(repo.db.Publish(banUpdatesChannel, imageRef).Err())
}
