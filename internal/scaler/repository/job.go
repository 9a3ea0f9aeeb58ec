package repository

import (
	"encoding/json"
	"sort"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/strata-analysis/strata/internal/scaler/domain"
)

const (
	jobObjectPrefix   = "Job:"
	jobEligiblePrefix = "Job:Eligible:"
	jobActivePrefix   = "Job:Active:"
	jobClaimMapKey    = "Job:ClaimedBy"
	jobCancelledKey   = "Job:Cancelled"
	jobNoFitCountKey  = "Job:NoFitCount"
)

// JobRepository is the scheduler's view of the job source. Jobs are created
// and mutated by the control plane; the scheduler only reads, claims and
// transitions them. All claim operations are atomic against the shared store
// so that concurrent scheduler instances racing on a job cannot both win.
type JobRepository interface {
	PollEligible(pool domain.Pool, limit int64) ([]*domain.Job, error)
	TryClaim(jobId string, workerId string) error
	ReleaseClaim(jobId string) error
	ClaimedBy(jobId string) (string, error)
	MarkRunning(jobId string) error
	MarkCompleted(jobId string) error
	MarkFailed(jobId string) error
	IsCancelled(jobId string) (bool, error)
	GetJobs(ids []string) ([]*domain.Job, error)
	ActiveJobs(pool domain.Pool) ([]*domain.Job, error)
	IncrementNoFit(jobId string) (int64, error)
	ClearNoFit(jobId string) error
}

type RedisJobRepository struct {
	db redis.UniversalClient
}

func NewRedisJobRepository(db redis.UniversalClient) *RedisJobRepository {
	return &RedisJobRepository{db: db}
}

// claimScript atomically moves a job from the eligible set to the claim map.
// A job removed from the eligible set by another instance first leaves ZREM
// returning 0, which the caller surfaces as ErrAlreadyClaimed.
const claimScript = `
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 1 then
	redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
	return 1
end
return 0
`

// releaseClaimScript returns a claimed job to the eligible set unchanged.
// Safe to retry: a second release of the same job is a no-op.
const releaseClaimScript = `
local removed = redis.call('HDEL', KEYS[2], ARGV[1])
if removed == 1 then
	redis.call('ZREM', KEYS[3], ARGV[1])
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
	return 1
end
return 0
`

func eligibleKey(pool domain.Pool) string { return jobEligiblePrefix + string(pool) }
func activeKey(pool domain.Pool) string   { return jobActivePrefix + string(pool) }

// orderingScore is the zset score a job is queued under: deadline for the
// deadline pool, creation time for fair share.
func orderingScore(job *domain.Job) float64 {
	if job.Pool == domain.PoolDeadline {
		return float64(job.Deadline.UnixMilli())
	}
	return float64(job.Created.UnixMilli())
}

func (repo *RedisJobRepository) PollEligible(pool domain.Pool, limit int64) ([]*domain.Job, error) {
	ids, err := repo.db.ZRange(eligibleKey(pool), 0, limit-1).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs, err := repo.GetJobs(ids)
	if err != nil {
		return nil, err
	}
	// zset ordering is already deadline (or creation) first; re-sort for a
	// deterministic (deadline, created, id) order on ties
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if pool == domain.PoolDeadline && !a.Deadline.Equal(b.Deadline) {
			return a.Deadline.Before(b.Deadline)
		}
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.Id < b.Id
	})
	return jobs, nil
}

func (repo *RedisJobRepository) TryClaim(jobId string, workerId string) error {
	job, err := repo.getJob(jobId)
	if err != nil {
		return err
	}
	result, err := repo.db.Eval(
		claimScript,
		[]string{eligibleKey(job.Pool), jobClaimMapKey, activeKey(job.Pool)},
		jobId, workerId, orderingScore(job),
	).Int()
	if err != nil {
		return errors.WithStack(err)
	}
	if result == 0 {
		return &ErrAlreadyClaimed{JobId: jobId}
	}
	job.State = domain.JobClaimed
	return repo.storeJob(job)
}

func (repo *RedisJobRepository) ReleaseClaim(jobId string) error {
	job, err := repo.getJob(jobId)
	if err != nil {
		return err
	}
	_, err = repo.db.Eval(
		releaseClaimScript,
		[]string{eligibleKey(job.Pool), jobClaimMapKey, activeKey(job.Pool)},
		jobId, orderingScore(job),
	).Int()
	if err != nil {
		return errors.WithStack(err)
	}
	job.State = domain.JobCreated
	return repo.storeJob(job)
}

func (repo *RedisJobRepository) ClaimedBy(jobId string) (string, error) {
	workerId, err := repo.db.HGet(jobClaimMapKey, jobId).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.WithStack(err)
	}
	return workerId, nil
}

func (repo *RedisJobRepository) MarkRunning(jobId string) error {
	return repo.transition(jobId, domain.JobRunning)
}

func (repo *RedisJobRepository) MarkCompleted(jobId string) error {
	return repo.transition(jobId, domain.JobCompleted)
}

func (repo *RedisJobRepository) MarkFailed(jobId string) error {
	return repo.transition(jobId, domain.JobFailed)
}

func (repo *RedisJobRepository) transition(jobId string, state domain.JobState) error {
	job, err := repo.getJob(jobId)
	if err != nil {
		return err
	}
	job.State = state
	if err := repo.storeJob(job); err != nil {
		return err
	}
	if state.IsTerminal() {
		pipe := repo.db.TxPipeline()
		pipe.HDel(jobClaimMapKey, jobId)
		pipe.ZRem(activeKey(job.Pool), jobId)
		pipe.HDel(jobNoFitCountKey, jobId)
		if _, err := pipe.Exec(); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (repo *RedisJobRepository) IsCancelled(jobId string) (bool, error) {
	cancelled, err := repo.db.SIsMember(jobCancelledKey, jobId).Result()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return cancelled, nil
}

func (repo *RedisJobRepository) GetJobs(ids []string) ([]*domain.Job, error) {
	if len(ids) == 0 {
		return []*domain.Job{}, nil
	}
	pipe := repo.db.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.Get(jobObjectPrefix+id))
	}
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return nil, errors.WithStack(err)
	}

	jobs := make([]*domain.Job, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			// job record was removed between the index read and here
			continue
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
		job := &domain.Job{}
		if err := json.Unmarshal(data, job); err != nil {
			return nil, errors.WithStack(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (repo *RedisJobRepository) ActiveJobs(pool domain.Pool) ([]*domain.Job, error) {
	ids, err := repo.db.ZRange(activeKey(pool), 0, -1).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return repo.GetJobs(ids)
}

// IncrementNoFit counts consecutive passes in which a job fit no node. The
// count is used to surface persistently unschedulable jobs upstream as ban
// candidates.
func (repo *RedisJobRepository) IncrementNoFit(jobId string) (int64, error) {
	count, err := repo.db.HIncrBy(jobNoFitCountKey, jobId, 1).Result()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return count, nil
}

func (repo *RedisJobRepository) ClearNoFit(jobId string) error {
	return errors.WithStack(repo.db.HDel(jobNoFitCountKey, jobId).Err())
}

func (repo *RedisJobRepository) getJob(jobId string) (*domain.Job, error) {
	data, err := repo.db.Get(jobObjectPrefix + jobId).Bytes()
	if err == redis.Nil {
		return nil, &ErrJobNotFound{JobId: jobId}
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	job := &domain.Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, errors.WithStack(err)
	}
	return job, nil
}

func (repo *RedisJobRepository) storeJob(job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(repo.db.Set(jobObjectPrefix+job.Id, data, 0).Err())
}

// AddJob inserts a job record and queues it as eligible. In production the
// control plane owns insertion; this is used by tests and local tooling to
// feed the job source the same way.
func (repo *RedisJobRepository) AddJob(job *domain.Job) error {
	if job.State == "" {
		job.State = domain.JobCreated
	}
	if err := repo.storeJob(job); err != nil {
		return err
	}
	return errors.WithStack(repo.db.ZAdd(eligibleKey(job.Pool), redis.Z{
		Member: job.Id,
		Score:  orderingScore(job),
	}).Err())
}

// Cancel flags a job as cancelled the way the control plane would.
func (repo *RedisJobRepository) Cancel(jobId string) error {
	return errors.WithStack(repo.db.SAdd(jobCancelledKey, jobId).Err())
}
