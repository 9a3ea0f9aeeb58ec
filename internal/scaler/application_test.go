package scaler

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	strataresource "github.com/strata-analysis/strata/internal/common/resource"
	"github.com/strata-analysis/strata/internal/common/util"
	"github.com/strata-analysis/strata/internal/scaler/backend"
	"github.com/strata-analysis/strata/internal/scaler/configuration"
	"github.com/strata-analysis/strata/internal/scaler/domain"
	"github.com/strata-analysis/strata/internal/scaler/lifecycle"
	"github.com/strata-analysis/strata/internal/scaler/repository"
	"github.com/strata-analysis/strata/internal/scaler/scheduling"
)

var passTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestIdleWorkerReuseClaimsEligibleJob(t *testing.T) {
	withScaler(t, func(s *Scaler, tx *testFixture) {
		worker := tx.idleWorker(t, "unpacker:v1")
		job := tx.addJob(t, "unpacker:v1")

		s.reuseIdleWorkers(s.backends)

		claimedBy, err := s.jobs.ClaimedBy(job.Id)
		require.NoError(t, err)
		assert.Equal(t, worker.Id, claimedBy)

		stored, err := s.workers.Get(worker.Id)
		require.NoError(t, err)
		assert.Equal(t, job.Id, stored.CurrentJobId)
	})
}

func TestIdleWorkerReuseRespectsBans(t *testing.T) {
	withScaler(t, func(s *Scaler, tx *testFixture) {
		worker := tx.idleWorker(t, "cracker:v2")
		job := tx.addJob(t, "cracker:v2")
		require.NoError(t, tx.bans.Ban("cracker:v2"))

		s.reuseIdleWorkers(s.backends)

		// the job stays unclaimed and is reported blocked
		claimedBy, err := s.jobs.ClaimedBy(job.Id)
		require.NoError(t, err)
		assert.Empty(t, claimedBy)

		stored, err := s.workers.Get(worker.Id)
		require.NoError(t, err)
		assert.Empty(t, stored.CurrentJobId)

		blocked, err := tx.client.HExists("Job:Blocked", job.Id).Result()
		require.NoError(t, err)
		assert.True(t, blocked)

		// ban cleared, the same job goes through on the next pass
		require.NoError(t, tx.bans.Unban("cracker:v2"))
		s.reuseIdleWorkers(s.backends)
		claimedBy, err = s.jobs.ClaimedBy(job.Id)
		require.NoError(t, err)
		assert.Equal(t, worker.Id, claimedBy)
	})
}

func TestIdleWorkerReuseSkipsCancelledJob(t *testing.T) {
	withScaler(t, func(s *Scaler, tx *testFixture) {
		worker := tx.idleWorker(t, "unpacker:v1")
		cancelled := tx.addJob(t, "unpacker:v1")
		require.NoError(t, tx.jobs.Cancel(cancelled.Id))
		live := tx.addJob(t, "unpacker:v1")

		s.reuseIdleWorkers(s.backends)

		claimedBy, err := s.jobs.ClaimedBy(cancelled.Id)
		require.NoError(t, err)
		assert.Empty(t, claimedBy)

		// the worker takes the next live candidate instead
		claimedBy, err = s.jobs.ClaimedBy(live.Id)
		require.NoError(t, err)
		assert.Equal(t, worker.Id, claimedBy)
	})
}

func TestUnreachableBackendSitsOutThePass(t *testing.T) {
	withScaler(t, func(s *Scaler, tx *testFixture) {
		down := &stubAdapter{
			kind: domain.BackendExternal,
			listErr: &backend.ErrBackendUnreachable{
				Backend: domain.BackendExternal,
				Cause:   errors.New("connection refused"),
			},
		}
		s.adapters[domain.BackendExternal] = down
		s.backends = append(s.backends, domain.BackendExternal)

		reachable := s.reachableBackends()
		assert.Equal(t, []domain.BackendKind{domain.BackendKubernetes}, reachable)

		down.listErr = nil
		reachable = s.reachableBackends()
		assert.Equal(t, []domain.BackendKind{domain.BackendKubernetes, domain.BackendExternal}, reachable)
	})
}

type stubAdapter struct {
	kind    domain.BackendKind
	listErr error
}

func (a *stubAdapter) Name() domain.BackendKind { return a.kind }

func (a *stubAdapter) Spawn(spec *backend.WorkerSpec) (*backend.WorkerHandle, error) {
	return &backend.WorkerHandle{WorkerId: spec.WorkerId, Name: spec.Name, Node: spec.Node}, nil
}

func (a *stubAdapter) Despawn(handle *backend.WorkerHandle) error { return nil }

func (a *stubAdapter) ListActive() ([]*backend.WorkerHandle, error) {
	if a.listErr != nil {
		return nil, a.listErr
	}
	return nil, nil
}

func (a *stubAdapter) ClusterCapacity() (map[string]strataresource.ComputeResources, error) {
	return map[string]strataresource.ComputeResources{}, nil
}

type testFixture struct {
	client  *redis.Client
	jobs    *repository.RedisJobRepository
	workers *repository.RedisWorkerRepository
	ledger  *repository.RedisResourceLedger
	bans    *repository.RedisBanRepository
}

func withScaler(t *testing.T, action func(s *Scaler, tx *testFixture)) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	jobs := repository.NewRedisJobRepository(client)
	workers := repository.NewRedisWorkerRepository(client)
	ledger := repository.NewRedisResourceLedger(client)
	bans := repository.NewRedisBanRepository(client)
	usage := repository.NewActiveJobUsageRepository(jobs)

	config := &configuration.ScalerConfig{}
	config.ApplyDefaults()

	require.NoError(t, ledger.UpsertNode(domain.BackendKubernetes, "node-1", testVector("8", "32Gi")))

	adapters := map[domain.BackendKind]backend.Adapter{
		domain.BackendKubernetes: &stubAdapter{kind: domain.BackendKubernetes},
	}
	manager := lifecycle.NewManager(
		&config.Lifecycle, jobs, workers, ledger, adapters, &util.DummyClock{T: passTime})

	s := &Scaler{
		config:    config,
		db:        client,
		jobs:      jobs,
		workers:   workers,
		images:    repository.NewRedisImageRepository(client),
		ledger:    ledger,
		bans:      bans,
		usage:     usage,
		backends:  []domain.BackendKind{domain.BackendKubernetes},
		deadline:  scheduling.NewDeadlinePool(),
		fairShare: scheduling.NewFairSharePool(usage),
		manager:   manager,
		adapters:  adapters,
	}
	action(s, &testFixture{client: client, jobs: jobs, workers: workers, ledger: ledger, bans: bans})
}

// idleWorker registers an Active worker with no current job, the state a
// worker is in right after its previous job finished.
func (tx *testFixture) idleWorker(t *testing.T, imageRef string) *domain.Worker {
	t.Helper()
	reservation, err := tx.ledger.Reserve("node-1", testVector("1", "1Gi"))
	require.NoError(t, err)
	worker := &domain.Worker{
		Id:            util.NewULID(),
		Name:          "worker-test",
		Backend:       domain.BackendKubernetes,
		Node:          "node-1",
		ReservationId: reservation.Id,
		Pool:          domain.PoolDeadline,
		ImageRef:      imageRef,
		Tenant:        "tenant-a",
		Resources:     testVector("1", "1Gi"),
		State:         domain.WorkerActive,
		Lifetime:      domain.UnboundedLifetime(),
		ClaimedJobs:   1,
		SpawnTime:     passTime,
		LastHeartbeat: passTime,
	}
	require.NoError(t, tx.workers.Register(worker))
	return worker
}

func (tx *testFixture) addJob(t *testing.T, imageRef string) *domain.Job {
	t.Helper()
	job := &domain.Job{
		Id:         util.NewULID(),
		ReactionId: util.NewULID(),
		Tenant:     "tenant-a",
		ImageRef:   imageRef,
		Pool:       domain.PoolDeadline,
		Resources:  testVector("1", "1Gi"),
		Deadline:   passTime.Add(time.Hour),
		Created:    passTime,
	}
	require.NoError(t, tx.jobs.AddJob(job))
	return job
}

func testVector(cpu, memory string) strataresource.ComputeResources {
	return strataresource.ComputeResources{
		"cpu":    resource.MustParse(cpu),
		"memory": resource.MustParse(memory),
	}
}
