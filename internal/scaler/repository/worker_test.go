package repository

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-analysis/strata/internal/common/util"
	"github.com/strata-analysis/strata/internal/scaler/domain"
)

func TestWorkerRegisterAndGet(t *testing.T) {
	withWorkerRepository(t, func(r *RedisWorkerRepository) {
		worker := testWorker(domain.BackendKubernetes, time.Now())
		require.NoError(t, r.Register(worker))

		stored, err := r.Get(worker.Id)
		require.NoError(t, err)
		assert.Equal(t, worker.Id, stored.Id)
		assert.Equal(t, domain.WorkerRequested, stored.State)

		workers, err := r.ListByBackend(domain.BackendKubernetes)
		require.NoError(t, err)
		assert.Len(t, workers, 1)
	})
}

func TestStaleWorkers(t *testing.T) {
	withWorkerRepository(t, func(r *RedisWorkerRepository) {
		now := time.Now()
		fresh := testWorker(domain.BackendKubernetes, now)
		stale := testWorker(domain.BackendKubernetes, now.Add(-time.Hour))
		require.NoError(t, r.Register(fresh))
		require.NoError(t, r.Register(stale))

		found, err := r.StaleWorkers(now.Add(-5 * time.Minute))
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, stale.Id, found[0].Id)

		// a heartbeat rescues the worker
		require.NoError(t, r.Heartbeat(stale.Id, now))
		found, err = r.StaleWorkers(now.Add(-5 * time.Minute))
		require.NoError(t, err)
		assert.Empty(t, found)
	})
}

func TestWorkerDelete(t *testing.T) {
	withWorkerRepository(t, func(r *RedisWorkerRepository) {
		worker := testWorker(domain.BackendExternal, time.Now())
		require.NoError(t, r.Register(worker))
		require.NoError(t, r.Delete(worker))

		_, err := r.Get(worker.Id)
		require.Error(t, err)
		assert.IsType(t, &ErrWorkerNotFound{}, err)

		workers, err := r.ListByBackend(domain.BackendExternal)
		require.NoError(t, err)
		assert.Empty(t, workers)
	})
}

func testWorker(backend domain.BackendKind, spawnTime time.Time) *domain.Worker {
	id := util.NewULID()
	return &domain.Worker{
		Id:            id,
		Name:          "unpacker-" + id[len(id)-6:],
		Backend:       backend,
		Node:          "node-1",
		Pool:          domain.PoolDeadline,
		ImageRef:      "unpacker:v1",
		Tenant:        "tenant-a",
		State:         domain.WorkerRequested,
		Lifetime:      domain.UnboundedLifetime(),
		SpawnTime:     spawnTime,
		LastHeartbeat: spawnTime,
	}
}

func withWorkerRepository(t *testing.T, action func(r *RedisWorkerRepository)) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	action(NewRedisWorkerRepository(client))
}
