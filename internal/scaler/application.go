package scaler

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/strata-analysis/strata/internal/common"
	"github.com/strata-analysis/strata/internal/common/health"
	"github.com/strata-analysis/strata/internal/common/task"
	"github.com/strata-analysis/strata/internal/common/util"
	"github.com/strata-analysis/strata/internal/scaler/backend"
	"github.com/strata-analysis/strata/internal/scaler/configuration"
	"github.com/strata-analysis/strata/internal/scaler/domain"
	"github.com/strata-analysis/strata/internal/scaler/lifecycle"
	"github.com/strata-analysis/strata/internal/scaler/metrics"
	"github.com/strata-analysis/strata/internal/scaler/repository"
	"github.com/strata-analysis/strata/internal/scaler/scheduling"
)

// Scaler is one scheduler instance. Any number may run the same loops
// concurrently against the same Redis; all coordination happens through the
// atomic claim and reserve operations, never through in-process state.
type Scaler struct {
	config *configuration.ScalerConfig
	db     *redis.Client

	jobs     repository.JobRepository
	workers  repository.WorkerRepository
	images   repository.ImageRepository
	ledger   repository.ResourceLedger
	bans     repository.BanRepository
	usage    repository.UsageRepository
	backends []domain.BackendKind

	deadline  *scheduling.DeadlinePool
	fairShare *scheduling.FairSharePool
	manager   *lifecycle.Manager
	adapters  map[domain.BackendKind]backend.Adapter
}

func StartUp(config *configuration.ScalerConfig) (func(), error) {
	config.ApplyDefaults()
	if config.InstanceId == "" {
		config.InstanceId = util.NewULID()
	}
	log.Infof("starting scaler instance %s", config.InstanceId)

	db := redis.NewClient(&config.Redis)
	if err := db.Ping().Err(); err != nil {
		return nil, errors.Wrap(err, "cannot reach the shared state store")
	}

	jobs := repository.NewRedisJobRepository(db)
	workers := repository.NewRedisWorkerRepository(db)
	images := repository.NewCachedImageRepository(
		repository.NewRedisImageRepository(db), config.Scheduling.ImageCacheExpiry)
	ledger := repository.NewRedisResourceLedger(db)
	bans := repository.NewRedisBanRepository(db)
	usage := repository.NewActiveJobUsageRepository(jobs)

	adapters, err := buildAdapters(config, workers)
	if err != nil {
		return nil, err
	}
	backends := maps.Keys(adapters)
	slices.Sort(backends)

	manager := lifecycle.NewManager(
		&config.Lifecycle, jobs, workers, ledger, adapters, &util.DefaultClock{})

	s := &Scaler{
		config:    config,
		db:        db,
		jobs:      jobs,
		workers:   workers,
		images:    images,
		ledger:    ledger,
		bans:      bans,
		usage:     usage,
		backends:  backends,
		deadline:  scheduling.NewDeadlinePool(),
		fairShare: scheduling.NewFairSharePool(usage),
		manager:   manager,
		adapters:  adapters,
	}

	taskManager := task.NewBackgroundTaskManager(metrics.MetricsPrefix)
	taskManager.Register(s.refreshLedger, config.Scheduling.PassInterval, "ledger_refresh")
	taskManager.Register(s.runPass, config.Scheduling.PassInterval, "scheduling_pass")
	taskManager.Register(s.reconcile, config.Scheduling.PassInterval, "lifecycle_reconcile")

	// a ban change triggers an immediate pass so cleared jobs do not wait
	// out the polling interval
	banSignals, closeBans := bans.SubscribeUpdates()
	go func() {
		for range banSignals {
			s.runPass()
		}
	}()

	healthChecks := health.NewMultiChecker(health.CheckerFunc(func() error {
		return db.Ping().Err()
	}))
	shutdownMetrics := common.ServeMetrics(config.MetricsPort, healthChecks)

	return func() {
		closeBans()
		shutdownMetrics()
		if taskManager.StopAll(10 * time.Second) {
			log.Warnf("graceful shutdown timed out")
		}
		_ = db.Close()
	}, nil
}

func buildAdapters(
	config *configuration.ScalerConfig,
	workers repository.WorkerRepository,
) (map[domain.BackendKind]backend.Adapter, error) {
	adapters := map[domain.BackendKind]backend.Adapter{}
	for kind, backendConfig := range config.Backends {
		backendConfig := backendConfig
		switch kind {
		case domain.BackendKubernetes:
			adapter, err := backend.NewKubernetesAdapter(&backendConfig)
			if err != nil {
				return nil, errors.Wrap(err, "cannot build kubernetes adapter")
			}
			adapters[kind] = adapter
		case domain.BackendExternal:
			adapters[kind] = backend.NewExternalAdapter(workers)
		default:
			return nil, errors.Errorf("no adapter implemented for backend %s", kind)
		}
	}
	if len(adapters) == 0 {
		return nil, errors.New("no backends configured")
	}
	return adapters, nil
}

// runPass is one scheduling pass. It fails closed: if the shared store is
// unreachable nothing is dispatched, because guessing at state is worse than
// a missed interval.
func (s *Scaler) runPass() {
	if err := s.db.Ping().Err(); err != nil {
		log.Errorf("shared state store unreachable, skipping pass: %v", err)
		return
	}

	backends := s.reachableBackends()
	if len(backends) == 0 {
		log.Warnf("no backend reachable, skipping pass")
		return
	}

	c, err := scheduling.NewPassContext(
		&s.config.Scheduling, s.jobs, s.workers, s.images, s.ledger, s.bans,
		backends, time.Now())
	if err != nil {
		log.Errorf("failed to prepare scheduling pass: %v", err)
		return
	}

	s.reuseIdleWorkers(backends)

	if err := s.deadline.Schedule(c); err != nil {
		log.Errorf("deadline pool pass failed: %v", err)
		return
	}
	if err := s.fairShare.Schedule(c); err != nil {
		log.Errorf("fair share pool pass failed: %v", err)
		return
	}

	placementsByPool := map[domain.Pool]int{}
	for _, placement := range c.Placements {
		placementsByPool[placement.Worker.Pool]++
		if err := s.manager.Dispatch(placement); err != nil {
			log.WithField("jobId", placement.Job.Id).Errorf("dispatch failed: %v", err)
		}
	}
	for pool, count := range placementsByPool {
		metrics.RecordPlacements(pool, count)
	}
	metrics.RecordLostClaimRaces(c.LostRaces)
	metrics.RecordBlockedJobs(c.Blocked)

	s.preempt(c, backends)
}

// reachableBackends probes each adapter before a pass. Placements on an
// unreachable backend would only unwind through spawn retries, so its pass
// is skipped until it answers again.
func (s *Scaler) reachableBackends() []domain.BackendKind {
	reachable := make([]domain.BackendKind, 0, len(s.backends))
	for _, kind := range s.backends {
		if _, err := s.adapters[kind].ListActive(); err != nil {
			log.Warnf("backend %s unreachable, skipping its pass: %v", kind, err)
			continue
		}
		reachable = append(reachable, kind)
	}
	return reachable
}

// reuseIdleWorkers matches eligible jobs onto idle Active workers with
// remaining budget before new workers are spawned for them. The same checks
// that gate a spawn apply here: a banned image or a cancelled job never
// reaches a worker.
func (s *Scaler) reuseIdleWorkers(backends []domain.BackendKind) {
	banned, err := s.bans.BannedImages()
	if err != nil {
		log.Errorf("failed to load banned images: %v", err)
		return
	}
	jobsByImage := map[string][]*domain.Job{}
	for _, pool := range domain.Pools {
		eligible, err := s.jobs.PollEligible(pool, s.config.Scheduling.PollBatchSize)
		if err != nil {
			log.Errorf("failed to poll eligible jobs: %v", err)
			return
		}
		for _, job := range eligible {
			if banned[job.ImageRef] {
				if err := s.bans.ReportBlocked(job.Id, job.ImageRef); err != nil {
					log.WithField("jobId", job.Id).Errorf("failed to report blocked job: %v", err)
				}
				continue
			}
			jobsByImage[job.ImageRef] = append(jobsByImage[job.ImageRef], job)
		}
	}
	if len(jobsByImage) == 0 {
		return
	}

	for _, kind := range backends {
		workers, err := s.workers.ListByBackend(kind)
		if err != nil {
			log.Errorf("failed to list workers for backend %s: %v", kind, err)
			continue
		}
		for _, worker := range workers {
			job := s.nextClaimable(jobsByImage, worker.ImageRef)
			if job == nil {
				continue
			}
			claimed, err := s.manager.ClaimNextJob(worker, job)
			if err != nil {
				log.WithField("workerId", worker.Id).Errorf("worker reuse failed: %v", err)
				continue
			}
			if claimed {
				jobsByImage[worker.ImageRef] = jobsByImage[worker.ImageRef][1:]
				if err := s.bans.ClearBlocked(job.Id); err != nil {
					log.WithField("jobId", job.Id).Errorf("failed to clear blocked marker: %v", err)
				}
			}
		}
	}
}

// nextClaimable returns the head candidate for an image, dropping cancelled
// jobs on the way.
func (s *Scaler) nextClaimable(jobsByImage map[string][]*domain.Job, imageRef string) *domain.Job {
	candidates := jobsByImage[imageRef]
	for len(candidates) > 0 {
		cancelled, err := s.jobs.IsCancelled(candidates[0].Id)
		if err != nil {
			log.WithField("jobId", candidates[0].Id).Errorf("failed to check cancellation: %v", err)
			candidates = nil
			break
		}
		if !cancelled {
			break
		}
		candidates = candidates[1:]
	}
	jobsByImage[imageRef] = candidates
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

func (s *Scaler) preempt(c *scheduling.PassContext, backends []domain.BackendKind) {
	eligibleImages, err := c.EligibleImages()
	if err != nil {
		log.Errorf("failed to compute eligible images: %v", err)
		return
	}
	for _, kind := range backends {
		load, err := s.ledger.BackendLoad(kind)
		if err != nil {
			log.Errorf("failed to compute load for backend %s: %v", kind, err)
			continue
		}
		metrics.RecordBackendLoad(kind, load)

		workers, err := s.workers.ListByBackend(kind)
		if err != nil {
			log.Errorf("failed to list workers for backend %s: %v", kind, err)
			continue
		}
		drain := scheduling.SelectForDrain(
			load, s.config.Scheduling.PreemptionLoadThreshold, workers, eligibleImages)
		for _, worker := range drain {
			if err := s.manager.Drain(worker); err != nil {
				log.WithField("workerId", worker.Id).Errorf("preemption drain failed: %v", err)
			}
		}
		if len(drain) > 0 {
			metrics.RecordPreemptedWorkers(kind, len(drain))
		}
	}
}

// reconcile drives the worker state machine forward between passes.
func (s *Scaler) reconcile() {
	for _, kind := range s.backends {
		if err := s.manager.ConfirmSpawns(kind); err != nil {
			log.Errorf("spawn confirmation for backend %s failed: %v", kind, err)
		}
		if err := s.manager.SyncJobCompletion(kind); err != nil {
			log.Errorf("job completion sync for backend %s failed: %v", kind, err)
		}
		if err := s.manager.ExpireLifetimes(kind); err != nil {
			log.Errorf("lifetime expiry for backend %s failed: %v", kind, err)
		}
	}
	if err := s.manager.ReapZombies(); err != nil {
		log.Errorf("zombie reap failed: %v", err)
	}
	if err := s.manager.ReapOrphanedReservations(); err != nil {
		log.Errorf("orphaned reservation reap failed: %v", err)
	}
}

// refreshLedger feeds each backend's node capacity into the ledger. An
// unreachable backend keeps its last known nodes; other backends are
// unaffected.
func (s *Scaler) refreshLedger() {
	for kind, adapter := range s.adapters {
		capacity, err := adapter.ClusterCapacity()
		if err != nil {
			log.Warnf("backend %s unreachable, keeping last known capacity: %v", kind, err)
			continue
		}
		if len(capacity) == 0 {
			// externally managed pools register their own nodes
			continue
		}
		for node, nodeCapacity := range capacity {
			if err := s.ledger.UpsertNode(kind, node, nodeCapacity); err != nil {
				log.Errorf("failed to upsert node %s: %v", node, err)
			}
		}
		known, err := s.ledger.Nodes(kind)
		if err != nil {
			log.Errorf("failed to list ledger nodes for backend %s: %v", kind, err)
			continue
		}
		for _, node := range known {
			if _, still := capacity[node.Name]; !still {
				if err := s.ledger.RemoveNode(kind, node.Name); err != nil {
					log.Errorf("failed to remove node %s: %v", node.Name, err)
				}
			}
		}
	}
}
