package lifecycle

import (
	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/strata-analysis/strata/internal/common/util"
	"github.com/strata-analysis/strata/internal/scaler/backend"
	"github.com/strata-analysis/strata/internal/scaler/configuration"
	"github.com/strata-analysis/strata/internal/scaler/domain"
	"github.com/strata-analysis/strata/internal/scaler/metrics"
	"github.com/strata-analysis/strata/internal/scaler/repository"
	"github.com/strata-analysis/strata/internal/scaler/scheduling"
)

// Manager owns every worker from the moment a placement is emitted until its
// record is deleted. No other component mutates worker state.
type Manager struct {
	config   *configuration.LifecycleConfig
	jobs     repository.JobRepository
	workers  repository.WorkerRepository
	ledger   repository.ResourceLedger
	adapters map[domain.BackendKind]backend.Adapter
	clock    util.Clock
}

func NewManager(
	config *configuration.LifecycleConfig,
	jobs repository.JobRepository,
	workers repository.WorkerRepository,
	ledger repository.ResourceLedger,
	adapters map[domain.BackendKind]backend.Adapter,
	clock util.Clock,
) *Manager {
	return &Manager{
		config:   config,
		jobs:     jobs,
		workers:  workers,
		ledger:   ledger,
		adapters: adapters,
		clock:    clock,
	}
}

// Dispatch turns one placement into a spawn call. The claim and reservation
// are already durable; a spawn failure after the retry budget releases both
// so the job is retried by a later pass on a fresh worker.
func (m *Manager) Dispatch(placement *scheduling.Placement) error {
	worker := placement.Worker
	adapter, ok := m.adapters[worker.Backend]
	if !ok {
		m.releasePlacement(worker)
		return errors.Errorf("no adapter configured for backend %s", worker.Backend)
	}

	if err := transition(worker, domain.WorkerSpawning); err != nil {
		return err
	}
	if err := m.workers.Update(worker); err != nil {
		return err
	}

	spec := &backend.WorkerSpec{
		WorkerId:   worker.Id,
		Name:       worker.Name,
		Node:       worker.Node,
		ImageRef:   placement.Image.Ref,
		Entrypoint: placement.Image.Entrypoint,
		JobId:      placement.Job.Id,
		ReactionId: placement.Job.ReactionId,
		Resources:  worker.Resources,
		Timeout:    placement.Image.Timeout,
	}
	err := retry.Do(
		func() error {
			_, err := adapter.Spawn(spec)
			return err
		},
		retry.Attempts(uint(m.config.SpawnRetryBudget)),
		retry.Delay(m.config.SpawnRetryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.WithField("workerId", worker.Id).Errorf("spawn failed after retries: %v", err)
		metrics.RecordSpawnFailure(worker.Backend)
		m.releasePlacement(worker)
		return &backend.ErrSpawnFailed{WorkerId: worker.Id, Cause: err}
	}
	return nil
}

// releasePlacement undoes a placement whose spawn never happened: the
// reservation is credited back, the claim returns to eligible unchanged and
// the worker record is removed.
func (m *Manager) releasePlacement(worker *domain.Worker) {
	if err := m.ledger.Release(reservationOf(worker)); err != nil {
		log.WithField("workerId", worker.Id).Errorf("failed to release reservation: %v", err)
	}
	if worker.CurrentJobId != "" {
		if err := m.jobs.ReleaseClaim(worker.CurrentJobId); err != nil {
			log.WithField("jobId", worker.CurrentJobId).Errorf("failed to release claim: %v", err)
		}
	}
	if err := m.workers.Delete(worker); err != nil {
		log.WithField("workerId", worker.Id).Errorf("failed to delete worker record: %v", err)
	}
}

// ConfirmSpawns promotes Spawning workers whose backend reports them running.
func (m *Manager) ConfirmSpawns(kind domain.BackendKind) error {
	adapter, ok := m.adapters[kind]
	if !ok {
		return errors.Errorf("no adapter configured for backend %s", kind)
	}
	handles, err := adapter.ListActive()
	if err != nil {
		return err
	}
	running := make(map[string]bool, len(handles))
	for _, handle := range handles {
		running[handle.WorkerId] = true
	}

	workers, err := m.workers.ListByBackend(kind)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, worker := range workers {
		if worker.State != domain.WorkerSpawning || !running[worker.Id] {
			continue
		}
		if err := transition(worker, domain.WorkerActive); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		worker.LastHeartbeat = m.clock.Now()
		if err := m.workers.Update(worker); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := m.workers.Heartbeat(worker.Id, worker.LastHeartbeat); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// SyncJobCompletion clears finished jobs off their workers. An Active worker
// whose job finished becomes idle and may claim again; a Draining one has
// nothing left to wait for and is terminated.
func (m *Manager) SyncJobCompletion(kind domain.BackendKind) error {
	workers, err := m.workers.ListByBackend(kind)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, worker := range workers {
		if worker.CurrentJobId == "" {
			if worker.State == domain.WorkerDraining {
				result = multierror.Append(result, m.Terminate(worker))
			}
			continue
		}
		if worker.State != domain.WorkerActive && worker.State != domain.WorkerDraining {
			continue
		}
		finished, err := m.jobFinished(worker.CurrentJobId)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if !finished {
			continue
		}
		worker.CurrentJobId = ""
		if worker.State == domain.WorkerDraining {
			result = multierror.Append(result, m.Terminate(worker))
			continue
		}
		if err := m.workers.Update(worker); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m *Manager) jobFinished(jobId string) (bool, error) {
	jobs, err := m.jobs.GetJobs([]string{jobId})
	if err != nil {
		return false, err
	}
	if len(jobs) == 0 {
		// job record expired or removed upstream, nothing to wait for
		return true, nil
	}
	return jobs[0].State.IsTerminal(), nil
}

// ClaimNextJob lets an idle Active worker with remaining budget take another
// eligible job for its image instead of a fresh worker being spawned for it.
// Returns false when another instance claimed the job first.
func (m *Manager) ClaimNextJob(worker *domain.Worker, job *domain.Job) (bool, error) {
	if worker.State != domain.WorkerActive || worker.CurrentJobId != "" {
		return false, nil
	}
	if worker.Lifetime.Exhausted(m.clock.Now(), worker.SpawnTime, worker.ClaimedJobs) {
		return false, nil
	}
	if err := m.jobs.TryClaim(job.Id, worker.Id); err != nil {
		if _, raced := err.(*repository.ErrAlreadyClaimed); raced {
			return false, nil
		}
		return false, err
	}
	worker.ClaimedJobs++
	worker.CurrentJobId = job.Id
	if err := m.workers.Update(worker); err != nil {
		return false, err
	}
	return true, nil
}

// ExpireLifetimes drains Active workers whose lifetime budget is spent.
func (m *Manager) ExpireLifetimes(kind domain.BackendKind) error {
	workers, err := m.workers.ListByBackend(kind)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	var result *multierror.Error
	for _, worker := range workers {
		if worker.State != domain.WorkerActive {
			continue
		}
		if !worker.Lifetime.Exhausted(now, worker.SpawnTime, worker.ClaimedJobs) {
			continue
		}
		result = multierror.Append(result, m.Drain(worker))
	}
	return result.ErrorOrNil()
}

// Drain stops a worker accepting new claims. An idle worker has nothing to
// finish and is terminated straight away.
func (m *Manager) Drain(worker *domain.Worker) error {
	if worker.State != domain.WorkerActive {
		return nil
	}
	if err := transition(worker, domain.WorkerDraining); err != nil {
		return err
	}
	if err := m.workers.Update(worker); err != nil {
		return err
	}
	log.WithField("workerId", worker.Id).Info("worker draining")
	if worker.CurrentJobId == "" {
		return m.Terminate(worker)
	}
	return nil
}

// Terminate despawns the worker and releases its reservation. Safe to retry:
// despawn of a gone worker and release of a released reservation are no-ops.
func (m *Manager) Terminate(worker *domain.Worker) error {
	adapter, ok := m.adapters[worker.Backend]
	if !ok {
		return errors.Errorf("no adapter configured for backend %s", worker.Backend)
	}
	handle := &backend.WorkerHandle{WorkerId: worker.Id, Name: worker.Name, Node: worker.Node}
	if err := adapter.Despawn(handle); err != nil {
		return err
	}
	if err := m.ledger.Release(reservationOf(worker)); err != nil {
		return err
	}
	if err := transition(worker, domain.WorkerTerminated); err != nil {
		return err
	}
	log.WithField("workerId", worker.Id).Info("worker terminated")
	return m.workers.Delete(worker)
}

// ReapZombies force terminates workers whose heartbeat stopped past the grace
// period. Any claimed but unfinished job is returned to eligible unchanged so
// another worker can retry it; the scheduler never assumes a claimed job
// succeeded.
func (m *Manager) ReapZombies() error {
	cutoff := m.clock.Now().Add(-m.config.HeartbeatGracePeriod)
	stale, err := m.workers.StaleWorkers(cutoff)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, worker := range stale {
		log.WithField("workerId", worker.Id).
			Warnf("worker heartbeat lost, last seen %s", worker.LastHeartbeat)
		if worker.CurrentJobId != "" {
			if finished, err := m.jobFinished(worker.CurrentJobId); err != nil {
				result = multierror.Append(result, err)
				continue
			} else if !finished {
				if err := m.jobs.ReleaseClaim(worker.CurrentJobId); err != nil {
					result = multierror.Append(result, err)
					continue
				}
			}
			worker.CurrentJobId = ""
		}
		if err := m.ledger.Release(reservationOf(worker)); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if adapter, ok := m.adapters[worker.Backend]; ok {
			handle := &backend.WorkerHandle{WorkerId: worker.Id, Name: worker.Name, Node: worker.Node}
			if err := adapter.Despawn(handle); err != nil {
				log.WithField("workerId", worker.Id).Warnf("despawn of zombie failed: %v", err)
			}
		}
		if err := m.workers.Delete(worker); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		metrics.RecordReapedWorker()
	}
	return result.ErrorOrNil()
}

// ReapOrphanedReservations releases reservations no registered worker
// references. A crash between reserving capacity and registering the worker
// leaves the reservation with no owner; without this sweep that capacity
// would stay allocated forever. Only reservations older than the heartbeat
// grace period are considered so in-flight placements are never touched.
func (m *Manager) ReapOrphanedReservations() error {
	cutoff := m.clock.Now().Add(-m.config.HeartbeatGracePeriod)
	stale, err := m.ledger.StaleReservations(cutoff)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	referenced := map[string]bool{}
	for kind := range m.adapters {
		workers, err := m.workers.ListByBackend(kind)
		if err != nil {
			return err
		}
		for _, worker := range workers {
			referenced[worker.ReservationId] = true
		}
	}
	var result *multierror.Error
	for _, reservation := range stale {
		if referenced[reservation.Id] {
			continue
		}
		log.WithField("node", reservation.Node).
			Warnf("releasing orphaned reservation %s", reservation.Id)
		if err := m.ledger.Release(reservation); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func reservationOf(worker *domain.Worker) *repository.Reservation {
	return &repository.Reservation{
		Id:        worker.ReservationId,
		Node:      worker.Node,
		Resources: worker.Resources,
	}
}
