package scheduling

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	strataresource "github.com/strata-analysis/strata/internal/common/resource"
	"github.com/strata-analysis/strata/internal/common/util"
	"github.com/strata-analysis/strata/internal/scaler/configuration"
	"github.com/strata-analysis/strata/internal/scaler/domain"
	"github.com/strata-analysis/strata/internal/scaler/repository"
)

// Placement is one allocation decision: a job bound to a worker that holds a
// reservation on a concrete node. The claim and reservation are already
// durable when a Placement is emitted; only the spawn call remains.
type Placement struct {
	Job         *domain.Job
	Image       *domain.Image
	Worker      *domain.Worker
	Reservation *repository.Reservation
}

// PassContext bundles the state of one scheduling pass: a snapshot of node
// capacity, per node spawn budgets and per image worker counts, plus the
// placements and counters the pass accumulates. It is rebuilt every pass and
// never shared across instances; all cross instance coordination happens
// through the atomic claim and reserve operations underneath.
type PassContext struct {
	config  *configuration.SchedulingConfig
	jobs    repository.JobRepository
	workers repository.WorkerRepository
	images  repository.ImageRepository
	ledger  repository.ResourceLedger
	bans    repository.BanRepository

	now          time.Time
	bannedImages map[string]bool

	nodesByBackend map[domain.BackendKind][]*repository.NodeInfo
	spawnSlots     map[string]int
	workersByImage map[string]int

	Placements []*Placement
	LostRaces  int
	Blocked    int
	Skipped    int
}

func NewPassContext(
	config *configuration.SchedulingConfig,
	jobs repository.JobRepository,
	workers repository.WorkerRepository,
	images repository.ImageRepository,
	ledger repository.ResourceLedger,
	bans repository.BanRepository,
	backends []domain.BackendKind,
	now time.Time,
) (*PassContext, error) {
	c := &PassContext{
		config:         config,
		jobs:           jobs,
		workers:        workers,
		images:         images,
		ledger:         ledger,
		bans:           bans,
		now:            now,
		nodesByBackend: map[domain.BackendKind][]*repository.NodeInfo{},
		spawnSlots:     map[string]int{},
		workersByImage: map[string]int{},
	}

	banned, err := bans.BannedImages()
	if err != nil {
		return nil, err
	}
	c.bannedImages = banned

	for _, backend := range backends {
		nodes, err := ledger.Nodes(backend)
		if err != nil {
			return nil, err
		}
		c.nodesByBackend[backend] = nodes
		for _, node := range nodes {
			c.spawnSlots[node.Name] = config.SpawnSlotsPerNode
		}
		registered, err := workers.ListByBackend(backend)
		if err != nil {
			return nil, err
		}
		for _, worker := range registered {
			if worker.State != domain.WorkerTerminated {
				c.workersByImage[worker.ImageRef]++
			}
		}
	}
	return c, nil
}

// gate applies the ban gate: a banned image's jobs are excluded from the pass
// entirely, reported as blocked, and become eligible again once the control
// plane clears the ban. Not an error and not a failure.
func (c *PassContext) gate(jobs []*domain.Job) []*domain.Job {
	admitted := make([]*domain.Job, 0, len(jobs))
	for _, job := range jobs {
		if c.bannedImages[job.ImageRef] {
			c.Blocked++
			if err := c.bans.ReportBlocked(job.Id, job.ImageRef); err != nil {
				log.WithField("jobId", job.Id).Warnf("failed to report blocked job: %v", err)
			}
			continue
		}
		admitted = append(admitted, job)
	}
	return admitted
}

// tryPlace attempts to place one job: reserve capacity on a node of the
// image's backend, register the worker, then claim the job. Returns false
// without error when the job cannot be placed this pass (no fit, cancelled,
// spawn limit reached, or another instance claimed it first).
func (c *PassContext) tryPlace(job *domain.Job, pool domain.Pool) (bool, error) {
	image, err := c.images.GetImage(job.ImageRef)
	if err != nil {
		if _, notFound := err.(*repository.ErrImageNotFound); notFound {
			log.WithField("jobId", job.Id).Warnf("image %s not found, skipping", job.ImageRef)
			c.Skipped++
			return false, nil
		}
		return false, err
	}

	cancelled, err := c.jobs.IsCancelled(job.Id)
	if err != nil {
		return false, err
	}
	if cancelled {
		c.Skipped++
		return false, nil
	}

	if image.SpawnLimit > 0 && c.workersByImage[image.Ref] >= image.SpawnLimit {
		c.Skipped++
		return false, nil
	}

	request := job.Resources
	if len(request) == 0 {
		request = image.Resources
	}

	nodes := c.nodesByBackend[image.Backend]
	if !fitsAnyNode(nodes, request) {
		return false, c.reportNoFit(job, image)
	}

	for _, node := range nodes {
		if c.spawnSlots[node.Name] <= 0 {
			continue
		}
		if !node.Free().Dominates(request) {
			continue
		}
		reservation, err := c.ledger.Reserve(node.Name, request)
		if err != nil {
			if _, insufficient := err.(*repository.ErrInsufficientResources); insufficient {
				// another instance got there first, try the next node
				continue
			}
			return false, err
		}
		placed, err := c.claimOnto(job, image, pool, node, reservation, request)
		if err != nil || !placed {
			return false, err
		}
		return true, nil
	}

	c.Skipped++
	return false, nil
}

func (c *PassContext) claimOnto(
	job *domain.Job,
	image *domain.Image,
	pool domain.Pool,
	node *repository.NodeInfo,
	reservation *repository.Reservation,
	request strataresource.ComputeResources,
) (bool, error) {
	worker := c.newWorker(job, image, pool, node, reservation, request)

	// registered before the claim so a crash in between leaves a record to
	// reconcile rather than an orphaned claim
	if err := c.workers.Register(worker); err != nil {
		c.rollback(worker, reservation)
		return false, err
	}

	if err := c.jobs.TryClaim(job.Id, worker.Id); err != nil {
		c.rollback(worker, reservation)
		if _, raced := err.(*repository.ErrAlreadyClaimed); raced {
			c.LostRaces++
			return false, nil
		}
		return false, err
	}

	node.Allocated.Add(request)
	c.spawnSlots[node.Name]--
	c.workersByImage[image.Ref]++
	if err := c.jobs.ClearNoFit(job.Id); err != nil {
		log.WithField("jobId", job.Id).Warnf("failed to clear no-fit count: %v", err)
	}
	if err := c.bans.ClearBlocked(job.Id); err != nil {
		log.WithField("jobId", job.Id).Warnf("failed to clear blocked marker: %v", err)
	}

	c.Placements = append(c.Placements, &Placement{
		Job:         job,
		Image:       image,
		Worker:      worker,
		Reservation: reservation,
	})
	return true, nil
}

func (c *PassContext) rollback(worker *domain.Worker, reservation *repository.Reservation) {
	if err := c.ledger.Release(reservation); err != nil {
		log.WithField("reservation", reservation.Id).Errorf("failed to release reservation: %v", err)
	}
	if err := c.workers.Delete(worker); err != nil {
		log.WithField("workerId", worker.Id).Errorf("failed to delete worker record: %v", err)
	}
}

func (c *PassContext) newWorker(
	job *domain.Job,
	image *domain.Image,
	pool domain.Pool,
	node *repository.NodeInfo,
	reservation *repository.Reservation,
	request strataresource.ComputeResources,
) *domain.Worker {
	lifetime := image.Lifetime
	if pool == domain.PoolFairShare {
		lifetime = lifetime.CapForFairShare(c.config.FairShareLifetimeCeiling)
	}
	id := util.NewULID()
	return &domain.Worker{
		Id:            id,
		Name:          workerName(image.Ref, id),
		Backend:       image.Backend,
		Node:          node.Name,
		ReservationId: reservation.Id,
		Pool:          pool,
		ImageRef:      image.Ref,
		Tenant:        job.Tenant,
		Resources:     request,
		State:         domain.WorkerRequested,
		Lifetime:      lifetime,
		CurrentJobId:  job.Id,
		ClaimedJobs:   1,
		SpawnTime:     c.now,
		LastHeartbeat: c.now,
	}
}

// reportNoFit tracks a job whose request exceeds every node's total capacity.
// After enough consecutive passes this surfaces upstream as a ban candidate,
// since the resource request can never be satisfied.
func (c *PassContext) reportNoFit(job *domain.Job, image *domain.Image) error {
	c.Skipped++
	count, err := c.jobs.IncrementNoFit(job.Id)
	if err != nil {
		return err
	}
	if int(count) >= c.config.NoFitBanCandidateThreshold {
		err := c.bans.ReportBanCandidate(image.Ref, "resource request exceeds every node's capacity")
		if err != nil {
			return err
		}
	}
	return nil
}

// EligibleImages returns the set of image refs with at least one eligible job
// in either pool, used by the preemption check to tell idle workers that may
// still get work from ones that cannot.
func (c *PassContext) EligibleImages() (map[string]bool, error) {
	refs := map[string]bool{}
	for _, pool := range domain.Pools {
		jobs, err := c.jobs.PollEligible(pool, c.config.PollBatchSize)
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			refs[job.ImageRef] = true
		}
	}
	return refs, nil
}

func fitsAnyNode(nodes []*repository.NodeInfo, request strataresource.ComputeResources) bool {
	for _, node := range nodes {
		if node.Capacity.Dominates(request) {
			return true
		}
	}
	return false
}

func workerName(imageRef string, id string) string {
	name := strings.NewReplacer(":", "-", "/", "-", ".", "-").Replace(imageRef)
	return strings.ToLower(name) + "-" + id[len(id)-8:]
}
