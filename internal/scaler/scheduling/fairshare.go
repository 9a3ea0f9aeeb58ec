package scheduling

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/strata-analysis/strata/internal/scaler/domain"
	"github.com/strata-analysis/strata/internal/scaler/repository"
)

// FairSharePool prioritises the least loaded tenant. Every pass it recomputes
// each tenant's score from the active job set, then walks tenants ascending
// by score, one placement attempt per tenant per sub round, bumping the
// tenant's score after every successful placement so one heavy tenant cannot
// monopolise a pass however many eligible jobs it has.
type FairSharePool struct {
	usage repository.UsageRepository
}

func NewFairSharePool(usage repository.UsageRepository) *FairSharePool {
	return &FairSharePool{usage: usage}
}

type tenantCandidates struct {
	tenant string
	score  float64
	// jobs in creation order; head is the next candidate
	jobs []*domain.Job
}

func (p *FairSharePool) Schedule(c *PassContext) error {
	jobs, err := c.jobs.PollEligible(domain.PoolFairShare, c.config.PollBatchSize)
	if err != nil {
		return err
	}
	jobs = c.gate(jobs)
	if len(jobs) == 0 {
		return nil
	}

	scores, err := p.usage.ActiveCostByTenant(c.config.FairShareWeights)
	if err != nil {
		return err
	}

	// PollEligible returns jobs in creation order, so per tenant lists stay
	// ordered as they are built
	byTenant := map[string]*tenantCandidates{}
	tenants := make([]*tenantCandidates, 0)
	for _, job := range jobs {
		tc, ok := byTenant[job.Tenant]
		if !ok {
			tc = &tenantCandidates{tenant: job.Tenant, score: scores[job.Tenant]}
			byTenant[job.Tenant] = tc
			tenants = append(tenants, tc)
		}
		tc.jobs = append(tc.jobs, job)
	}

	placed := 0
	for len(tenants) > 0 {
		progressed := false
		for _, tc := range sortTenants(tenants) {
			job := tc.jobs[0]
			tc.jobs = tc.jobs[1:]
			ok, err := c.tryPlace(job, domain.PoolFairShare)
			if err != nil {
				return err
			}
			if ok {
				tc.score += repository.JobCost(job.Resources, c.config.FairShareWeights)
				placed++
				progressed = true
			}
		}
		tenants = withCandidates(tenants)
		if !progressed && len(tenants) > 0 {
			// nothing fit this sub round; remaining candidates wait for
			// the next pass rather than spinning here
			break
		}
	}

	log.WithField("pool", domain.PoolFairShare).
		Infof("placed %d of %d candidate jobs across %d tenants", placed, len(jobs), len(byTenant))
	return nil
}

// sortTenants orders tenants ascending by score; equal scores break by the
// creation time of the tenant's oldest candidate, then tenant name for
// determinism.
func sortTenants(tenants []*tenantCandidates) []*tenantCandidates {
	ordered := make([]*tenantCandidates, len(tenants))
	copy(ordered, tenants)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score < ordered[j].score
		}
		ci, cj := ordered[i].jobs[0].Created, ordered[j].jobs[0].Created
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return ordered[i].tenant < ordered[j].tenant
	})
	return ordered
}

func withCandidates(tenants []*tenantCandidates) []*tenantCandidates {
	remaining := tenants[:0]
	for _, tc := range tenants {
		if len(tc.jobs) > 0 {
			remaining = append(remaining, tc)
		}
	}
	return remaining
}
