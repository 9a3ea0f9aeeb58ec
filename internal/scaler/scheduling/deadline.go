package scheduling

import (
	log "github.com/sirupsen/logrus"

	"github.com/strata-analysis/strata/internal/scaler/domain"
)

// DeadlinePool places jobs in strict ascending deadline order, ties broken by
// creation time then job id. A job that does not fit this pass is skipped and
// retried next pass; it is never dropped or reordered behind later jobs, so a
// job with a strictly earlier deadline is never bypassed while capacity for
// it exists.
type DeadlinePool struct{}

func NewDeadlinePool() *DeadlinePool {
	return &DeadlinePool{}
}

func (p *DeadlinePool) Schedule(c *PassContext) error {
	jobs, err := c.jobs.PollEligible(domain.PoolDeadline, c.config.PollBatchSize)
	if err != nil {
		return err
	}
	jobs = c.gate(jobs)

	placed := 0
	for _, job := range jobs {
		ok, err := c.tryPlace(job, domain.PoolDeadline)
		if err != nil {
			return err
		}
		if ok {
			placed++
		}
	}
	if len(jobs) > 0 {
		log.WithField("pool", domain.PoolDeadline).
			Infof("placed %d of %d candidate jobs", placed, len(jobs))
	}
	return nil
}
