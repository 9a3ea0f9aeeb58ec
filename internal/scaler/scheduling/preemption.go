package scheduling

import (
	"github.com/strata-analysis/strata/internal/scaler/domain"
)

// SelectForDrain picks idle workers to preempt on one backend. Preemption
// triggers only when the backend's load has crossed the threshold; below it,
// idle workers are left running to absorb bursty arrivals cheaply. A worker
// is preemptible when it is Active, has no job in flight and no eligible job
// exists for its image anywhere in either pool.
func SelectForDrain(
	load float64,
	threshold float64,
	workers []*domain.Worker,
	eligibleImages map[string]bool,
) []*domain.Worker {
	if load < threshold {
		return nil
	}
	drain := make([]*domain.Worker, 0)
	for _, worker := range workers {
		if worker.State != domain.WorkerActive {
			continue
		}
		if worker.CurrentJobId != "" {
			continue
		}
		if eligibleImages[worker.ImageRef] {
			continue
		}
		drain = append(drain, worker)
	}
	return drain
}
