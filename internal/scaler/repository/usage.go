package repository

import (
	strataresource "github.com/strata-analysis/strata/internal/common/resource"
	"github.com/strata-analysis/strata/internal/scaler/configuration"
	"github.com/strata-analysis/strata/internal/scaler/domain"
)

// UsageRepository derives each tenant's current load from the active job
// index. Scores are ephemeral: recomputed every pass, never persisted.
type UsageRepository interface {
	ActiveCostByTenant(weights configuration.FairShareWeights) (map[string]float64, error)
}

type ActiveJobUsageRepository struct {
	jobs JobRepository
}

func NewActiveJobUsageRepository(jobs JobRepository) *ActiveJobUsageRepository {
	return &ActiveJobUsageRepository{jobs: jobs}
}

// ActiveCostByTenant sums the weighted resource cost of all claimed and
// running jobs per tenant across both pools.
func (repo *ActiveJobUsageRepository) ActiveCostByTenant(weights configuration.FairShareWeights) (map[string]float64, error) {
	costs := map[string]float64{}
	for _, pool := range domain.Pools {
		active, err := repo.jobs.ActiveJobs(pool)
		if err != nil {
			return nil, err
		}
		for _, job := range active {
			costs[job.Tenant] += JobCost(job.Resources, weights)
		}
	}
	return costs, nil
}

// JobCost converts a resource vector into a scalar fair share cost.
func JobCost(resources strataresource.ComputeResources, weights configuration.FairShareWeights) float64 {
	values := resources.AsScaledValues()
	cpuMilli := float64(values[0])
	memoryBytes := float64(values[1])
	return cpuMilli/1000*weights.Cpu + memoryBytes*weights.Memory
}
