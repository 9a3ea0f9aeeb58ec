package backend

import (
	strataresource "github.com/strata-analysis/strata/internal/common/resource"
	"github.com/strata-analysis/strata/internal/scaler/domain"
	"github.com/strata-analysis/strata/internal/scaler/repository"
)

// ExternalAdapter fronts a pool whose workers are managed outside the
// scheduler. It never issues spawn or despawn calls; a placement on this
// backend only records the decision, and the externally run agents pick the
// claims up themselves. The active list is served from the worker registry
// the agents heartbeat into.
type ExternalAdapter struct {
	workers repository.WorkerRepository
}

func NewExternalAdapter(workers repository.WorkerRepository) *ExternalAdapter {
	return &ExternalAdapter{workers: workers}
}

func (a *ExternalAdapter) Name() domain.BackendKind {
	return domain.BackendExternal
}

func (a *ExternalAdapter) Spawn(spec *WorkerSpec) (*WorkerHandle, error) {
	return &WorkerHandle{WorkerId: spec.WorkerId, Name: spec.Name, Node: spec.Node}, nil
}

func (a *ExternalAdapter) Despawn(handle *WorkerHandle) error {
	return nil
}

func (a *ExternalAdapter) ListActive() ([]*WorkerHandle, error) {
	workers, err := a.workers.ListByBackend(domain.BackendExternal)
	if err != nil {
		return nil, &ErrBackendUnreachable{Backend: domain.BackendExternal, Cause: err}
	}
	handles := make([]*WorkerHandle, 0, len(workers))
	for _, worker := range workers {
		if worker.State == domain.WorkerTerminated {
			continue
		}
		handles = append(handles, &WorkerHandle{
			WorkerId: worker.Id,
			Name:     worker.Name,
			Node:     worker.Node,
		})
	}
	return handles, nil
}

// ClusterCapacity is empty for an external pool: its nodes are registered in
// the ledger by the external agents themselves, not discovered here.
func (a *ExternalAdapter) ClusterCapacity() (map[string]strataresource.ComputeResources, error) {
	return map[string]strataresource.ComputeResources{}, nil
}
