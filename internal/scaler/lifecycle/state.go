package lifecycle

import (
	"fmt"

	"github.com/strata-analysis/strata/internal/scaler/domain"
)

// validTransitions encodes the worker state machine. Terminated is absorbing;
// Spawning may go straight to Terminated on a failed spawn.
var validTransitions = map[domain.WorkerState][]domain.WorkerState{
	domain.WorkerRequested:  {domain.WorkerSpawning, domain.WorkerTerminated},
	domain.WorkerSpawning:   {domain.WorkerActive, domain.WorkerTerminated},
	domain.WorkerActive:     {domain.WorkerActive, domain.WorkerDraining, domain.WorkerTerminated},
	domain.WorkerDraining:   {domain.WorkerTerminated},
	domain.WorkerTerminated: {},
}

func ValidTransition(from, to domain.WorkerState) bool {
	for _, state := range validTransitions[from] {
		if state == to {
			return true
		}
	}
	return false
}

// transition mutates the worker's state after checking legality. Callers
// persist the worker afterwards.
func transition(worker *domain.Worker, to domain.WorkerState) error {
	if !ValidTransition(worker.State, to) {
		return fmt.Errorf("illegal worker state transition %s -> %s for worker %s",
			worker.State, to, worker.Id)
	}
	worker.State = to
	return nil
}
