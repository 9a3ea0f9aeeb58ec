package backend

import (
	"fmt"
	"time"

	strataresource "github.com/strata-analysis/strata/internal/common/resource"
	"github.com/strata-analysis/strata/internal/scaler/domain"
)

// WorkerSpec carries everything a backend needs to start one execution
// worker, including the job metadata the agent inside the worker uses to
// fetch its job definition.
type WorkerSpec struct {
	WorkerId   string
	Name       string
	Node       string
	ImageRef   string
	Entrypoint []string
	JobId      string
	ReactionId string
	Resources  strataresource.ComputeResources
	Timeout    time.Duration
}

// WorkerHandle identifies a worker as the backend knows it.
type WorkerHandle struct {
	WorkerId string
	Name     string
	Node     string
}

// Adapter translates allocation decisions into calls against one scheduling
// target. Spawn is fire and poll: the result of a spawn surfaces through
// ListActive on a later pass, never by blocking the pass that issued it.
type Adapter interface {
	Name() domain.BackendKind
	Spawn(spec *WorkerSpec) (*WorkerHandle, error)
	Despawn(handle *WorkerHandle) error
	ListActive() ([]*WorkerHandle, error)
	ClusterCapacity() (map[string]strataresource.ComputeResources, error)
}

// ErrBackendUnreachable marks a whole backend as skipped for the pass.
// Other backends are unaffected.
type ErrBackendUnreachable struct {
	Backend domain.BackendKind
	Cause   error
}

func (e *ErrBackendUnreachable) Error() string {
	return fmt.Sprintf("backend %s unreachable: %v", e.Backend, e.Cause)
}

func (e *ErrBackendUnreachable) Unwrap() error {
	return e.Cause
}

// ErrSpawnFailed means the backend rejected or failed one spawn call; the
// reservation is released and the job goes back to eligible.
type ErrSpawnFailed struct {
	WorkerId string
	Cause    error
}

func (e *ErrSpawnFailed) Error() string {
	return fmt.Sprintf("spawn of worker %s failed: %v", e.WorkerId, e.Cause)
}

func (e *ErrSpawnFailed) Unwrap() error {
	return e.Cause
}
