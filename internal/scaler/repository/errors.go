package repository

import "fmt"

// ErrAlreadyClaimed is returned when a claim CAS is lost to another scheduler
// instance. This is an expected race under multi-instance operation and must
// not be treated or logged as a failure.
type ErrAlreadyClaimed struct {
	JobId string
}

func (e *ErrAlreadyClaimed) Error() string {
	return fmt.Sprintf("job %s is already claimed", e.JobId)
}

// ErrInsufficientResources is returned when a reservation does not fit the
// node's free capacity. Recoverable: the job is retried next pass.
type ErrInsufficientResources struct {
	Node string
}

func (e *ErrInsufficientResources) Error() string {
	return fmt.Sprintf("insufficient resources on node %s", e.Node)
}

type ErrJobNotFound struct {
	JobId string
}

func (e *ErrJobNotFound) Error() string {
	return fmt.Sprintf("job %s does not exist", e.JobId)
}

type ErrWorkerNotFound struct {
	WorkerId string
}

func (e *ErrWorkerNotFound) Error() string {
	return fmt.Sprintf("worker %s does not exist", e.WorkerId)
}

type ErrImageNotFound struct {
	ImageRef string
}

func (e *ErrImageNotFound) Error() string {
	return fmt.Sprintf("image %s does not exist", e.ImageRef)
}
