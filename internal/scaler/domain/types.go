package domain

import (
	"time"

	strataresource "github.com/strata-analysis/strata/internal/common/resource"
)

// Pool identifies which allocation algorithm a job is scheduled under.
type Pool string

const (
	PoolDeadline  Pool = "deadline"
	PoolFairShare Pool = "fairshare"
)

var Pools = []Pool{PoolDeadline, PoolFairShare}

// BackendKind identifies a scheduling target.
type BackendKind string

const (
	BackendKubernetes BackendKind = "kubernetes"
	BackendBareMetal  BackendKind = "baremetal"
	BackendWindows    BackendKind = "windows"
	BackendExternal   BackendKind = "external"
)

type JobState string

const (
	JobCreated   JobState = "created"
	JobClaimed   JobState = "claimed"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

type ReactionStatus string

const (
	ReactionCreated   ReactionStatus = "created"
	ReactionRunning   ReactionStatus = "running"
	ReactionCompleted ReactionStatus = "completed"
	ReactionFailed    ReactionStatus = "failed"
)

// Job is the atomic schedulable unit: one (stage, image) pair of a reaction.
// The scheduler only ever sees jobs whose stage dependencies are already
// satisfied; the dependency gate lives upstream in the job source.
type Job struct {
	Id         string                          `json:"id"`
	ReactionId string                          `json:"reactionId"`
	Tenant     string                          `json:"tenant"`
	ImageRef   string                          `json:"imageRef"`
	Pool       Pool                            `json:"pool"`
	Resources  strataresource.ComputeResources `json:"resources"`
	Deadline   time.Time                       `json:"deadline"`
	Created    time.Time                       `json:"created"`
	State      JobState                        `json:"state"`
}

// Image is a versioned runtime recipe owned by the control plane. The
// scheduler treats it as read only apart from honouring its ban state.
type Image struct {
	Ref        string                          `json:"ref"`
	Version    string                          `json:"version"`
	Entrypoint []string                        `json:"entrypoint"`
	Resources  strataresource.ComputeResources `json:"resources"`
	Timeout    time.Duration                   `json:"timeout"`
	Backend    BackendKind                     `json:"backend"`
	// SpawnLimit caps concurrent workers for this image; 0 means unlimited.
	SpawnLimit int      `json:"spawnLimit"`
	Generator  bool     `json:"generator"`
	Lifetime   Lifetime `json:"lifetime"`
}

type WorkerState string

const (
	WorkerRequested  WorkerState = "requested"
	WorkerSpawning   WorkerState = "spawning"
	WorkerActive     WorkerState = "active"
	WorkerDraining   WorkerState = "draining"
	WorkerTerminated WorkerState = "terminated"
)

// Worker is a spawned execution unit bound to exactly one node and backend.
// It is exclusively owned by the lifecycle manager for its whole life.
type Worker struct {
	Id            string                          `json:"id"`
	Name          string                          `json:"name"`
	Backend       BackendKind                     `json:"backend"`
	Node          string                          `json:"node"`
	ReservationId string                          `json:"reservationId"`
	Pool          Pool                            `json:"pool"`
	ImageRef      string                          `json:"imageRef"`
	Tenant        string                          `json:"tenant"`
	Resources     strataresource.ComputeResources `json:"resources"`
	State         WorkerState                     `json:"state"`
	Lifetime      Lifetime                        `json:"lifetime"`
	ClaimedJobs   int                             `json:"claimedJobs"`
	CurrentJobId  string                          `json:"currentJobId,omitempty"`
	SpawnTime     time.Time                       `json:"spawnTime"`
	LastHeartbeat time.Time                       `json:"lastHeartbeat"`
}
