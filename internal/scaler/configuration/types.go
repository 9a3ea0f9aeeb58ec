package configuration

import (
	"time"

	"github.com/go-redis/redis"

	"github.com/strata-analysis/strata/internal/scaler/domain"
)

type ScalerConfig struct {
	// InstanceId distinguishes concurrent scheduler instances in logs and
	// claim records. Generated if empty.
	InstanceId string

	MetricsPort uint16

	// Redis holds the shared durable state: job source, resource ledger,
	// worker registry and ban sets.
	Redis redis.Options

	Scheduling SchedulingConfig
	Lifecycle  LifecycleConfig
	Backends   map[domain.BackendKind]BackendConfig
}

type SchedulingConfig struct {
	// PassInterval is the dwell between scheduling passes.
	PassInterval time.Duration
	// PollBatchSize bounds how many eligible jobs one pass pulls per pool.
	PollBatchSize int64
	// SpawnSlotsPerNode bounds spawns per node per pass to limit churn.
	SpawnSlotsPerNode int
	// FairShareLifetimeCeiling caps how long a fair share worker may keep
	// accepting claims. Defaults to 60s.
	FairShareLifetimeCeiling time.Duration
	// FairShareWeights convert a resource vector into a tenant cost.
	FairShareWeights FairShareWeights
	// PreemptionLoadThreshold is the fraction of allocatable backend
	// capacity above which idle workers are drained. Defaults to 0.9.
	PreemptionLoadThreshold float64
	// NoFitBanCandidateThreshold is how many consecutive passes a job may
	// fail to fit any node before it is surfaced upstream as a ban
	// candidate for an invalid resource request.
	NoFitBanCandidateThreshold int
	// ImageCacheExpiry bounds staleness of control plane image records.
	ImageCacheExpiry time.Duration
}

type FairShareWeights struct {
	Cpu    float64
	Memory float64
}

type LifecycleConfig struct {
	// HeartbeatGracePeriod is how long a worker may go without heartbeats
	// before it is forcibly terminated and its job requeued.
	HeartbeatGracePeriod time.Duration
	// SpawnRetryBudget bounds spawn retries before the failure is
	// surfaced to operators.
	SpawnRetryBudget int
	// SpawnRetryDelay is the base backoff between spawn retries.
	SpawnRetryDelay time.Duration
}

type BackendConfig struct {
	Kind domain.BackendKind
	// Kubeconfig is the path to a kubeconfig file; empty means in-cluster.
	// Only used by the kubernetes backend.
	Kubeconfig string
	// Namespace for spawned pods. Only used by the kubernetes backend.
	Namespace string
}

func (c *ScalerConfig) ApplyDefaults() {
	if c.Scheduling.PassInterval == 0 {
		c.Scheduling.PassInterval = 5 * time.Second
	}
	if c.Scheduling.PollBatchSize == 0 {
		c.Scheduling.PollBatchSize = 500
	}
	if c.Scheduling.SpawnSlotsPerNode == 0 {
		c.Scheduling.SpawnSlotsPerNode = 2
	}
	if c.Scheduling.FairShareLifetimeCeiling == 0 {
		c.Scheduling.FairShareLifetimeCeiling = 60 * time.Second
	}
	if c.Scheduling.FairShareWeights == (FairShareWeights{}) {
		c.Scheduling.FairShareWeights = FairShareWeights{Cpu: 1.0, Memory: 1.0 / (1024 * 1024 * 1024)}
	}
	if c.Scheduling.PreemptionLoadThreshold == 0 {
		c.Scheduling.PreemptionLoadThreshold = 0.9
	}
	if c.Scheduling.NoFitBanCandidateThreshold == 0 {
		c.Scheduling.NoFitBanCandidateThreshold = 10
	}
	if c.Scheduling.ImageCacheExpiry == 0 {
		c.Scheduling.ImageCacheExpiry = 5 * time.Minute
	}
	if c.Lifecycle.HeartbeatGracePeriod == 0 {
		c.Lifecycle.HeartbeatGracePeriod = 5 * time.Minute
	}
	if c.Lifecycle.SpawnRetryBudget == 0 {
		c.Lifecycle.SpawnRetryBudget = 3
	}
	if c.Lifecycle.SpawnRetryDelay == 0 {
		c.Lifecycle.SpawnRetryDelay = time.Second
	}
}
