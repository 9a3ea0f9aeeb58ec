package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/strata-analysis/strata/internal/scaler/domain"
)

const (
	MetricsPrefix = "strata_scaler_"
	PoolLabel     = "pool"
	BackendLabel  = "backend"
)

var (
	placedJobsMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "placed_jobs",
			Help: "Number of jobs placed on a worker",
		},
		[]string{PoolLabel},
	)

	lostClaimRacesMetric = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "lost_claim_races",
			Help: "Number of job claims lost to a concurrent scheduler instance",
		},
	)

	blockedJobsMetric = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "blocked_jobs",
			Help: "Number of jobs excluded from the last pass by an image ban",
		},
	)

	spawnFailuresMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "spawn_failures",
			Help: "Number of worker spawns that failed after exhausting retries",
		},
		[]string{BackendLabel},
	)

	backendLoadMetric = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "backend_load",
			Help: "Fraction of allocatable capacity currently reserved, per backend",
		},
		[]string{BackendLabel},
	)

	drainedWorkersMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "preempted_workers",
			Help: "Number of idle workers drained by the preemption policy",
		},
		[]string{BackendLabel},
	)

	reapedWorkersMetric = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "reaped_workers",
			Help: "Number of workers force terminated after losing their heartbeat",
		},
	)
)

func RecordPlacements(pool domain.Pool, count int) {
	placedJobsMetric.WithLabelValues(string(pool)).Add(float64(count))
}

func RecordLostClaimRaces(count int) {
	lostClaimRacesMetric.Add(float64(count))
}

func RecordBlockedJobs(count int) {
	blockedJobsMetric.Set(float64(count))
}

func RecordSpawnFailure(backend domain.BackendKind) {
	spawnFailuresMetric.WithLabelValues(string(backend)).Inc()
}

func RecordBackendLoad(backend domain.BackendKind, load float64) {
	backendLoadMetric.WithLabelValues(string(backend)).Set(load)
}

func RecordPreemptedWorkers(backend domain.BackendKind, count int) {
	drainedWorkersMetric.WithLabelValues(string(backend)).Add(float64(count))
}

func RecordReapedWorker() {
	reapedWorkersMetric.Inc()
}
