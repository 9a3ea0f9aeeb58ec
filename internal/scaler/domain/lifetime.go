package domain

import "time"

type LifetimeKind string

const (
	LifetimeUnbounded   LifetimeKind = "unbounded"
	LifetimeTimeLimited LifetimeKind = "time"
	LifetimeJobLimited  LifetimeKind = "jobs"
)

// Lifetime constrains how long a worker may keep accepting job claims.
// Exactly one of Duration or Jobs is meaningful depending on Kind.
type Lifetime struct {
	Kind     LifetimeKind  `json:"kind"`
	Duration time.Duration `json:"duration,omitempty"`
	Jobs     int           `json:"jobs,omitempty"`
}

func UnboundedLifetime() Lifetime {
	return Lifetime{Kind: LifetimeUnbounded}
}

func TimeLimitedLifetime(d time.Duration) Lifetime {
	return Lifetime{Kind: LifetimeTimeLimited, Duration: d}
}

func JobLimitedLifetime(jobs int) Lifetime {
	return Lifetime{Kind: LifetimeJobLimited, Jobs: jobs}
}

// Budget is what remains of a worker's lifetime: either time left to accept
// claims or job claims left, depending on the lifetime kind.
type Budget struct {
	TimeLeft time.Duration
	JobsLeft int
}

// RemainingBudget returns the budget left for a worker spawned at spawnTime
// that has made claimedJobs claims so far. The second return is false for an
// unbounded lifetime, which has no budget to spend.
func (l Lifetime) RemainingBudget(now, spawnTime time.Time, claimedJobs int) (Budget, bool) {
	switch l.Kind {
	case LifetimeTimeLimited:
		left := l.Duration - now.Sub(spawnTime)
		if left < 0 {
			left = 0
		}
		return Budget{TimeLeft: left}, true
	case LifetimeJobLimited:
		left := l.Jobs - claimedJobs
		if left < 0 {
			left = 0
		}
		return Budget{JobsLeft: left}, true
	default:
		return Budget{}, false
	}
}

// Exhausted reports whether the worker may no longer accept new claims.
func (l Lifetime) Exhausted(now, spawnTime time.Time, claimedJobs int) bool {
	budget, bounded := l.RemainingBudget(now, spawnTime, claimedJobs)
	if !bounded {
		return false
	}
	switch l.Kind {
	case LifetimeTimeLimited:
		return budget.TimeLeft == 0
	case LifetimeJobLimited:
		return budget.JobsLeft == 0
	}
	return false
}

// CapForFairShare returns the effective lifetime for a worker spawned to run
// a fair share job. Workers in that pool are forced to churn so fairness is
// re-evaluated often: an unbounded lifetime becomes the ceiling, a time limit
// is clamped to the ceiling, and a job limit always becomes a single claim.
func (l Lifetime) CapForFairShare(ceiling time.Duration) Lifetime {
	switch l.Kind {
	case LifetimeUnbounded:
		return TimeLimitedLifetime(ceiling)
	case LifetimeTimeLimited:
		if l.Duration > ceiling {
			return TimeLimitedLifetime(ceiling)
		}
		return l
	case LifetimeJobLimited:
		return JobLimitedLifetime(1)
	}
	return l
}
