package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCapForFairShare(t *testing.T) {
	ceiling := time.Minute

	capped := UnboundedLifetime().CapForFairShare(ceiling)
	assert.Equal(t, TimeLimitedLifetime(time.Minute), capped)

	capped = TimeLimitedLifetime(30 * time.Second).CapForFairShare(ceiling)
	assert.Equal(t, TimeLimitedLifetime(30*time.Second), capped)

	capped = TimeLimitedLifetime(5 * time.Minute).CapForFairShare(ceiling)
	assert.Equal(t, TimeLimitedLifetime(time.Minute), capped)

	capped = JobLimitedLifetime(10).CapForFairShare(ceiling)
	assert.Equal(t, JobLimitedLifetime(1), capped)
}

func TestRemainingBudget_TimeLimited(t *testing.T) {
	spawn := time.Now()
	lifetime := TimeLimitedLifetime(time.Minute)

	budget, bounded := lifetime.RemainingBudget(spawn.Add(20*time.Second), spawn, 5)
	assert.True(t, bounded)
	assert.Equal(t, 40*time.Second, budget.TimeLeft)

	budget, _ = lifetime.RemainingBudget(spawn.Add(2*time.Minute), spawn, 5)
	assert.Equal(t, time.Duration(0), budget.TimeLeft)
}

func TestRemainingBudget_JobLimited(t *testing.T) {
	spawn := time.Now()
	lifetime := JobLimitedLifetime(3)

	budget, bounded := lifetime.RemainingBudget(spawn, spawn, 1)
	assert.True(t, bounded)
	assert.Equal(t, 2, budget.JobsLeft)

	assert.False(t, lifetime.Exhausted(spawn, spawn, 2))
	assert.True(t, lifetime.Exhausted(spawn, spawn, 3))
}

func TestRemainingBudget_Unbounded(t *testing.T) {
	spawn := time.Now()
	_, bounded := UnboundedLifetime().RemainingBudget(spawn.Add(time.Hour), spawn, 1000)
	assert.False(t, bounded)
	assert.False(t, UnboundedLifetime().Exhausted(spawn.Add(time.Hour), spawn, 1000))
}
