package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/api/resource"
)

func TestSub(t *testing.T) {
	a := ComputeResources{"cpu": resource.MustParse("4"), "memory": resource.MustParse("8Gi")}
	b := ComputeResources{"cpu": resource.MustParse("1"), "memory": resource.MustParse("2Gi")}

	a.Sub(b)

	cpu := a["cpu"]
	memory := a["memory"]
	expectedMemory := resource.MustParse("6Gi")
	assert.Equal(t, int64(3000), cpu.MilliValue())
	assert.Equal(t, expectedMemory.Value(), memory.Value())
}

func TestSub_MissingComponentGoesNegative(t *testing.T) {
	a := ComputeResources{"cpu": resource.MustParse("1")}
	b := ComputeResources{"gpu": resource.MustParse("1")}

	a.Sub(b)

	assert.False(t, a.IsValid())
}

func TestDominates(t *testing.T) {
	free := ComputeResources{"cpu": resource.MustParse("2"), "memory": resource.MustParse("4Gi")}

	assert.True(t, free.Dominates(ComputeResources{"cpu": resource.MustParse("2")}))
	assert.False(t, free.Dominates(ComputeResources{"cpu": resource.MustParse("2100m")}))
	assert.False(t, free.Dominates(ComputeResources{"gpu": resource.MustParse("1")}))
}

func TestScaledValuesRoundTrip(t *testing.T) {
	a := ComputeResources{
		"cpu":               resource.MustParse("1500m"),
		"memory":            resource.MustParse("2Gi"),
		"ephemeral-storage": resource.MustParse("10Gi"),
		"gpu":               resource.MustParse("2"),
	}

	values := a.AsScaledValues()
	assert.Equal(t, []int64{1500, 2 * 1024 * 1024 * 1024, 10 * 1024 * 1024 * 1024, 2}, values)

	back := FromScaledValues(values)
	assert.Equal(t, a.AsScaledValues(), back.AsScaledValues())
}

func TestIsZero(t *testing.T) {
	assert.True(t, ComputeResources{}.IsZero())
	assert.True(t, ComputeResources{"cpu": resource.MustParse("0")}.IsZero())
	assert.False(t, ComputeResources{"cpu": resource.MustParse("1m")}.IsZero())
}
