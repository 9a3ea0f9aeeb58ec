package resource

import (
	"sort"

	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// The resource components tracked by the ledger, in canonical order. The
// order is fixed so components can be serialized positionally for the
// store's atomic scripts.
const (
	Cpu              = "cpu"
	Memory           = "memory"
	EphemeralStorage = "ephemeral-storage"
	Gpu              = "gpu"
)

var Components = []string{Cpu, Memory, EphemeralStorage, Gpu}

// ComputeResources is a resource vector. All comparisons are component-wise.
type ComputeResources map[string]resource.Quantity

func FromResourceList(list v1.ResourceList) ComputeResources {
	resources := make(ComputeResources)
	for k, v := range list {
		resources[string(k)] = v.DeepCopy()
	}
	return resources
}

func (a ComputeResources) Add(b ComputeResources) {
	for k, v := range b {
		existing, ok := a[k]
		if ok {
			existing.Add(v)
			a[k] = existing
		} else {
			a[k] = v.DeepCopy()
		}
	}
}

func (a ComputeResources) Sub(b ComputeResources) {
	for k, v := range b {
		existing, ok := a[k]
		if ok {
			existing.Sub(v)
			a[k] = existing
		} else {
			cpy := v.DeepCopy()
			cpy.Neg()
			a[k] = cpy
		}
	}
}

func (a ComputeResources) DeepCopy() ComputeResources {
	result := make(ComputeResources)
	for k, v := range a {
		result[k] = v.DeepCopy()
	}
	return result
}

// IsValid reports whether no component is negative.
func (a ComputeResources) IsValid() bool {
	for _, value := range a {
		if value.Sign() < 0 {
			return false
		}
	}
	return true
}

// Dominates reports whether every component of b fits within a.
func (a ComputeResources) Dominates(b ComputeResources) bool {
	free := a.DeepCopy()
	free.Sub(b)
	return free.IsValid()
}

func (a ComputeResources) Equal(b ComputeResources) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range b {
		existing, ok := a[k]
		if !ok {
			return false
		}
		if !existing.Equal(v) {
			return false
		}
	}
	return true
}

func (a ComputeResources) IsZero() bool {
	for _, value := range a {
		if !value.IsZero() {
			return false
		}
	}
	return true
}

func (a ComputeResources) String() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	str := ""
	for _, k := range keys {
		if str != "" {
			str += ", "
		}
		v := a[k]
		str += k + ": " + v.String()
	}
	return str
}

// AsScaledValues converts the vector to integers in canonical component
// order: cpu as millicores, everything else as whole units. Missing
// components are zero.
func (a ComputeResources) AsScaledValues() []int64 {
	values := make([]int64, len(Components))
	for i, component := range Components {
		q, ok := a[component]
		if !ok {
			continue
		}
		if component == Cpu {
			values[i] = q.MilliValue()
		} else {
			values[i] = q.Value()
		}
	}
	return values
}

// FromScaledValues is the inverse of AsScaledValues.
func FromScaledValues(values []int64) ComputeResources {
	result := make(ComputeResources, len(Components))
	for i, component := range Components {
		if i >= len(values) || values[i] == 0 {
			continue
		}
		if component == Cpu {
			result[component] = *resource.NewMilliQuantity(values[i], resource.DecimalSI)
		} else {
			result[component] = *resource.NewQuantity(values[i], resource.BinarySI)
		}
	}
	return result
}

func ParseQuantity(s string) (resource.Quantity, error) {
	return resource.ParseQuantity(s)
}
