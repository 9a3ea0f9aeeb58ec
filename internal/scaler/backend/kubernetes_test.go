package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	strataresource "github.com/strata-analysis/strata/internal/common/resource"
)

func TestSpawnCreatesBoundPod(t *testing.T) {
	client := fake.NewSimpleClientset()
	adapter := NewKubernetesAdapterForClient(client, "strata")

	handle, err := adapter.Spawn(testSpec())
	require.NoError(t, err)
	assert.Equal(t, "worker-1", handle.WorkerId)

	pod, err := client.CoreV1().Pods("strata").Get(context.Background(), "unpacker-v1-abc123", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "node-1", pod.Spec.NodeName)
	assert.Equal(t, "worker-1", pod.Labels[workerIdLabel])

	container := pod.Spec.Containers[0]
	assert.Equal(t, "unpacker:v1", container.Image)
	assert.Equal(t, []string{"/opt/agent", "run"}, container.Command)
	assert.Equal(t, resource.MustParse("2"), container.Resources.Requests[v1.ResourceCPU])

	env := map[string]string{}
	for _, e := range container.Env {
		env[e.Name] = e.Value
	}
	assert.Equal(t, "job-1", env[jobIdEnv])
	assert.Equal(t, "reaction-1", env[reactionIdEnv])
	assert.Equal(t, "worker-1", env[workerIdEnv])

	require.NotNil(t, pod.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, int64(600), *pod.Spec.ActiveDeadlineSeconds)
}

func TestSpawnRetryAfterPartialFailureIsConfirmed(t *testing.T) {
	client := fake.NewSimpleClientset()
	adapter := NewKubernetesAdapterForClient(client, "strata")

	_, err := adapter.Spawn(testSpec())
	require.NoError(t, err)

	// a retried spawn of the same worker must not fail the placement
	handle, err := adapter.Spawn(testSpec())
	require.NoError(t, err)
	assert.Equal(t, "worker-1", handle.WorkerId)
}

func TestListActiveReturnsOnlyRunningWorkerPods(t *testing.T) {
	running := workerPod("unpacker-v1-abc123", "worker-1", v1.PodRunning)
	pending := workerPod("unpacker-v1-def456", "worker-2", v1.PodPending)
	unrelated := &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "not-a-worker", Namespace: "strata"},
		Status:     v1.PodStatus{Phase: v1.PodRunning},
	}
	client := fake.NewSimpleClientset(running, pending, unrelated)
	adapter := NewKubernetesAdapterForClient(client, "strata")

	handles, err := adapter.ListActive()
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, "worker-1", handles[0].WorkerId)
}

func TestDespawnIsIdempotent(t *testing.T) {
	pod := workerPod("unpacker-v1-abc123", "worker-1", v1.PodRunning)
	client := fake.NewSimpleClientset(pod)
	adapter := NewKubernetesAdapterForClient(client, "strata")

	handle := &WorkerHandle{WorkerId: "worker-1", Name: pod.Name, Node: "node-1"}
	require.NoError(t, adapter.Despawn(handle))
	require.NoError(t, adapter.Despawn(handle))
}

func TestClusterCapacitySkipsUnschedulableNodes(t *testing.T) {
	ready := &v1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-1"},
		Status: v1.NodeStatus{Allocatable: v1.ResourceList{
			v1.ResourceCPU:    resource.MustParse("8"),
			v1.ResourceMemory: resource.MustParse("32Gi"),
		}},
	}
	cordoned := &v1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-2"},
		Spec:       v1.NodeSpec{Unschedulable: true},
		Status: v1.NodeStatus{Allocatable: v1.ResourceList{
			v1.ResourceCPU: resource.MustParse("8"),
		}},
	}
	client := fake.NewSimpleClientset(ready, cordoned)
	adapter := NewKubernetesAdapterForClient(client, "strata")

	capacity, err := adapter.ClusterCapacity()
	require.NoError(t, err)
	require.Len(t, capacity, 1)
	assert.True(t, capacity["node-1"].Equal(strataresource.ComputeResources{
		"cpu":    resource.MustParse("8"),
		"memory": resource.MustParse("32Gi"),
	}))
}

func testSpec() *WorkerSpec {
	return &WorkerSpec{
		WorkerId:   "worker-1",
		Name:       "unpacker-v1-abc123",
		Node:       "node-1",
		ImageRef:   "unpacker:v1",
		Entrypoint: []string{"/opt/agent", "run"},
		JobId:      "job-1",
		ReactionId: "reaction-1",
		Resources: strataresource.ComputeResources{
			"cpu":    resource.MustParse("2"),
			"memory": resource.MustParse("4Gi"),
		},
		Timeout: 10 * time.Minute,
	}
}

func workerPod(name, workerId string, phase v1.PodPhase) *v1.Pod {
	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "strata",
			Labels: map[string]string{
				workerLabel:   "true",
				workerIdLabel: workerId,
			},
		},
		Spec:   v1.PodSpec{NodeName: "node-1"},
		Status: v1.PodStatus{Phase: phase},
	}
}
