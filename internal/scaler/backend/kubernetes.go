package backend

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	strataresource "github.com/strata-analysis/strata/internal/common/resource"
	"github.com/strata-analysis/strata/internal/scaler/configuration"
	"github.com/strata-analysis/strata/internal/scaler/domain"
)

const (
	workerLabel   = "strata.io/worker"
	workerIdLabel = "strata.io/worker-id"

	jobIdEnv      = "STRATA_JOB_ID"
	reactionIdEnv = "STRATA_REACTION_ID"
	workerIdEnv   = "STRATA_WORKER_ID"
	imageRefEnv   = "STRATA_IMAGE"
)

// KubernetesAdapter spawns workers as pods bound directly to the node the
// ledger reserved on; the cluster's own scheduler is bypassed so the ledger
// stays the single source of truth for placement.
type KubernetesAdapter struct {
	client    kubernetes.Interface
	namespace string
}

func NewKubernetesAdapter(config *configuration.BackendConfig) (*KubernetesAdapter, error) {
	restConfig, err := loadRestConfig(config.Kubeconfig)
	if err != nil {
		return nil, err
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, err
	}
	namespace := config.Namespace
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesAdapter{client: client, namespace: namespace}, nil
}

// NewKubernetesAdapterForClient wires an existing clientset, used by tests.
func NewKubernetesAdapterForClient(client kubernetes.Interface, namespace string) *KubernetesAdapter {
	return &KubernetesAdapter{client: client, namespace: namespace}
}

func loadRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}

func (a *KubernetesAdapter) Name() domain.BackendKind {
	return domain.BackendKubernetes
}

func (a *KubernetesAdapter) Spawn(spec *WorkerSpec) (*WorkerHandle, error) {
	pod := a.podForSpec(spec)
	created, err := a.client.CoreV1().Pods(a.namespace).Create(context.Background(), pod, metav1.CreateOptions{})
	if err != nil {
		if k8serrors.IsAlreadyExists(err) {
			// a previous attempt got through; treat the retry as confirmed
			return &WorkerHandle{WorkerId: spec.WorkerId, Name: spec.Name, Node: spec.Node}, nil
		}
		return nil, &ErrSpawnFailed{WorkerId: spec.WorkerId, Cause: err}
	}
	log.WithField("pod", created.Name).Infof("spawned worker %s on node %s", spec.WorkerId, spec.Node)
	return &WorkerHandle{WorkerId: spec.WorkerId, Name: created.Name, Node: spec.Node}, nil
}

func (a *KubernetesAdapter) Despawn(handle *WorkerHandle) error {
	err := a.client.CoreV1().Pods(a.namespace).Delete(context.Background(), handle.Name, metav1.DeleteOptions{})
	if err != nil && !k8serrors.IsNotFound(err) {
		return &ErrBackendUnreachable{Backend: domain.BackendKubernetes, Cause: err}
	}
	return nil
}

// ListActive returns handles for worker pods that have actually started
// running. Pending pods are still spawning and failed ones surface through
// the heartbeat reaper.
func (a *KubernetesAdapter) ListActive() ([]*WorkerHandle, error) {
	pods, err := a.client.CoreV1().Pods(a.namespace).List(context.Background(), metav1.ListOptions{
		LabelSelector: workerLabel + "=true",
	})
	if err != nil {
		return nil, &ErrBackendUnreachable{Backend: domain.BackendKubernetes, Cause: err}
	}
	handles := make([]*WorkerHandle, 0, len(pods.Items))
	for _, pod := range pods.Items {
		if pod.Status.Phase != v1.PodRunning {
			continue
		}
		handles = append(handles, &WorkerHandle{
			WorkerId: pod.Labels[workerIdLabel],
			Name:     pod.Name,
			Node:     pod.Spec.NodeName,
		})
	}
	return handles, nil
}

func (a *KubernetesAdapter) ClusterCapacity() (map[string]strataresource.ComputeResources, error) {
	nodes, err := a.client.CoreV1().Nodes().List(context.Background(), metav1.ListOptions{})
	if err != nil {
		return nil, &ErrBackendUnreachable{Backend: domain.BackendKubernetes, Cause: err}
	}
	capacity := make(map[string]strataresource.ComputeResources, len(nodes.Items))
	for _, node := range nodes.Items {
		if node.Spec.Unschedulable {
			continue
		}
		capacity[node.Name] = strataresource.FromResourceList(node.Status.Allocatable)
	}
	return capacity, nil
}

func (a *KubernetesAdapter) podForSpec(spec *WorkerSpec) *v1.Pod {
	resourceList := v1.ResourceList{}
	for component, quantity := range spec.Resources {
		resourceList[v1.ResourceName(component)] = quantity
	}
	deadline := int64PtrOrNil(spec.Timeout)
	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: a.namespace,
			Labels: map[string]string{
				workerLabel:   "true",
				workerIdLabel: spec.WorkerId,
			},
		},
		Spec: v1.PodSpec{
			NodeName:              spec.Node,
			RestartPolicy:         v1.RestartPolicyNever,
			ActiveDeadlineSeconds: deadline,
			Containers: []v1.Container{
				{
					Name:    "worker",
					Image:   spec.ImageRef,
					Command: spec.Entrypoint,
					Env: []v1.EnvVar{
						{Name: jobIdEnv, Value: spec.JobId},
						{Name: reactionIdEnv, Value: spec.ReactionId},
						{Name: workerIdEnv, Value: spec.WorkerId},
						{Name: imageRefEnv, Value: spec.ImageRef},
					},
					Resources: v1.ResourceRequirements{
						Requests: resourceList,
						Limits:   resourceList,
					},
				},
			},
		},
	}
}

func int64PtrOrNil(timeout time.Duration) *int64 {
	if timeout <= 0 {
		return nil
	}
	seconds := int64(timeout / time.Second)
	return &seconds
}
