package provisioner

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/dataforall/training-backend/config"
	"github.com/dataforall/training-backend/models"
)

var k8sGPUInfo = models.GPUInfo{
	Name:          "Cluster GPU (nvidia.com/gpu)",
	Plan:          "kubernetes-pod",
	HourlyRateUSD: 0,
	GPUMemoryGB:   0,
	CPUMemoryGB:   0,
	Description:   "One nvidia.com/gpu scheduled from the cluster pool. No per-job billing.",
}

// Kubernetes runs each worker as a Pod on an existing cluster instead of
// renting cloud instances. The pod name doubles as the instance ID.
type Kubernetes struct {
	cfg       *config.Config
	clientset *kubernetes.Clientset
	namespace string
}

// NewKubernetes creates a provisioner backed by a Kubernetes cluster. It uses
// the kubeconfig path from configuration, falling back to in-cluster config.
func NewKubernetes(cfg *config.Config) (*Kubernetes, error) {
	var restCfg *rest.Config
	var err error

	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load Kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	return &Kubernetes{
		cfg:       cfg,
		clientset: clientset,
		namespace: cfg.K8sNamespace,
	}, nil
}

// CreateInstance creates a worker Pod and waits until it is running. The
// worker receives its parameters as container environment, the same contract
// the cloud providers deliver through their startup scripts.
func (k *Kubernetes) CreateInstance(ctx context.Context, label string, params *BootstrapParams) (*Instance, error) {
	podName := sanitizePodName(label)
	pod := k.buildPod(podName, params)

	created, err := k.clientset.CoreV1().Pods(k.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pod: %w", err)
	}
	log.Printf("Worker pod created: %s/%s", k.namespace, created.Name)

	running, err := k.pollUntilRunning(ctx, created.Name)
	if err != nil {
		return nil, err
	}

	return &Instance{ID: running.Name, IP: running.Status.PodIP}, nil
}

func (k *Kubernetes) buildPod(name string, params *BootstrapParams) *corev1.Pod {
	env := []corev1.EnvVar{
		{Name: "API_CALLBACK_URL", Value: params.CallbackURL},
		{Name: "CALLBACK_SECRET", Value: params.CallbackSecret},
		{Name: "TRAINING_MODE", Value: params.TrainingMode},
	}
	if params.Persistent {
		env = append(env, corev1.EnvVar{Name: "WORKER_MODE", Value: "persistent"})
	} else {
		target := ""
		if params.TargetAccuracy != nil {
			target = fmt.Sprintf("%g", *params.TargetAccuracy)
		}
		env = append(env,
			corev1.EnvVar{Name: "JOB_ID", Value: params.JobID},
			corev1.EnvVar{Name: "MISSION_ID", Value: params.MissionID},
			corev1.EnvVar{Name: "BASE_MODEL", Value: params.BaseModel},
			corev1.EnvVar{Name: "TASK", Value: params.Task},
			corev1.EnvVar{Name: "MAX_EPOCHS", Value: fmt.Sprintf("%d", params.MaxEpochs)},
			corev1.EnvVar{Name: "BATCH_SIZE", Value: fmt.Sprintf("%d", params.BatchSize)},
			corev1.EnvVar{Name: "LEARNING_RATE", Value: fmt.Sprintf("%g", params.LearningRate)},
			corev1.EnvVar{Name: "USE_LORA", Value: fmt.Sprintf("%t", params.UseLoRA)},
			corev1.EnvVar{Name: "TARGET_ACCURACY", Value: target},
			corev1.EnvVar{Name: "DATASET_PATH", Value: params.DatasetPath},
		)
	}

	labels := map[string]string{
		"app":        "dataforall-gpu-worker",
		"managed-by": "training-backend",
	}
	if !params.Persistent {
		labels["job-id"] = params.JobID
	}

	restartPolicy := corev1.RestartPolicyNever
	if params.Persistent {
		restartPolicy = corev1.RestartPolicyAlways
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: restartPolicy,
			Containers: []corev1.Container{
				{
					Name:  "gpu-worker",
					Image: k.cfg.WorkerImage,
					Env:   env,
					Resources: corev1.ResourceRequirements{
						Limits: corev1.ResourceList{
							"nvidia.com/gpu": resource.MustParse("1"),
						},
					},
				},
			},
		},
	}
}

func (k *Kubernetes) pollUntilRunning(ctx context.Context, podName string) (*corev1.Pod, error) {
	deadline := time.Now().Add(k.cfg.InstancePollWait)
	for time.Now().Before(deadline) {
		pod, err := k.clientset.CoreV1().Pods(k.namespace).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to get worker pod: %w", err)
		}

		log.Printf("Worker pod %s: phase=%s ip=%s", podName, pod.Status.Phase, pod.Status.PodIP)

		switch pod.Status.Phase {
		case corev1.PodRunning:
			return pod, nil
		case corev1.PodFailed:
			return nil, fmt.Errorf("worker pod %s failed during startup", podName)
		}

		select {
		case <-time.After(k.cfg.InstancePollEvery):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("worker pod %s did not start within %s", podName, k.cfg.InstancePollWait)
}

// InstanceStatus maps the pod phase onto the shared status vocabulary.
func (k *Kubernetes) InstanceStatus(ctx context.Context, instanceID string) (string, error) {
	pod, err := k.clientset.CoreV1().Pods(k.namespace).Get(ctx, instanceID, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to get worker pod: %w", err)
	}
	switch pod.Status.Phase {
	case corev1.PodRunning:
		return "running", nil
	case corev1.PodPending:
		return "pending", nil
	default:
		return strings.ToLower(string(pod.Status.Phase)), nil
	}
}

// DestroyInstance deletes the worker pod.
func (k *Kubernetes) DestroyInstance(ctx context.Context, instanceID string) error {
	err := k.clientset.CoreV1().Pods(k.namespace).Delete(ctx, instanceID, metav1.DeleteOptions{})
	if err != nil {
		log.Printf("Failed to delete worker pod %s: %v", instanceID, err)
		return fmt.Errorf("failed to delete worker pod: %w", err)
	}
	log.Printf("Worker pod %s deleted", instanceID)
	return nil
}

// Rebootstrap is unsupported: pods are immutable, refresh by recreating.
func (k *Kubernetes) Rebootstrap(ctx context.Context, inst *Instance, params *BootstrapParams) error {
	return ErrRebootstrapUnsupported
}

// EstimateCost returns zero: cluster capacity is not billed per job.
func (k *Kubernetes) EstimateCost(maxEpochs int) float64 {
	return 0
}

// GPUInfo returns the static specs of the provisioned GPU.
func (k *Kubernetes) GPUInfo() models.GPUInfo {
	return k8sGPUInfo
}

// Mode identifies the provider in API responses.
func (k *Kubernetes) Mode() string {
	return "kubernetes"
}

// sanitizePodName lowercases the label and strips characters Kubernetes
// rejects in pod names.
func sanitizePodName(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	name := strings.Trim(b.String(), "-")
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}
