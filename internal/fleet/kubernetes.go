package fleet

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// KubernetesProvisioner runs each worker as a bare Pod. Tags become pod
// labels, so filter keys and values must be valid label syntax.
type KubernetesProvisioner struct {
	client    kubernetes.Interface
	namespace string
}

func NewKubernetesProvisioner(client kubernetes.Interface, namespace string) *KubernetesProvisioner {
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	return &KubernetesProvisioner{client: client, namespace: namespace}
}

// NewKubernetesClient uses kubeconfig when given and the in-cluster config
// otherwise.
func NewKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	return kubernetes.NewForConfig(cfg)
}

func (p *KubernetesProvisioner) Launch(ctx context.Context, spec LaunchSpec, tags map[string]string) (string, error) {
	name := podName(tags["Name"])
	if name == "" {
		return "", fmt.Errorf("launch pod: Name tag is required")
	}
	podLabels := make(map[string]string, len(tags))
	for k, v := range tags {
		if len(validation.IsQualifiedName(k)) == 0 && len(validation.IsValidLabelValue(v)) == 0 {
			podLabels[k] = v
		}
	}
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: p.namespace,
			Labels:    podLabels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyAlways,
			Containers: []corev1.Container{{
				Name:    "worker",
				Image:   spec.Image,
				Command: spec.Command,
				Env:     env,
			}},
		},
	}
	created, err := p.client.CoreV1().Pods(p.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("launch pod %s: %w", name, err)
	}
	return created.Name, nil
}

func (p *KubernetesProvisioner) Terminate(ctx context.Context, id string) error {
	if err := p.client.CoreV1().Pods(p.namespace).Delete(ctx, id, metav1.DeleteOptions{}); err != nil {
		return fmt.Errorf("terminate pod %s: %w", id, err)
	}
	return nil
}

func (p *KubernetesProvisioner) List(ctx context.Context, filter map[string]string) ([]WorkerDescriptor, error) {
	pods, err := p.client.CoreV1().Pods(p.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(filter).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	out := make([]WorkerDescriptor, 0, len(pods.Items))
	for _, pod := range pods.Items {
		if pod.DeletionTimestamp != nil {
			continue
		}
		var state InstanceState
		switch pod.Status.Phase {
		case corev1.PodPending, "":
			state = StatePending
		case corev1.PodRunning:
			state = StateRunning
		default:
			continue
		}
		out = append(out, WorkerDescriptor{
			ID:         pod.Name,
			LaunchTime: pod.CreationTimestamp.Time,
			State:      state,
		})
	}
	return out, nil
}

func podName(raw string) string {
	name := invalidNameChars.ReplaceAllString(strings.ToLower(raw), "-")
	name = strings.Trim(name, "-")
	if len(name) > validation.DNS1123SubdomainMaxLength {
		name = strings.TrimRight(name[:validation.DNS1123SubdomainMaxLength], "-")
	}
	return name
}
