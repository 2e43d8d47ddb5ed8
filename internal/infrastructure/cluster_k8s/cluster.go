package cluster_k8s

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/davarch/deploy-gate/internal/domain"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"
)

const (
	managedByLabel   = "app.kubernetes.io/managed-by"
	environmentLabel = "deploy-gate/environment"
	imageAnnotation  = "deploy-gate/image"

	progressDeadlineSeconds = 600
)

// Cluster applies descriptors as apps/v1 Deployments and reads their
// rollout status the way kubectl rollout status does.
type Cluster struct {
	client     kubernetes.Interface
	namespaces map[string]string
	log        *zap.Logger
}

// New prefers in-cluster configuration and falls back to kubeconfig.
func New(kubeconfig string, namespaces map[string]string, log *zap.Logger) (*Cluster, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			kubeconfig = strings.TrimSpace(os.Getenv("KUBECONFIG"))
		}
		if kubeconfig == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewWithClient(clientset, namespaces, log), nil
}

func NewWithClient(client kubernetes.Interface, namespaces map[string]string, log *zap.Logger) *Cluster {
	return &Cluster{client: client, namespaces: namespaces, log: log}
}

func (c *Cluster) namespace(env string, d domain.DeploymentDescriptor) string {
	if d.Namespace != "" {
		return d.Namespace
	}
	if ns, ok := c.namespaces[env]; ok && ns != "" {
		return ns
	}
	return env
}

// Apply creates or updates the Deployment and returns an apply id of the
// form namespace/name:generation.
func (c *Cluster) Apply(ctx context.Context, env string, d domain.DeploymentDescriptor) (string, error) {
	ns := c.namespace(env, d)
	desired, err := buildDeployment(ns, env, d)
	if err != nil {
		return "", err
	}

	deployments := c.client.AppsV1().Deployments(ns)
	applied, err := deployments.Create(ctx, desired, metav1.CreateOptions{})
	if err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return "", classify("create deployment", err)
		}
		existing, getErr := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
		if getErr != nil {
			return "", classify("get deployment", getErr)
		}
		desired.ResourceVersion = existing.ResourceVersion
		applied, err = deployments.Update(ctx, desired, metav1.UpdateOptions{})
		if err != nil {
			return "", classify("update deployment", err)
		}
	}

	id := fmt.Sprintf("%s/%s:%d", ns, applied.Name, applied.Generation)
	c.log.Info("deployment applied", zap.String("environment", env), zap.String("apply", id))
	return id, nil
}

func (c *Cluster) RolloutStatus(ctx context.Context, env, applyID string) (domain.RolloutStatus, error) {
	ns, name, gen, err := parseApplyID(applyID)
	if err != nil {
		return domain.RolloutFailed, err
	}

	dep, err := c.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return domain.RolloutFailed, fmt.Errorf("deployment %s/%s: %w", ns, name, domain.ErrNotFound)
		}
		return domain.RolloutFailed, classify("get deployment", err)
	}
	return rolloutStatus(dep, gen), nil
}

func rolloutStatus(dep *appsv1.Deployment, gen int64) domain.RolloutStatus {
	if dep.Generation > gen {
		// A newer apply superseded this one.
		return domain.RolloutFailed
	}
	if dep.Status.ObservedGeneration < dep.Generation {
		return domain.RolloutPending
	}
	for _, cond := range dep.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing && cond.Reason == "ProgressDeadlineExceeded" {
			return domain.RolloutFailed
		}
	}

	replicas := int32(1)
	if dep.Spec.Replicas != nil {
		replicas = *dep.Spec.Replicas
	}
	st := dep.Status
	switch {
	case st.Replicas == 0 && st.UpdatedReplicas == 0 && replicas > 0:
		return domain.RolloutPending
	case st.UpdatedReplicas < replicas:
		return domain.RolloutProgressing
	case st.Replicas > st.UpdatedReplicas:
		return domain.RolloutProgressing
	case st.AvailableReplicas < st.UpdatedReplicas:
		return domain.RolloutProgressing
	}
	return domain.RolloutHealthy
}

func buildDeployment(ns, env string, d domain.DeploymentDescriptor) (*appsv1.Deployment, error) {
	if d.Name == "" {
		return nil, errors.New("descriptor name required")
	}
	if len(d.Containers) == 0 {
		return nil, errors.New("descriptor has no containers")
	}

	labels := map[string]string{
		"app.kubernetes.io/name": d.Name,
		managedByLabel:           "deploy-gate",
		environmentLabel:         env,
	}
	for k, v := range d.Labels {
		labels[k] = v
	}

	containers := make([]corev1.Container, 0, len(d.Containers))
	for _, c := range d.Containers {
		kc, err := buildContainer(c)
		if err != nil {
			return nil, err
		}
		containers = append(containers, kc)
	}

	replicas := d.Replicas
	if replicas <= 0 {
		replicas = 1
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        d.Name,
			Namespace:   ns,
			Labels:      labels,
			Annotations: map[string]string{imageAnnotation: d.Containers[0].Image},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas:                ptr.To(replicas),
			ProgressDeadlineSeconds: ptr.To(int32(progressDeadlineSeconds)),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app.kubernetes.io/name": d.Name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       corev1.PodSpec{Containers: containers},
			},
		},
	}, nil
}

func buildContainer(c domain.Container) (corev1.Container, error) {
	kc := corev1.Container{Name: c.Name, Image: c.Image}
	for _, p := range c.Ports {
		kc.Ports = append(kc.Ports, corev1.ContainerPort{ContainerPort: p, Protocol: corev1.ProtocolTCP})
	}

	if sc := c.SecurityContext; sc != nil {
		ksc := &corev1.SecurityContext{
			Privileged:               sc.Privileged,
			AllowPrivilegeEscalation: sc.AllowPrivilegeEscalation,
		}
		if sc.RunAsRoot != nil {
			ksc.RunAsNonRoot = ptr.To(!*sc.RunAsRoot)
		}
		kc.SecurityContext = ksc
	}

	if r := c.Resources; r != nil {
		limits, err := quantities(r.Limits)
		if err != nil {
			return corev1.Container{}, fmt.Errorf("container %s limits: %w", c.Name, err)
		}
		requests, err := quantities(r.Requests)
		if err != nil {
			return corev1.Container{}, fmt.Errorf("container %s requests: %w", c.Name, err)
		}
		kc.Resources = corev1.ResourceRequirements{Limits: limits, Requests: requests}
	}
	return kc, nil
}

func quantities(in map[string]string) (corev1.ResourceList, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(corev1.ResourceList, len(in))
	for k, v := range in {
		q, err := resource.ParseQuantity(v)
		if err != nil {
			return nil, fmt.Errorf("%s=%q: %w", k, v, err)
		}
		out[corev1.ResourceName(k)] = q
	}
	return out, nil
}

func parseApplyID(id string) (string, string, int64, error) {
	ns, rest, ok := strings.Cut(id, "/")
	if !ok {
		return "", "", 0, fmt.Errorf("malformed apply id %q", id)
	}
	name, genStr, ok := strings.Cut(rest, ":")
	if !ok {
		return "", "", 0, fmt.Errorf("malformed apply id %q", id)
	}
	gen, err := strconv.ParseInt(genStr, 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed apply id %q: %w", id, err)
	}
	return ns, name, gen, nil
}

func classify(op string, err error) error {
	var ne net.Error
	if apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) || apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) || apierrors.IsInternalError(err) || apierrors.IsConflict(err) ||
		errors.As(err, &ne) {
		return domain.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
