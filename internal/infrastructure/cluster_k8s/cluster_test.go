package cluster_k8s

import (
	"context"
	"errors"
	"testing"

	"github.com/davarch/deploy-gate/internal/domain"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
)

func descriptor(image string) domain.DeploymentDescriptor {
	f := false
	return domain.DeploymentDescriptor{
		Name:     "web",
		Replicas: 2,
		Containers: []domain.Container{{
			Name:  "web",
			Image: image,
			Ports: []int32{8080},
			SecurityContext: &domain.SecurityContext{
				RunAsRoot:                &f,
				Privileged:               &f,
				AllowPrivilegeEscalation: &f,
			},
			Resources: &domain.Resources{Limits: map[string]string{"cpu": "500m", "memory": "128Mi"}},
		}},
	}
}

func TestApply_CreatesThenUpdates(t *testing.T) {
	client := fake.NewSimpleClientset()
	c := NewWithClient(client, map[string]string{"staging": "stage-ns"}, zap.NewNop())

	id, err := c.Apply(context.Background(), "staging", descriptor("app@sha256:1"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if id != "stage-ns/web:0" {
		t.Errorf("apply id %q", id)
	}

	dep, err := client.AppsV1().Deployments("stage-ns").Get(context.Background(), "web", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	ctr := dep.Spec.Template.Spec.Containers[0]
	if ctr.SecurityContext == nil || ctr.SecurityContext.RunAsNonRoot == nil || !*ctr.SecurityContext.RunAsNonRoot {
		t.Errorf("security context not mapped: %+v", ctr.SecurityContext)
	}
	if ctr.Resources.Limits.Cpu().String() != "500m" {
		t.Errorf("cpu limit %s", ctr.Resources.Limits.Cpu())
	}

	if _, err := c.Apply(context.Background(), "staging", descriptor("app@sha256:2")); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	dep, _ = client.AppsV1().Deployments("stage-ns").Get(context.Background(), "web", metav1.GetOptions{})
	if dep.Spec.Template.Spec.Containers[0].Image != "app@sha256:2" {
		t.Errorf("deployment not updated")
	}
}

func TestApply_RejectsBadQuantity(t *testing.T) {
	c := NewWithClient(fake.NewSimpleClientset(), nil, zap.NewNop())
	d := descriptor("app@sha256:1")
	d.Containers[0].Resources.Limits["cpu"] = "lots"

	if _, err := c.Apply(context.Background(), "staging", d); err == nil || domain.IsTransient(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestRolloutStatus_FollowsDeploymentStatus(t *testing.T) {
	client := fake.NewSimpleClientset()
	c := NewWithClient(client, nil, zap.NewNop())
	ctx := context.Background()

	id, err := c.Apply(ctx, "production", descriptor("app@sha256:1"))
	if err != nil {
		t.Fatal(err)
	}

	status, err := c.RolloutStatus(ctx, "production", id)
	if err != nil || status != domain.RolloutPending {
		t.Fatalf("expected pending, got %s %v", status, err)
	}

	setStatus(t, client, "production", appsv1.DeploymentStatus{Replicas: 2, UpdatedReplicas: 1, AvailableReplicas: 1})
	if status, _ := c.RolloutStatus(ctx, "production", id); status != domain.RolloutProgressing {
		t.Errorf("expected progressing, got %s", status)
	}

	setStatus(t, client, "production", appsv1.DeploymentStatus{Replicas: 2, UpdatedReplicas: 2, AvailableReplicas: 2})
	if status, _ := c.RolloutStatus(ctx, "production", id); status != domain.RolloutHealthy {
		t.Errorf("expected healthy, got %s", status)
	}

	setStatus(t, client, "production", appsv1.DeploymentStatus{
		Replicas: 2, UpdatedReplicas: 1,
		Conditions: []appsv1.DeploymentCondition{{
			Type: appsv1.DeploymentProgressing, Status: corev1.ConditionFalse, Reason: "ProgressDeadlineExceeded",
		}},
	})
	if status, _ := c.RolloutStatus(ctx, "production", id); status != domain.RolloutFailed {
		t.Errorf("expected failed, got %s", status)
	}
}

func TestRolloutStatus_MissingDeployment(t *testing.T) {
	c := NewWithClient(fake.NewSimpleClientset(), nil, zap.NewNop())
	_, err := c.RolloutStatus(context.Background(), "staging", "staging/web:1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	gr := schema.GroupResource{Group: "apps", Resource: "deployments"}
	if !domain.IsTransient(classify("x", apierrors.NewServiceUnavailable("down"))) {
		t.Error("service unavailable should be transient")
	}
	if !domain.IsTransient(classify("x", apierrors.NewConflict(gr, "web", errors.New("stale")))) {
		t.Error("conflict should be transient")
	}
	if domain.IsTransient(classify("x", apierrors.NewForbidden(gr, "web", errors.New("rbac")))) {
		t.Error("forbidden should be permanent")
	}
}

func TestParseApplyID(t *testing.T) {
	ns, name, gen, err := parseApplyID("prod/web:7")
	if err != nil || ns != "prod" || name != "web" || gen != 7 {
		t.Errorf("got %s %s %d %v", ns, name, gen, err)
	}
	for _, bad := range []string{"web", "prod/web", "prod/web:x"} {
		if _, _, _, err := parseApplyID(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func setStatus(t *testing.T, client *fake.Clientset, ns string, st appsv1.DeploymentStatus) {
	t.Helper()
	deps := client.AppsV1().Deployments(ns)
	dep, err := deps.Get(context.Background(), "web", metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	st.ObservedGeneration = dep.Generation
	dep.Status = st
	if _, err := deps.UpdateStatus(context.Background(), dep, metav1.UpdateOptions{}); err != nil {
		t.Fatal(err)
	}
}
