package application

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/davarch/deploy-gate/internal/policy"
	"go.uber.org/zap"
)

const digestA = "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestRun_Succeeds(t *testing.T) {
	h := newHarness(nil, GateConfig{SeverityThreshold: domain.SeverityHigh})
	h.scanner.Findings = []domain.Finding{{ID: "CVE-low", Severity: domain.SeverityLow}}

	snap, err := h.orch.Run(context.Background(), artifact(digestA))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Status != domain.RunSucceeded || snap.Stage != domain.StageSucceeded {
		t.Fatalf("unexpected terminal state %s/%s: %s", snap.Status, snap.Stage, snap.Reason)
	}
	for _, env := range []string{"staging", "production"} {
		st, _ := h.promoter.State(context.Background(), env)
		if st.CurrentArtifact == nil || st.CurrentArtifact.Digest != digestA {
			t.Errorf("%s current artifact %+v", env, st.CurrentArtifact)
		}
	}
	if len(snap.Gates) != 4 {
		t.Errorf("expected scan, 2 policy and approval gates, got %d", len(snap.Gates))
	}
	if len(snap.Promotions) != 2 {
		t.Errorf("expected 2 promotions, got %d", len(snap.Promotions))
	}
	if len(h.notifier.Events) != 1 || h.notifier.Events[0].Kind != domain.EventSucceeded {
		t.Errorf("expected success notification, got %+v", h.notifier.Events)
	}
	if h.store.Runs[snap.ID].Status != domain.RunSucceeded {
		t.Errorf("terminal run not persisted")
	}
}

func TestRun_PolicyViolationStopsBeforePromotion(t *testing.T) {
	h := newHarness(nil, GateConfig{})
	tr := true
	h.renderer.Mutate = func(d *domain.DeploymentDescriptor) {
		d.Containers[0].SecurityContext.AllowPrivilegeEscalation = &tr
	}

	snap, _ := h.orch.Run(context.Background(), artifact(digestA))

	if snap.Status != domain.RunFailed || snap.Stage != domain.StagePolicyGateFailed {
		t.Fatalf("unexpected terminal state %s/%s", snap.Status, snap.Stage)
	}
	if h.cluster.ApplyCount() != 0 {
		t.Errorf("expected zero applies, got %d", h.cluster.ApplyCount())
	}
	if len(snap.Promotions) != 0 {
		t.Errorf("expected no promotions or rollbacks, got %+v", snap.Promotions)
	}
	g, ok := snap.FirstFailure()
	if !ok || len(g.Violations) != 1 || g.Violations[0].RuleID != "deny-privilege-escalation" {
		t.Errorf("first failure should carry the violation list, got %+v", g)
	}
	if len(h.notifier.Events[0].Violations) != 1 {
		t.Errorf("notification lacks violations")
	}
}

func TestRun_ScanFailure(t *testing.T) {
	ev := &domain.MockEvaluator{Result: domain.GateResult{Passed: true}}
	h := newHarness(ev, GateConfig{})
	h.scanner.Findings = []domain.Finding{{ID: "CVE-9", Severity: domain.SeverityCritical}}

	snap, _ := h.orch.Run(context.Background(), artifact(digestA))
	if snap.Stage != domain.StageScanGateFailed {
		t.Fatalf("stage %s", snap.Stage)
	}
	if ev.Called != 0 {
		t.Errorf("policy evaluated after failed scan")
	}
}

func TestRun_ResolvesDigest(t *testing.T) {
	h := newHarness(nil, GateConfig{})
	h.registry.Artifact = domain.ArtifactReference{Repository: "app", Digest: digestA}

	a := artifact("")
	snap, _ := h.orch.Run(context.Background(), a)
	if snap.Status != domain.RunSucceeded {
		t.Fatalf("status %s: %s", snap.Status, snap.Reason)
	}
	if snap.Artifact.Digest != digestA || snap.Artifact.Tag != "v1" || snap.Artifact.Registry != "registry.local" {
		t.Errorf("artifact not resolved: %+v", snap.Artifact)
	}
}

func TestRun_ResolveNotFound(t *testing.T) {
	h := newHarness(nil, GateConfig{})
	h.registry.Err = domain.ErrNotFound

	snap, _ := h.orch.Run(context.Background(), artifact(""))
	if snap.Stage != domain.StageResolveFailed {
		t.Fatalf("stage %s", snap.Stage)
	}
	if h.registry.Called != 1 {
		t.Errorf("not found must not be retried, got %d calls", h.registry.Called)
	}
	if h.scanner.Called != 0 {
		t.Errorf("scan ran without a digest")
	}
}

func TestRun_ProductionFailureRollsBack(t *testing.T) {
	h := newHarness(nil, GateConfig{})
	prev := artifact("sha256:prev")
	h.store.Envs = map[string]domain.EnvironmentState{
		"production": {
			Environment:           "production",
			CurrentArtifact:       &prev,
			LastKnownGoodArtifact: &prev,
			RolloutStatus:         domain.RolloutHealthy,
		},
	}
	next := artifact(digestA)
	h.cluster.FailImages = map[string]bool{}
	h.renderer.Mutate = func(d *domain.DeploymentDescriptor) {
		if d.Environment == "production" && d.Containers[0].Image == next.Image() {
			d.Containers[0].Image = "broken"
		}
	}
	h.cluster.FailImages["broken"] = true

	snap, _ := h.orch.Run(context.Background(), next)
	if snap.Status != domain.RunRolledBack || snap.Stage != domain.StageProductionFailed {
		t.Fatalf("unexpected terminal state %s/%s: %s", snap.Status, snap.Stage, snap.Reason)
	}

	prod, _ := h.promoter.State(context.Background(), "production")
	if prod.CurrentArtifact.Digest != prev.Digest || prod.RolloutStatus != domain.RolloutHealthy {
		t.Errorf("production not restored: %+v", prod)
	}
	staging, _ := h.promoter.State(context.Background(), "staging")
	if staging.CurrentArtifact.Digest != digestA {
		t.Errorf("healthy staging should keep the new artifact")
	}

	last := snap.Promotions[len(snap.Promotions)-1]
	if !last.Rollback || last.Environment != "production" {
		t.Errorf("expected trailing production rollback, got %+v", last)
	}
	if h.notifier.Events[0].Kind != domain.EventRolledBack {
		t.Errorf("event kind %s", h.notifier.Events[0].Kind)
	}
}

func TestRun_FirstDeployFailureIsRollbackFailed(t *testing.T) {
	h := newHarness(nil, GateConfig{})
	a := artifact(digestA)
	h.cluster.FailImages = map[string]bool{a.Image(): true}

	snap, _ := h.orch.Run(context.Background(), a)
	if snap.Stage != domain.StageRollbackFailed || snap.Status != domain.RunFailed {
		t.Fatalf("unexpected terminal state %s/%s", snap.Status, snap.Stage)
	}
	if h.notifier.Events[0].Kind != domain.EventRollbackFailed {
		t.Errorf("event kind %s", h.notifier.Events[0].Kind)
	}
}

func TestRun_ApprovalTimeout(t *testing.T) {
	h := newHarness(nil, GateConfig{})
	h.approvals.Block = true
	h.orch.cfg.Environments[1].ApprovalTimeout = 20 * time.Millisecond

	snap, _ := h.orch.Run(context.Background(), artifact(digestA))
	if snap.Stage != domain.StageApprovalDenied || snap.Status != domain.RunFailed {
		t.Fatalf("unexpected terminal state %s/%s", snap.Status, snap.Stage)
	}
	if h.cluster.ApplyCount() != 1 {
		t.Errorf("only staging should have been applied, got %d", h.cluster.ApplyCount())
	}
}

func TestRun_NotificationFailureIgnored(t *testing.T) {
	h := newHarness(nil, GateConfig{})
	h.notifier.Err = errors.New("notify-send missing")

	snap, _ := h.orch.Run(context.Background(), artifact(digestA))
	if snap.Status != domain.RunSucceeded {
		t.Fatalf("status %s", snap.Status)
	}
}

func TestRun_CancelledBeforePromotion(t *testing.T) {
	h := newHarness(nil, GateConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap, _ := h.orch.Run(ctx, artifact(digestA))
	if snap.Stage != domain.StageCancelled {
		t.Fatalf("stage %s", snap.Stage)
	}
	if h.cluster.ApplyCount() != 0 {
		t.Errorf("no apply expected after cancellation")
	}
}

func TestRun_NoEnvironments(t *testing.T) {
	h := newHarness(nil, GateConfig{})
	h.orch.cfg.Environments = nil
	if _, err := h.orch.Run(context.Background(), artifact(digestA)); err == nil {
		t.Fatal("expected error")
	}
}

func TestRun_RejectedApplyIsFailedNotRolledBack(t *testing.T) {
	h := newHarness(nil, GateConfig{})
	h.orch.cfg.Environments = []EnvironmentSpec{{Name: "production"}}
	prev := artifact("sha256:prev")
	if _, _, err := h.promoter.Promote(context.Background(), "production", prev); err != nil {
		t.Fatalf("seed production: %v", err)
	}
	h.cluster.ApplyErrs = []error{errors.New("admission webhook denied the request")}

	snap, _ := h.orch.Run(context.Background(), artifact(digestA))
	if snap.Status != domain.RunFailed || snap.Stage != domain.StageProductionFailed {
		t.Fatalf("unexpected terminal state %s/%s: %s", snap.Status, snap.Stage, snap.Reason)
	}
	if n := h.cluster.ApplyCount(); n != 1 {
		t.Errorf("expected only the seeding apply, got %d", n)
	}
	if len(snap.Promotions) != 1 || snap.Promotions[0].Rollback {
		t.Errorf("expected a single failed promotion, got %+v", snap.Promotions)
	}
	prod, _ := h.promoter.State(context.Background(), "production")
	if prod.RolloutStatus != domain.RolloutHealthy || prod.CurrentArtifact.Digest != prev.Digest {
		t.Errorf("production state changed by a rejected apply: %+v", prod)
	}
	if h.notifier.Events[0].Kind != domain.EventFailed {
		t.Errorf("event kind %s", h.notifier.Events[0].Kind)
	}
}

func TestRun_PinsRulesForTheWholeRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	const allow = `
schema: deploy-gate.policy.v1
rules:
  - id: deny-privileged
    message: container runs privileged
    when:
      any:
        - field: securityContext.privileged
          op: eq
          value: "true"
`
	const deny = allow + `  - id: deny-app
    message: app images are frozen
    when:
      any:
        - field: image
          op: matches
          value: "^registry.local/app@"
`
	if err := os.WriteFile(path, []byte(allow), 0o644); err != nil {
		t.Fatal(err)
	}
	rules, err := policy.NewStore(zap.NewNop(), path)
	if err != nil {
		t.Fatal(err)
	}

	h := newHarness(rules, GateConfig{})
	reloaded := false
	h.renderer.Mutate = func(d *domain.DeploymentDescriptor) {
		if reloaded {
			return
		}
		reloaded = true
		if err := os.WriteFile(path, []byte(deny), 0o644); err != nil {
			t.Error(err)
		}
		if err := rules.Reload(); err != nil {
			t.Error(err)
		}
	}

	snap, _ := h.orch.Run(context.Background(), artifact(digestA))
	if snap.Status != domain.RunSucceeded {
		t.Fatalf("reload leaked into a running pipeline: %s/%s: %s", snap.Status, snap.Stage, snap.Reason)
	}
	for _, g := range snap.Gates {
		if !g.Passed {
			t.Errorf("gate %s failed: %+v", g.Gate, g.Violations)
		}
	}

	next, _ := h.orch.Run(context.Background(), artifact("sha256:bbb"))
	if next.Stage != domain.StagePolicyGateFailed {
		t.Errorf("next run should use the reloaded rules, got %s", next.Stage)
	}
}

type saveHook struct {
	domain.RunRecorder
	onSave func(domain.RunSnapshot)
}

func (r saveHook) SaveRun(ctx context.Context, snap domain.RunSnapshot) error {
	r.onSave(snap)
	return r.RunRecorder.SaveRun(ctx, snap)
}

func TestRun_SupersededStagingStopsBeforeProduction(t *testing.T) {
	h := newHarness(nil, GateConfig{})
	other := artifact("sha256:other")
	replaced := false
	h.orch.recorder = saveHook{RunRecorder: h.store, onSave: func(snap domain.RunSnapshot) {
		if replaced || len(snap.Promotions) != 1 {
			return
		}
		replaced = true
		if _, _, err := h.promoter.Promote(context.Background(), "staging", other); err != nil {
			t.Errorf("competing promote: %v", err)
		}
	}}

	snap, _ := h.orch.Run(context.Background(), artifact(digestA))
	if snap.Status != domain.RunFailed || snap.Stage != domain.StageStagingFailed {
		t.Fatalf("unexpected terminal state %s/%s: %s", snap.Status, snap.Stage, snap.Reason)
	}
	if !strings.Contains(snap.Reason, domain.ErrSuperseded.Error()) || !strings.Contains(snap.Reason, other.Image()) {
		t.Errorf("reason does not name the superseding artifact: %q", snap.Reason)
	}
	if h.approvals.Called != 0 {
		t.Errorf("production approval requested after staging was superseded")
	}
	for _, d := range h.cluster.Applies {
		if d.Environment == "production" {
			t.Fatalf("production was applied")
		}
	}
	staging, _ := h.promoter.State(context.Background(), "staging")
	if staging.CurrentArtifact.Digest != other.Digest {
		t.Errorf("the competing run's staging rollout was undone: %+v", staging.CurrentArtifact)
	}
}
