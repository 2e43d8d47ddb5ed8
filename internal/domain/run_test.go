package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPipelineRun_TerminalIsFinal(t *testing.T) {
	r := NewPipelineRun("r1", ArtifactReference{Repository: "app", Digest: "sha256:a"}, time.Now())
	if err := r.Finish(RunFailed, StageScanGateFailed, "scan", time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := r.Enter(StagePolicyEvaluating); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("enter after finish: %v", err)
	}
	if err := r.AppendGate(GateResult{Gate: "policy"}); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("append after finish: %v", err)
	}
	if err := r.Finish(RunSucceeded, StageSucceeded, "", time.Now()); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("second finish: %v", err)
	}
	if !r.Terminal() || r.Snapshot().Stage != StageScanGateFailed {
		t.Error("terminal state changed")
	}
}

func TestPipelineRun_ArtifactFrozenAfterGates(t *testing.T) {
	r := NewPipelineRun("r1", ArtifactReference{Repository: "app", Tag: "v1"}, time.Now())
	if err := r.SetArtifact(ArtifactReference{Repository: "app", Tag: "v1", Digest: "sha256:a"}); err != nil {
		t.Fatal(err)
	}
	_ = r.AppendGate(GateResult{Gate: "scan", Passed: true})
	if err := r.SetArtifact(ArtifactReference{Repository: "app", Digest: "sha256:b"}); err == nil {
		t.Error("artifact changed after a gate ran")
	}
}

func TestSnapshot_IsDetached(t *testing.T) {
	r := NewPipelineRun("r1", ArtifactReference{}, time.Now())
	_ = r.AppendGate(GateResult{Gate: "policy:staging", Violations: []Violation{{RuleID: "a"}}})
	snap := r.Snapshot()
	snap.Gates[0].Violations[0].RuleID = "changed"
	if r.Snapshot().Gates[0].Violations[0].RuleID != "a" {
		t.Error("snapshot shares violations with the run")
	}
}

func TestReport_ShowsFirstFailingGate(t *testing.T) {
	snap := RunSnapshot{
		ID:       "r1",
		Artifact: ArtifactReference{Repository: "app", Digest: "sha256:a"},
		Status:   RunFailed,
		Stage:    StagePolicyGateFailed,
		Reason:   "policy violation",
		Gates: []GateResult{
			{Gate: "scan", Passed: true},
			{Gate: "policy:staging", Violations: []Violation{
				{RuleID: "deny-privileged", Container: "app", Message: "privileged"},
			}},
		},
	}
	out := snap.Report()
	for _, want := range []string{"run r1: Failed (PolicyGateFailed)", "gate policy:staging failed", "[deny-privileged] app: privileged", "reason: policy violation"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}
