package domain

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type Stage string

const (
	StageBuilt               Stage = "Built"
	StageResolveFailed       Stage = "ResolveFailed"
	StageScanning            Stage = "Scanning"
	StageScanGateFailed      Stage = "ScanGateFailed"
	StagePolicyEvaluating    Stage = "PolicyEvaluating"
	StagePolicyGateFailed    Stage = "PolicyGateFailed"
	StageStagingPromoting    Stage = "StagingPromoting"
	StageStagingFailed       Stage = "StagingFailed"
	StageAwaitingApproval    Stage = "AwaitingApproval"
	StageApprovalDenied      Stage = "ApprovalDenied"
	StageProductionPromoting Stage = "ProductionPromoting"
	StageProductionFailed    Stage = "ProductionFailed"
	StageRollbackFailed      Stage = "RollbackFailed"
	StageCancelled           Stage = "Cancelled"
	StageSucceeded           Stage = "Succeeded"
)

type RunStatus string

const (
	RunRunning    RunStatus = "Running"
	RunSucceeded  RunStatus = "Succeeded"
	RunFailed     RunStatus = "Failed"
	RunRolledBack RunStatus = "RolledBack"
)

type GateKind string

const (
	GateScan     GateKind = "scan"
	GatePolicy   GateKind = "policy"
	GateApproval GateKind = "approval"
)

// Gate names one check in the fixed gate sequence. Environment is empty for
// the scan gate.
type Gate struct {
	Kind        GateKind
	Environment string
	Timeout     time.Duration
}

func (g Gate) Name() string {
	if g.Environment == "" {
		return string(g.Kind)
	}
	return string(g.Kind) + ":" + g.Environment
}

// PipelineRun is the append-only record of one artifact moving through the
// pipeline. It is safe for concurrent readers; a single orchestrator writes.
type PipelineRun struct {
	mu sync.RWMutex

	ID         string
	Artifact   ArtifactReference
	Stage      Stage
	Status     RunStatus
	Reason     string
	Gates      []GateResult
	Promotions []PromotionAttempt
	StartedAt  time.Time
	FinishedAt time.Time
}

func NewPipelineRun(id string, a ArtifactReference, now time.Time) *PipelineRun {
	return &PipelineRun{
		ID:        id,
		Artifact:  a,
		Stage:     StageBuilt,
		Status:    RunRunning,
		StartedAt: now,
	}
}

func (r *PipelineRun) Terminal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Status != RunRunning
}

// SetArtifact pins the digest once it is resolved. It is refused after any
// gate has run against the artifact.
func (r *PipelineRun) SetArtifact(a ArtifactReference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status != RunRunning {
		return ErrRunTerminal
	}
	if len(r.Gates) > 0 {
		return fmt.Errorf("artifact is immutable once gated")
	}
	r.Artifact = a
	return nil
}

func (r *PipelineRun) Enter(s Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status != RunRunning {
		return ErrRunTerminal
	}
	r.Stage = s
	return nil
}

func (r *PipelineRun) AppendGate(g GateResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status != RunRunning {
		return ErrRunTerminal
	}
	r.Gates = append(r.Gates, g)
	return nil
}

func (r *PipelineRun) AppendPromotion(p PromotionAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status != RunRunning {
		return ErrRunTerminal
	}
	r.Promotions = append(r.Promotions, p)
	return nil
}

func (r *PipelineRun) Finish(status RunStatus, stage Stage, reason string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status != RunRunning {
		return ErrRunTerminal
	}
	r.Status = status
	r.Stage = stage
	r.Reason = reason
	r.FinishedAt = now
	return nil
}

// RunSnapshot is a detached copy of a run, used for persistence and reports.
type RunSnapshot struct {
	ID         string             `json:"id"`
	Artifact   ArtifactReference  `json:"artifact"`
	Stage      Stage              `json:"stage"`
	Status     RunStatus          `json:"status"`
	Reason     string             `json:"reason,omitempty"`
	Gates      []GateResult       `json:"gates"`
	Promotions []PromotionAttempt `json:"promotions"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at,omitempty"`
}

func (r *PipelineRun) Snapshot() RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gates := make([]GateResult, len(r.Gates))
	for i, g := range r.Gates {
		g.Violations = append([]Violation(nil), g.Violations...)
		gates[i] = g
	}

	return RunSnapshot{
		ID:         r.ID,
		Artifact:   r.Artifact,
		Stage:      r.Stage,
		Status:     r.Status,
		Reason:     r.Reason,
		Gates:      gates,
		Promotions: append([]PromotionAttempt(nil), r.Promotions...),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

// FirstFailure returns the first failed, non-soft gate.
func (s RunSnapshot) FirstFailure() (GateResult, bool) {
	for _, g := range s.Gates {
		if !g.Passed {
			return g, true
		}
	}
	return GateResult{}, false
}

// Report renders the terminal status together with the first failing gate's
// violations or the rollout failure reason.
func (s RunSnapshot) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s (%s) artifact=%s\n", s.ID, s.Status, s.Stage, s.Artifact.Image())
	if g, ok := s.FirstFailure(); ok {
		fmt.Fprintf(&b, "gate %s failed", g.Gate)
		if g.Reason != "" {
			fmt.Fprintf(&b, ": %s", g.Reason)
		}
		b.WriteString("\n")
		for _, v := range g.Violations {
			if v.Container != "" {
				fmt.Fprintf(&b, "  - [%s] %s: %s\n", v.RuleID, v.Container, v.Message)
			} else {
				fmt.Fprintf(&b, "  - [%s] %s\n", v.RuleID, v.Message)
			}
		}
	}
	for _, p := range s.Promotions {
		if p.Status == RolloutHealthy {
			continue
		}
		kind := "promotion"
		if p.Rollback {
			kind = "rollback"
		}
		fmt.Fprintf(&b, "%s %s -> %s: %s", kind, p.Artifact.Image(), p.Environment, p.Status)
		if p.Reason != "" {
			fmt.Fprintf(&b, " (%s)", p.Reason)
		}
		b.WriteString("\n")
	}
	if s.Reason != "" && s.Status != RunSucceeded {
		fmt.Fprintf(&b, "reason: %s\n", s.Reason)
	}
	return b.String()
}
