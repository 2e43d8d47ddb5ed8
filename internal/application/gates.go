package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
	"go.uber.org/zap"
)

type GateConfig struct {
	SeverityThreshold domain.Severity
	SoftScan          bool
	SoftPolicy        bool
	Retry             RetryPolicy
}

// GateController runs the scan, policy and approval gates. Every result is
// appended to the run and persisted before the controller returns it.
type GateController struct {
	log       *zap.Logger
	scanner   domain.Scanner
	renderer  domain.DescriptorRenderer
	evaluator domain.PolicyEvaluator
	approvals domain.ApprovalSource
	recorder  domain.RunRecorder
	metrics   domain.Metrics
	cfg       GateConfig
	retry     retrier
	now       func() time.Time
}

func NewGateController(
	log *zap.Logger,
	scanner domain.Scanner,
	renderer domain.DescriptorRenderer,
	evaluator domain.PolicyEvaluator,
	approvals domain.ApprovalSource,
	recorder domain.RunRecorder,
	metrics domain.Metrics,
	cfg GateConfig,
) *GateController {
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &GateController{
		log: log, scanner: scanner, renderer: renderer, evaluator: evaluator,
		approvals: approvals, recorder: recorder, metrics: metrics, cfg: cfg,
		retry: retrier{log: log, metrics: metrics, policy: cfg.Retry},
		now:   time.Now,
	}
}

// ForRun returns a controller whose policy gates all evaluate against the
// ruleset loaded at the time of the call.
func (g *GateController) ForRun() *GateController {
	s, ok := g.evaluator.(domain.PolicySnapshotter)
	if !ok {
		return g
	}
	c := *g
	c.evaluator = s.Snapshot()
	return &c
}

// RunGate evaluates one gate. The returned error is nil only when the gate
// passed; it wraps the domain error class of the failure otherwise.
func (g *GateController) RunGate(ctx context.Context, run *domain.PipelineRun, gate domain.Gate) (domain.GateResult, error) {
	if err := run.Enter(stageFor(gate.Kind)); err != nil {
		return domain.GateResult{}, err
	}

	artifact := run.Snapshot().Artifact

	var (
		res     domain.GateResult
		failure error
	)
	switch gate.Kind {
	case domain.GateScan:
		res, failure = g.scanGate(ctx, artifact)
	case domain.GatePolicy:
		res, failure = g.policyGate(gate.Environment, artifact)
	case domain.GateApproval:
		res, failure = g.approvalGate(ctx, artifact, gate)
	default:
		res, failure = domain.GateResult{Reason: "unknown gate kind"}, fmt.Errorf("unknown gate kind %q", gate.Kind)
	}

	res.Gate = gate.Name()
	res.At = g.now()
	if failure != nil && res.Reason == "" {
		res.Reason = failure.Error()
	}

	if err := run.AppendGate(res); err != nil {
		return res, err
	}
	g.persist(ctx, run)
	g.metrics.GateEvaluated(gate.Kind, res.Passed)

	fields := []zap.Field{
		zap.String("run", run.ID),
		zap.String("gate", res.Gate),
		zap.Bool("passed", res.Passed),
		zap.Int("violations", len(res.Violations)),
	}
	switch {
	case failure != nil:
		g.log.Warn("gate failed", append(fields, zap.Error(failure))...)
	case res.Soft:
		g.log.Warn("soft gate has findings", fields...)
	default:
		g.log.Info("gate passed", fields...)
	}

	return res, failure
}

// RunSequence runs gates in order and stops at the first failure; gates
// after it are never evaluated.
func (g *GateController) RunSequence(ctx context.Context, run *domain.PipelineRun, gates []domain.Gate) ([]domain.GateResult, error) {
	out := make([]domain.GateResult, 0, len(gates))
	for _, gate := range gates {
		res, err := g.RunGate(ctx, run, gate)
		out = append(out, res)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (g *GateController) scanGate(ctx context.Context, a domain.ArtifactReference) (domain.GateResult, error) {
	if a.Digest == "" {
		return domain.GateResult{}, domain.ErrMissingDigest
	}
	if err := ctx.Err(); err != nil {
		return domain.GateResult{}, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}

	var findings []domain.Finding
	err := g.retry.do(ctx, "scan", func() error {
		var err error
		findings, err = g.scanner.Scan(ctx, a)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return domain.GateResult{}, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
		return domain.GateResult{}, fmt.Errorf("scan: %w", err)
	}

	var violations []domain.Violation
	for _, f := range findings {
		if f.Severity < g.cfg.SeverityThreshold {
			continue
		}
		msg := f.Severity.String() + " vulnerability"
		if f.Package != "" {
			msg += " in " + f.Package
		}
		violations = append(violations, domain.Violation{RuleID: f.ID, Message: msg})
	}

	res := domain.GateResult{Passed: len(violations) == 0, Violations: violations}
	if res.Passed {
		return res, nil
	}
	res.Reason = fmt.Sprintf("%d findings at or above %s", len(violations), g.cfg.SeverityThreshold)
	if g.cfg.SoftScan {
		res.Passed, res.Soft = true, true
		return res, nil
	}
	return res, domain.ErrScanThresholdExceeded
}

func (g *GateController) policyGate(env string, a domain.ArtifactReference) (domain.GateResult, error) {
	d, err := g.renderer.Render(env, a)
	if err != nil {
		return domain.GateResult{}, fmt.Errorf("render descriptor for %s: %w", env, err)
	}

	res := g.evaluator.Evaluate(d)
	if res.Passed {
		return res, nil
	}
	res.Reason = fmt.Sprintf("%d policy violations", len(res.Violations))
	if g.cfg.SoftPolicy {
		res.Passed, res.Soft = true, true
		return res, nil
	}
	return res, domain.ErrPolicyViolation
}

func (g *GateController) approvalGate(ctx context.Context, a domain.ArtifactReference, gate domain.Gate) (domain.GateResult, error) {
	if a.Digest == "" {
		return domain.GateResult{}, domain.ErrMissingDigest
	}

	wait := ctx
	if gate.Timeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, gate.Timeout)
		defer cancel()
	}

	g.log.Info("awaiting approval",
		zap.String("artifact", a.Image()),
		zap.String("environment", gate.Environment),
		zap.Duration("timeout", gate.Timeout),
	)

	decision, err := g.approvals.AwaitApproval(wait, a, gate.Environment)
	switch {
	case ctx.Err() != nil:
		return domain.GateResult{}, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	case errors.Is(wait.Err(), context.DeadlineExceeded):
		return domain.GateResult{Reason: "no approval within " + gate.Timeout.String()}, domain.ErrApprovalTimeout
	case err != nil:
		return domain.GateResult{}, fmt.Errorf("%w: %v", domain.ErrApprovalDenied, err)
	case decision != domain.Approved:
		return domain.GateResult{Reason: "approval denied"}, domain.ErrApprovalDenied
	}
	return domain.GateResult{Passed: true}, nil
}

func (g *GateController) persist(ctx context.Context, run *domain.PipelineRun) {
	if g.recorder == nil {
		return
	}
	if err := g.recorder.SaveRun(context.WithoutCancel(ctx), run.Snapshot()); err != nil {
		g.log.Error("persist run record", zap.String("run", run.ID), zap.Error(err))
	}
}

func stageFor(k domain.GateKind) domain.Stage {
	switch k {
	case domain.GateScan:
		return domain.StageScanning
	case domain.GatePolicy:
		return domain.StagePolicyEvaluating
	case domain.GateApproval:
		return domain.StageAwaitingApproval
	}
	return domain.StageBuilt
}
