package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EnvironmentSpec is one hop of the promotion chain. The last environment
// of the chain is the production environment.
type EnvironmentSpec struct {
	Name            string
	RequireApproval bool
	ApprovalTimeout time.Duration
}

type OrchestratorConfig struct {
	Environments []EnvironmentSpec
	Retry        RetryPolicy
}

// Orchestrator sequences the fixed pipeline for one artifact:
// resolve, scan, policy, then promote through each environment.
type Orchestrator struct {
	log      *zap.Logger
	registry domain.Registry
	gates    *GateController
	promoter *Promoter
	notifier domain.Notifier
	recorder domain.RunRecorder
	archiver domain.RunArchiver
	metrics  domain.Metrics
	cfg      OrchestratorConfig
	retry    retrier
	now      func() time.Time
	newID    func() string
}

func NewOrchestrator(
	log *zap.Logger,
	registry domain.Registry,
	gates *GateController,
	promoter *Promoter,
	notifier domain.Notifier,
	recorder domain.RunRecorder,
	metrics domain.Metrics,
	cfg OrchestratorConfig,
) *Orchestrator {
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Orchestrator{
		log: log, registry: registry, gates: gates, promoter: promoter,
		notifier: notifier, recorder: recorder, metrics: metrics, cfg: cfg,
		retry: retrier{log: log, metrics: metrics, policy: cfg.Retry},
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// WithArchiver uploads every terminal run record to a.
func (o *Orchestrator) WithArchiver(a domain.RunArchiver) *Orchestrator {
	o.archiver = a
	return o
}

func (o *Orchestrator) Environments() []EnvironmentSpec {
	return append([]EnvironmentSpec(nil), o.cfg.Environments...)
}

// Run drives artifact a to a terminal status and returns the run record.
// Failures are reported through the record, not the error; the error is
// only set when the run could not be started at all.
func (o *Orchestrator) Run(ctx context.Context, a domain.ArtifactReference) (domain.RunSnapshot, error) {
	if len(o.cfg.Environments) == 0 {
		return domain.RunSnapshot{}, errors.New("no environments configured")
	}

	run := domain.NewPipelineRun(o.newID(), a, o.now())
	log := o.log.With(zap.String("run", run.ID))
	log.Info("pipeline started", zap.String("artifact", a.Image()))
	o.persist(ctx, run)

	t := &tracker{}
	gates := o.gates.ForRun()

	if a.Digest == "" {
		resolved, err := o.resolve(ctx, a)
		if err != nil {
			return o.fail(ctx, run, t, domain.StageResolveFailed, err), nil
		}
		a = resolved
		if err := run.SetArtifact(a); err != nil {
			return o.fail(ctx, run, t, domain.StageResolveFailed, err), nil
		}
		o.persist(ctx, run)
	}

	pre := []domain.Gate{{Kind: domain.GateScan}}
	for _, env := range o.cfg.Environments {
		pre = append(pre, domain.Gate{Kind: domain.GatePolicy, Environment: env.Name})
	}
	results, err := gates.RunSequence(ctx, run, pre)
	if err != nil {
		stage := domain.StagePolicyGateFailed
		if len(results) > 0 && strings.HasPrefix(results[len(results)-1].Gate, string(domain.GateScan)) {
			stage = domain.StageScanGateFailed
		}
		return o.fail(ctx, run, t, failStage(err, stage), err), nil
	}

	last := len(o.cfg.Environments) - 1
	for i, env := range o.cfg.Environments {
		production := i == last
		promoting, failed := domain.StageStagingPromoting, domain.StageStagingFailed
		if production {
			promoting, failed = domain.StageProductionPromoting, domain.StageProductionFailed
		}

		if i > 0 {
			// The previous hop is always staging-class, so losing it there
			// is a staging failure even though this hop was never touched.
			prev := o.cfg.Environments[i-1].Name
			st, err := o.promoter.State(ctx, prev)
			if err != nil {
				return o.fail(ctx, run, t, domain.StageStagingFailed, err), nil
			}
			switch {
			case st.CurrentArtifact != nil && !st.CurrentArtifact.Same(a):
				err := fmt.Errorf("%w: %s now runs %s", domain.ErrSuperseded, prev, st.CurrentArtifact.Image())
				return o.fail(ctx, run, t, domain.StageStagingFailed, err), nil
			case st.CurrentArtifact == nil || st.RolloutStatus != domain.RolloutHealthy:
				err := fmt.Errorf("%w: %s is not healthy on %s", domain.ErrRolloutFailed, a.Image(), prev)
				return o.fail(ctx, run, t, domain.StageStagingFailed, err), nil
			}
		}

		if env.RequireApproval {
			gate := domain.Gate{Kind: domain.GateApproval, Environment: env.Name, Timeout: env.ApprovalTimeout}
			if _, err := gates.RunGate(ctx, run, gate); err != nil {
				return o.fail(ctx, run, t, failStage(err, domain.StageApprovalDenied), err), nil
			}
		}

		if err := ctx.Err(); err != nil {
			return o.fail(ctx, run, t, domain.StageCancelled, fmt.Errorf("%w: %v", domain.ErrCancelled, err)), nil
		}
		if err := run.Enter(promoting); err != nil {
			return run.Snapshot(), err
		}

		_, attempt, err := o.promoter.Promote(ctx, env.Name, a)
		if attempt.Environment != "" {
			_ = run.AppendPromotion(attempt)
			o.persist(ctx, run)
		}
		if attempt.ApplyID != "" && !attempt.Skipped {
			t.touch(env.Name)
		}
		if err != nil {
			return o.fail(ctx, run, t, failStage(err, failed), err), nil
		}
	}

	_ = run.Finish(domain.RunSucceeded, domain.StageSucceeded, "", o.now())
	return o.complete(ctx, run, domain.EventSucceeded), nil
}

func (o *Orchestrator) resolve(ctx context.Context, a domain.ArtifactReference) (domain.ArtifactReference, error) {
	var out domain.ArtifactReference
	err := o.retry.do(ctx, "resolve digest", func() error {
		var err error
		out, err = o.registry.ResolveDigest(ctx, a.Repository, a.Tag)
		return err
	})
	if err != nil {
		return domain.ArtifactReference{}, fmt.Errorf("resolve %s:%s: %w", a.Repository, a.Tag, err)
	}
	if out.Digest == "" {
		return domain.ArtifactReference{}, fmt.Errorf("resolve %s:%s: %w", a.Repository, a.Tag, domain.ErrMissingDigest)
	}
	if out.Registry == "" {
		out.Registry = a.Registry
	}
	if out.Tag == "" {
		out.Tag = a.Tag
	}
	return out, nil
}

// fail rolls back every environment this run diverged and closes the run.
func (o *Orchestrator) fail(ctx context.Context, run *domain.PipelineRun, t *tracker, stage domain.Stage, cause error) domain.RunSnapshot {
	reason := cause.Error()
	rolledBack := false
	var rollbackErrs []string

	for _, env := range t.envs {
		st, err := o.promoter.State(ctx, env)
		if err != nil {
			rollbackErrs = append(rollbackErrs, err.Error())
			continue
		}
		if !st.Diverged() {
			continue
		}
		_, attempt, err := o.promoter.Rollback(context.WithoutCancel(ctx), env)
		if attempt.Environment != "" {
			_ = run.AppendPromotion(attempt)
		}
		if err != nil {
			rollbackErrs = append(rollbackErrs, err.Error())
			continue
		}
		rolledBack = true
	}

	kind := domain.EventFailed
	status := domain.RunFailed
	switch {
	case len(rollbackErrs) > 0:
		kind = domain.EventRollbackFailed
		reason = fmt.Sprintf("%s: %s; %s", stage, reason, strings.Join(rollbackErrs, "; "))
		stage = domain.StageRollbackFailed
		o.log.Error("rollback failed, operator intervention required",
			zap.String("run", run.ID), zap.String("reason", reason))
	case rolledBack:
		kind = domain.EventRolledBack
		status = domain.RunRolledBack
	}

	_ = run.Finish(status, stage, reason, o.now())
	return o.complete(ctx, run, kind)
}

func (o *Orchestrator) complete(ctx context.Context, run *domain.PipelineRun, kind domain.EventKind) domain.RunSnapshot {
	o.persist(ctx, run)
	snap := run.Snapshot()
	o.metrics.RunFinished(snap.Status, snap.Stage)

	fields := []zap.Field{
		zap.String("run", snap.ID),
		zap.String("artifact", snap.Artifact.Image()),
		zap.String("status", string(snap.Status)),
		zap.String("stage", string(snap.Stage)),
		zap.Duration("took", snap.FinishedAt.Sub(snap.StartedAt)),
	}
	if snap.Status == domain.RunSucceeded {
		o.log.Info("pipeline finished", fields...)
	} else {
		o.log.Warn("pipeline finished", append(fields, zap.String("reason", snap.Reason))...)
	}

	ev := domain.Event{
		Kind: kind, RunID: snap.ID, Artifact: snap.Artifact,
		Stage: snap.Stage, Reason: snap.Reason,
	}
	if g, ok := snap.FirstFailure(); ok {
		ev.Violations = g.Violations
	}

	bg := context.WithoutCancel(ctx)
	if o.notifier != nil {
		if err := o.notifier.Notify(bg, ev); err != nil {
			o.log.Warn("notification failed", zap.String("run", snap.ID), zap.Error(err))
		}
	}
	if o.archiver != nil {
		if err := o.archiver.Archive(bg, snap); err != nil {
			o.log.Warn("archive run record", zap.String("run", snap.ID), zap.Error(err))
		}
	}
	return snap
}

func (o *Orchestrator) persist(ctx context.Context, run *domain.PipelineRun) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.SaveRun(context.WithoutCancel(ctx), run.Snapshot()); err != nil {
		o.log.Error("persist run record", zap.String("run", run.ID), zap.Error(err))
	}
}

func failStage(err error, fallback domain.Stage) domain.Stage {
	if errors.Is(err, domain.ErrCancelled) {
		return domain.StageCancelled
	}
	return fallback
}

// tracker lists the environments a run has applied something to, in order.
type tracker struct {
	envs []string
}

func (t *tracker) touch(env string) {
	for _, e := range t.envs {
		if e == env {
			return
		}
	}
	t.envs = append(t.envs, env)
}
