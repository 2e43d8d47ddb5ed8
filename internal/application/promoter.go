package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
	"go.uber.org/zap"
)

type PromoterConfig struct {
	Timeout      time.Duration
	PollInterval time.Duration
	Retry        RetryPolicy
}

// Promoter drives the apply and verify cycle for one environment at a time.
// EnvironmentState is only written here, under the environment's lock.
type Promoter struct {
	log      *zap.Logger
	cluster  domain.Cluster
	renderer domain.DescriptorRenderer
	store    domain.EnvironmentStore
	metrics  domain.Metrics
	cfg      PromoterConfig
	retry    retrier
	now      func() time.Time

	mu     sync.Mutex
	locks  map[string]chan struct{}
	states map[string]domain.EnvironmentState
}

func NewPromoter(
	log *zap.Logger,
	cluster domain.Cluster,
	renderer domain.DescriptorRenderer,
	store domain.EnvironmentStore,
	metrics domain.Metrics,
	cfg PromoterConfig,
) *Promoter {
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Promoter{
		log: log, cluster: cluster, renderer: renderer, store: store,
		metrics: metrics, cfg: cfg,
		retry:  retrier{log: log, metrics: metrics, policy: cfg.Retry},
		now:    time.Now,
		locks:  make(map[string]chan struct{}),
		states: make(map[string]domain.EnvironmentState),
	}
}

// State returns a copy of the environment's current state.
func (p *Promoter) State(ctx context.Context, env string) (domain.EnvironmentState, error) {
	p.mu.Lock()
	st, ok := p.states[env]
	p.mu.Unlock()
	if ok {
		return st.Clone(), nil
	}

	st = domain.EnvironmentState{Environment: env, RolloutStatus: domain.RolloutPending}
	if p.store != nil {
		loaded, err := p.store.LoadEnvironment(ctx, env)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.EnvironmentState{}, fmt.Errorf("load %s state: %w", env, err)
		}
		if err == nil {
			st = loaded
			st.Environment = env
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.states[env]; ok {
		return cur.Clone(), nil
	}
	p.states[env] = st
	return st.Clone(), nil
}

// lock blocks until the environment is free or ctx is done.
func (p *Promoter) lock(ctx context.Context, env string) (func(), error) {
	p.mu.Lock()
	l, ok := p.locks[env]
	if !ok {
		l = make(chan struct{}, 1)
		p.locks[env] = l
	}
	p.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for %s: %v", domain.ErrCancelled, env, ctx.Err())
	}
}

// Promote rolls artifact a out to env. Promoting the artifact that is
// already current and healthy only re-verifies health.
func (p *Promoter) Promote(ctx context.Context, env string, a domain.ArtifactReference) (domain.EnvironmentState, domain.PromotionAttempt, error) {
	unlock, err := p.lock(ctx, env)
	if err != nil {
		return domain.EnvironmentState{}, domain.PromotionAttempt{}, err
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return domain.EnvironmentState{}, domain.PromotionAttempt{}, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}

	st, err := p.State(ctx, env)
	if err != nil {
		return domain.EnvironmentState{}, domain.PromotionAttempt{}, err
	}

	// From here the cycle runs to a terminal rollout status even if the
	// caller is cancelled.
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	defer cancel()

	if st.CurrentArtifact != nil && st.CurrentArtifact.Same(a) && st.RolloutStatus == domain.RolloutHealthy && st.ApplyID != "" {
		status, err := p.status(work, env, st.ApplyID)
		if err == nil && status == domain.RolloutHealthy {
			at := p.now()
			attempt := domain.PromotionAttempt{
				Environment: env, Artifact: a, ApplyID: st.ApplyID,
				Status: domain.RolloutHealthy, Skipped: true, StartedAt: at, FinishedAt: at,
			}
			p.log.Info("artifact already healthy, apply skipped",
				zap.String("environment", env), zap.String("artifact", a.Image()))
			p.metrics.PromotionFinished(env, false, domain.RolloutHealthy)
			return st, attempt, nil
		}
		p.log.Warn("current artifact no longer healthy, re-applying",
			zap.String("environment", env), zap.String("status", string(status)), zap.Error(err))
	}

	st, attempt := p.cycle(work, st, a, false)
	if attempt.Status != domain.RolloutHealthy {
		return st, attempt, fmt.Errorf("%w: %s: %s", domain.ErrRolloutFailed, env, attempt.Reason)
	}
	return st, attempt, nil
}

// Rollback re-applies the environment's last known good artifact.
func (p *Promoter) Rollback(ctx context.Context, env string) (domain.EnvironmentState, domain.PromotionAttempt, error) {
	unlock, err := p.lock(ctx, env)
	if err != nil {
		return domain.EnvironmentState{}, domain.PromotionAttempt{}, err
	}
	defer unlock()

	st, err := p.State(ctx, env)
	if err != nil {
		return domain.EnvironmentState{}, domain.PromotionAttempt{}, fmt.Errorf("%w: %v", domain.ErrRollbackFailed, err)
	}
	if st.LastKnownGoodArtifact == nil {
		return st, domain.PromotionAttempt{Environment: env, Rollback: true, Status: domain.RolloutFailed, Reason: domain.ErrNoLastKnownGood.Error()},
			fmt.Errorf("%w: %s: %w", domain.ErrRollbackFailed, env, domain.ErrNoLastKnownGood)
	}

	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	defer cancel()

	target := *st.LastKnownGoodArtifact
	p.log.Warn("rolling back", zap.String("environment", env), zap.String("artifact", target.Image()))

	st, attempt := p.cycle(work, st, target, true)
	if attempt.Status != domain.RolloutHealthy {
		return st, attempt, fmt.Errorf("%w: %s: %s", domain.ErrRollbackFailed, env, attempt.Reason)
	}
	return st, attempt, nil
}

func (p *Promoter) cycle(ctx context.Context, st domain.EnvironmentState, a domain.ArtifactReference, rollback bool) (domain.EnvironmentState, domain.PromotionAttempt) {
	env := st.Environment
	attempt := domain.PromotionAttempt{
		Environment: env, Artifact: a, Rollback: rollback,
		Status: domain.RolloutPending, StartedAt: p.now(),
	}
	applied := false
	finish := func(status domain.RolloutStatus, reason string) (domain.EnvironmentState, domain.PromotionAttempt) {
		attempt.Status = status
		attempt.Reason = reason
		attempt.FinishedAt = p.now()
		// A render or apply failure leaves the cluster as it was, so the
		// recorded state stays as it was too.
		if applied {
			st.RolloutStatus = status
			st.UpdatedAt = attempt.FinishedAt
			if status == domain.RolloutHealthy {
				ref := a
				st.CurrentArtifact = &ref
				good := a
				st.LastKnownGoodArtifact = &good
			}
			p.save(ctx, st)
		}
		p.metrics.PromotionFinished(env, rollback, status)

		fields := []zap.Field{
			zap.String("environment", env),
			zap.String("artifact", a.Image()),
			zap.Bool("rollback", rollback),
			zap.String("status", string(status)),
			zap.Duration("took", attempt.FinishedAt.Sub(attempt.StartedAt)),
		}
		if status == domain.RolloutHealthy {
			p.log.Info("rollout healthy", fields...)
		} else {
			p.log.Warn("rollout failed", append(fields, zap.String("reason", reason))...)
		}
		return st.Clone(), attempt
	}

	d, err := p.renderer.Render(env, a)
	if err != nil {
		return finish(domain.RolloutFailed, "render: "+err.Error())
	}

	var applyID string
	err = p.retry.do(ctx, "apply", func() error {
		var err error
		applyID, err = p.cluster.Apply(ctx, env, d)
		return err
	})
	if err != nil {
		return finish(domain.RolloutFailed, "apply: "+err.Error())
	}

	applied = true
	ref := a
	st.LastApplied = &ref
	st.ApplyID = applyID
	st.RolloutStatus = domain.RolloutProgressing
	st.UpdatedAt = p.now()
	p.save(ctx, st)
	attempt.ApplyID = applyID

	status, err := p.await(ctx, env, applyID)
	if err != nil {
		return finish(domain.RolloutFailed, err.Error())
	}
	if status != domain.RolloutHealthy {
		return finish(domain.RolloutFailed, "rollout reported "+string(status))
	}
	return finish(domain.RolloutHealthy, "")
}

func (p *Promoter) await(ctx context.Context, env, applyID string) (domain.RolloutStatus, error) {
	t := time.NewTicker(p.cfg.PollInterval)
	defer t.Stop()

	for {
		status, err := p.status(ctx, env, applyID)
		if err != nil {
			return domain.RolloutFailed, err
		}
		if status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return domain.RolloutFailed, fmt.Errorf("rollout did not converge within %s", p.cfg.Timeout)
		case <-t.C:
		}
	}
}

func (p *Promoter) status(ctx context.Context, env, applyID string) (domain.RolloutStatus, error) {
	var status domain.RolloutStatus
	err := p.retry.do(ctx, "rollout status", func() error {
		var err error
		status, err = p.cluster.RolloutStatus(ctx, env, applyID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("rollout status: %w", err)
	}
	return status, nil
}

func (p *Promoter) save(ctx context.Context, st domain.EnvironmentState) {
	p.mu.Lock()
	p.states[st.Environment] = st.Clone()
	p.mu.Unlock()

	if p.store == nil {
		return
	}
	if err := p.store.SaveEnvironment(context.WithoutCancel(ctx), st); err != nil {
		p.log.Error("persist environment state", zap.String("environment", st.Environment), zap.Error(err))
	}
}
