package application

import (
	"context"
	"sync"

	"github.com/davarch/deploy-gate/internal/domain"
	"go.uber.org/zap"
)

type Target struct {
	Repository string
	Tag        string
}

// Runner starts a pipeline run for an artifact.
type Runner interface {
	Run(ctx context.Context, a domain.ArtifactReference) (domain.RunSnapshot, error)
}

// WatchUseCase starts a pipeline run whenever a watched tag resolves to a
// new digest. Runs for different artifacts proceed concurrently.
type WatchUseCase struct {
	log      *zap.Logger
	registry domain.Registry
	runner   Runner

	mu   sync.Mutex
	last map[Target]string
	wg   sync.WaitGroup
}

func NewWatchUseCase(log *zap.Logger, registry domain.Registry, runner Runner) *WatchUseCase {
	return &WatchUseCase{
		log: log, registry: registry, runner: runner,
		last: make(map[Target]string),
	}
}

func (uc *WatchUseCase) PollOnce(ctx context.Context, t Target) error {
	a, err := uc.registry.ResolveDigest(ctx, t.Repository, t.Tag)
	if err != nil {
		return err
	}
	if a.Tag == "" {
		a.Tag = t.Tag
	}

	uc.mu.Lock()
	prev, ok := uc.last[t]
	changed := !ok || prev != a.Digest
	if changed {
		uc.last[t] = a.Digest
	}
	uc.mu.Unlock()

	if !changed {
		return nil
	}

	uc.log.Info("new digest", zap.String("repository", t.Repository), zap.String("tag", t.Tag), zap.String("digest", a.Digest))

	uc.wg.Add(1)
	go func() {
		defer uc.wg.Done()
		snap, err := uc.runner.Run(ctx, a)
		if err != nil {
			uc.log.Error("pipeline not started", zap.String("artifact", a.Image()), zap.Error(err))
			return
		}
		uc.log.Info("pipeline done",
			zap.String("run", snap.ID),
			zap.String("status", string(snap.Status)),
			zap.String("stage", string(snap.Stage)),
		)
	}()

	return nil
}

// Wait blocks until every started run is terminal.
func (uc *WatchUseCase) Wait() { uc.wg.Wait() }
