package application

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Scheduler struct {
	log       *zap.Logger
	use       *WatchUseCase
	every     time.Duration
	pauseFile string

	mu      sync.RWMutex
	targets []Target
}

func NewScheduler(l *zap.Logger, u *WatchUseCase, targets []Target, every time.Duration, pauseFile string) *Scheduler {
	return &Scheduler{
		log: l, use: u, targets: targets, every: every, pauseFile: pauseFile,
	}
}

func (s *Scheduler) UpdateTargets(targets []Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = targets
	s.log.Info("targets reloaded", zap.Int("targets", len(targets)))
}

// Run polls until ctx is done, then waits for in-flight pipeline runs.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.every)
	defer t.Stop()
	defer s.use.Wait()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.isPaused() {
		s.log.Debug("paused: skipping poll")
		return
	}
	s.runAll(ctx)
}

func (s *Scheduler) isPaused() bool {
	if s.pauseFile == "" {
		return false
	}
	_, err := os.Stat(s.pauseFile)
	return err == nil
}

func (s *Scheduler) runAll(ctx context.Context) {
	s.mu.RLock()
	targets := make([]Target, len(s.targets))
	copy(targets, s.targets)
	s.mu.RUnlock()

	for _, t := range targets {
		if err := s.use.PollOnce(ctx, t); err != nil {
			s.log.Warn("poll failed",
				zap.String("repository", t.Repository),
				zap.String("tag", t.Tag),
				zap.Error(err),
			)
		}
	}
}
