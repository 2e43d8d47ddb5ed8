package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store holds the process wide ruleset. A loaded ruleset is never mutated;
// Reload swaps in a freshly parsed one, so in-flight evaluations keep the
// rules they started with.
type Store struct {
	log  *zap.Logger
	path string
	cur  atomic.Pointer[RuleSet]
}

// NewStore loads rules from path, or the built-in rules when path is empty.
func NewStore(log *zap.Logger, path string) (*Store, error) {
	s := &Store{log: log, path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Reload() error {
	if s.path == "" {
		rs := Default()
		s.cur.Store(&rs)
		return nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read rules: %w", err)
	}
	rs, err := Parse(b)
	if err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.cur.Store(&rs)
	s.log.Info("policy rules loaded", zap.String("path", s.path), zap.Int("rules", len(rs.Rules)))
	return nil
}

func (s *Store) Rules() RuleSet { return *s.cur.Load() }

// Snapshot returns an evaluator bound to the rules loaded right now. Later
// reloads do not affect it.
func (s *Store) Snapshot() domain.PolicyEvaluator { return s.Rules() }

func (s *Store) Evaluate(d domain.DeploymentDescriptor) domain.GateResult {
	return Evaluate(d, s.Rules())
}

// Watch reloads the rules file whenever it changes until ctx is done. A
// rules file that fails to parse leaves the previous ruleset in place.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer func() { _ = w.Close() }()

		var timer *time.Timer
		fire := func() {
			if err := s.Reload(); err != nil {
				s.log.Warn("policy reload failed, keeping previous rules", zap.Error(err))
			}
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(300*time.Millisecond, fire)
				} else {
					timer.Reset(300 * time.Millisecond)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()

	return nil
}
