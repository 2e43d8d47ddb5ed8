package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
	"go.uber.org/zap"
)

type countingRunner struct {
	mu    sync.Mutex
	calls []domain.ArtifactReference
}

func (r *countingRunner) Run(ctx context.Context, a domain.ArtifactReference) (domain.RunSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, a)
	return domain.RunSnapshot{ID: "r", Status: domain.RunSucceeded}, nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestPollOnce_NewDigestStartsRun(t *testing.T) {
	reg := &domain.MockRegistry{Artifact: domain.ArtifactReference{Repository: "app", Digest: "sha256:1"}}
	runner := &countingRunner{}
	uc := NewWatchUseCase(zap.NewNop(), reg, runner)

	if err := uc.PollOnce(context.Background(), Target{Repository: "app", Tag: "main"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	uc.Wait()

	if runner.count() != 1 {
		t.Fatalf("expected 1 run, got %d", runner.count())
	}
	if runner.calls[0].Tag != "main" {
		t.Errorf("tag not carried over: %+v", runner.calls[0])
	}
}

func TestPollOnce_SameDigestDoesNothing(t *testing.T) {
	reg := &domain.MockRegistry{Artifact: domain.ArtifactReference{Repository: "app", Digest: "sha256:1"}}
	runner := &countingRunner{}
	uc := NewWatchUseCase(zap.NewNop(), reg, runner)
	target := Target{Repository: "app", Tag: "main"}

	_ = uc.PollOnce(context.Background(), target)
	_ = uc.PollOnce(context.Background(), target)
	uc.Wait()

	if runner.count() != 1 {
		t.Errorf("expected 1 run total, got %d", runner.count())
	}

	reg.Artifact.Digest = "sha256:2"
	_ = uc.PollOnce(context.Background(), target)
	uc.Wait()
	if runner.count() != 2 {
		t.Errorf("expected a run for the new digest, got %d", runner.count())
	}
}

func TestScheduler_PauseFileSkipsPolling(t *testing.T) {
	pause := t.TempDir() + "/paused"
	reg := &domain.MockRegistry{Artifact: domain.ArtifactReference{Repository: "app", Digest: "sha256:1"}}
	runner := &countingRunner{}
	uc := NewWatchUseCase(zap.NewNop(), reg, runner)
	s := NewScheduler(zap.NewNop(), uc, []Target{{Repository: "app", Tag: "main"}}, time.Hour, pause)

	if err := writeFile(pause); err != nil {
		t.Fatal(err)
	}
	s.tick(context.Background())
	if reg.Called != 0 {
		t.Errorf("registry polled while paused")
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	reg := &domain.MockRegistry{Artifact: domain.ArtifactReference{Repository: "app", Digest: "sha256:1"}}
	runner := &countingRunner{}
	uc := NewWatchUseCase(zap.NewNop(), reg, runner)
	s := NewScheduler(zap.NewNop(), uc, []Target{{Repository: "app", Tag: "main"}}, time.Hour, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if runner.count() != 1 {
		t.Errorf("expected the first tick to start a run, got %d", runner.count())
	}
}
