package cache_fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
)

func TestStore_SaveRunCreatesFile(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)

	run := domain.NewPipelineRun("run-1", domain.ArtifactReference{Repository: "app", Tag: "v1", Digest: "sha256:a"}, time.Now())
	if err := c.SaveRun(context.Background(), run.Snapshot()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "runs", "run-1.json")); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	got, err := c.LoadRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Artifact.Digest != "sha256:a" || got.Stage != domain.StageBuilt {
		t.Errorf("unexpected run %+v", got)
	}
}

func TestStore_EnvironmentRoundTrip(t *testing.T) {
	c := New(t.TempDir())
	ctx := context.Background()

	if _, err := c.LoadEnvironment(ctx, "production"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	good := domain.ArtifactReference{Repository: "app", Digest: "sha256:good"}
	st := domain.EnvironmentState{
		Environment:           "production",
		CurrentArtifact:       &good,
		LastKnownGoodArtifact: &good,
		RolloutStatus:         domain.RolloutHealthy,
	}
	if err := c.SaveEnvironment(ctx, st); err != nil {
		t.Fatal(err)
	}
	got, err := c.LoadEnvironment(ctx, "production")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastKnownGoodArtifact == nil || got.LastKnownGoodArtifact.Digest != "sha256:good" {
		t.Errorf("lkg not persisted: %+v", got)
	}
}

func TestStore_EmptyDir(t *testing.T) {
	c := New("")
	if err := c.SaveEnvironment(context.Background(), domain.EnvironmentState{Environment: "x"}); err == nil {
		t.Error("expected error for empty dir")
	}
}
