package archive_minio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/minio/minio-go/v7"
)

type fakeBucket struct {
	exists  bool
	made    bool
	objects map[string][]byte
	meta    map[string]map[string]string
	err     error
}

func (f *fakeBucket) BucketExists(context.Context, string) (bool, error) { return f.exists, f.err }

func (f *fakeBucket) MakeBucket(context.Context, string, minio.MakeBucketOptions) error {
	f.made = true
	return f.err
}

func (f *fakeBucket) PutObject(_ context.Context, _, object string, r io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	b, _ := io.ReadAll(r)
	if f.objects == nil {
		f.objects = map[string][]byte{}
		f.meta = map[string]map[string]string{}
	}
	f.objects[object] = b
	f.meta[object] = opts.UserMetadata
	return minio.UploadInfo{Key: object, Size: int64(len(b))}, nil
}

func TestArchive_UploadsRunRecord(t *testing.T) {
	fb := &fakeBucket{}
	a := &Archiver{client: fb, bucket: "runs"}

	finished := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	snap := domain.RunSnapshot{ID: "r1", Status: domain.RunRolledBack, Stage: domain.StageProductionFailed, FinishedAt: finished}
	if err := a.Archive(context.Background(), snap); err != nil {
		t.Fatal(err)
	}

	body, ok := fb.objects["runs/2026/03/04/r1.json"]
	if !ok {
		t.Fatalf("object not stored: %v", fb.objects)
	}
	var got domain.RunSnapshot
	if err := json.Unmarshal(body, &got); err != nil || got.ID != "r1" {
		t.Errorf("bad body %s: %v", body, err)
	}
	if fb.meta["runs/2026/03/04/r1.json"]["run-status"] != string(domain.RunRolledBack) {
		t.Errorf("metadata %v", fb.meta)
	}
}

func TestArchive_PropagatesUploadError(t *testing.T) {
	a := &Archiver{client: &fakeBucket{err: errors.New("boom")}, bucket: "runs"}
	if err := a.Archive(context.Background(), domain.RunSnapshot{ID: "r1"}); err == nil {
		t.Error("expected error")
	}
}

func TestEnsureBucket(t *testing.T) {
	fb := &fakeBucket{}
	a := &Archiver{client: fb, bucket: "runs"}
	if err := a.EnsureBucket(context.Background()); err != nil || !fb.made {
		t.Errorf("bucket not created: %v", err)
	}

	fb = &fakeBucket{exists: true}
	a.client = fb
	if err := a.EnsureBucket(context.Background()); err != nil || fb.made {
		t.Errorf("existing bucket recreated: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Error("expected error for empty config")
	}
	ok := Config{Endpoint: "minio:9000", Bucket: "runs", AccessKey: "a", SecretKey: "b"}
	if err := ok.Validate(); err != nil {
		t.Error(err)
	}
}
