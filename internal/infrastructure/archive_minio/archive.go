package archive_minio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

func (c Config) Validate() error {
	switch {
	case c.Endpoint == "":
		return errors.New("archive endpoint is required")
	case c.Bucket == "":
		return errors.New("archive bucket is required")
	case c.AccessKey == "" || c.SecretKey == "":
		return errors.New("archive credentials are required")
	}
	return nil
}

// putter is the slice of *minio.Client the archiver needs.
type putter interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver uploads terminal run records as runs/<yyyy>/<mm>/<dd>/<id>.json.
type Archiver struct {
	client putter
	bucket string
	region string
}

func New(cfg Config) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.Secure,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Archiver{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	return a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region})
}

func (a *Archiver) Archive(ctx context.Context, r domain.RunSnapshot) error {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = a.client.PutObject(ctx, a.bucket, objectName(r), bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"run-status": string(r.Status),
				"run-stage":  string(r.Stage),
			},
		})
	if err != nil {
		return fmt.Errorf("upload run %s: %w", r.ID, err)
	}
	return nil
}

func objectName(r domain.RunSnapshot) string {
	at := r.FinishedAt
	if at.IsZero() {
		at = r.StartedAt
	}
	return path.Join("runs", at.UTC().Format("2006/01/02"), r.ID+".json")
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
