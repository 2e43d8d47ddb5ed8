package scanner_http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
)

var art = domain.ArtifactReference{Registry: "registry.local", Repository: "app", Digest: "sha256:aaa"}

func TestScan_DecodesFindings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("image") != "registry.local/app@sha256:aaa" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"findings":[{"id":"CVE-1","severity":"critical","package":"openssl"},{"id":"CVE-2","severity":"LOW"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok", time.Second)
	findings, err := c.Scan(context.Background(), art)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(findings))
	}
	if findings[0].Severity != domain.SeverityCritical || findings[0].Package != "openssl" {
		t.Errorf("unexpected finding %+v", findings[0])
	}
}

func TestScan_ClassifiesErrors(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := New(srv.URL, "", time.Second).Scan(context.Background(), art)
		srv.Close()

		if err == nil {
			t.Fatalf("%d: expected error", tc.status)
		}
		if domain.IsTransient(err) != tc.transient {
			t.Errorf("%d: transient=%v, want %v", tc.status, domain.IsTransient(err), tc.transient)
		}
	}
}

func TestScan_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).Scan(context.Background(), art)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestScan_ConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(url, "", time.Second).Scan(context.Background(), art)
	if !domain.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}
