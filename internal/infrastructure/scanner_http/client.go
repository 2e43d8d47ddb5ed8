package scanner_http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
)

// Client talks to a vulnerability scanner service exposing
// GET /api/v1/scan?image=<ref>. Retrying is left to the caller; failures
// worth retrying come back marked transient.
type Client struct {
	baseUrl string
	token   string
	hc      *http.Client
}

func New(baseUrl string, token string, timeout time.Duration) *Client {
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseUrl: trimSlash(baseUrl),
		token:   token,
		hc:      &http.Client{Transport: tr, Timeout: timeout},
	}
}

type findingDTO struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Package  string `json:"package"`
}

type reportDTO struct {
	Findings []findingDTO `json:"findings"`
}

func (c *Client) Scan(ctx context.Context, a domain.ArtifactReference) ([]domain.Finding, error) {
	scanURL := fmt.Sprintf("%s/api/v1/scan?image=%s", c.baseUrl, url.QueryEscape(a.Image()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scanURL, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, domain.Transient("scan", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, _ := strconv.Atoi(ra); sec > 0 {
				select {
				case <-time.After(time.Duration(sec) * time.Second):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
		return nil, domain.Transient("scan", fmt.Errorf("scanner 429"))
	}

	if resp.StatusCode >= 500 {
		return nil, domain.Transient("scan", fmt.Errorf("scanner %s", resp.Status))
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("scan %s: %w", a.Image(), domain.ErrNotFound)
	}

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("scanner %s", resp.Status)
	}

	var report reportDTO
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode scan report: %w", err)
	}

	out := make([]domain.Finding, 0, len(report.Findings))
	for _, f := range report.Findings {
		sev, _ := domain.ParseSeverity(f.Severity)
		out = append(out, domain.Finding{ID: f.ID, Severity: sev, Package: f.Package})
	}
	return out, nil
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
