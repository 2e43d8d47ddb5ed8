package registry_docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// Client resolves tags to digests through the Docker daemon's
// distribution endpoint, so private registries use the daemon's credentials.
type Client struct {
	inner           *client.Client
	defaultRegistry string
}

func New(host, defaultRegistry string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner, defaultRegistry: strings.TrimSuffix(defaultRegistry, "/")}, nil
}

func (c *Client) ResolveDigest(ctx context.Context, repository, tag string) (domain.ArtifactReference, error) {
	registry, repo := splitRepository(repository)
	if registry == "" {
		registry = c.defaultRegistry
	}
	if tag == "" {
		tag = "latest"
	}

	ref := repo + ":" + tag
	if registry != "" {
		ref = registry + "/" + ref
	}

	info, err := c.inner.DistributionInspect(ctx, ref, "")
	if err != nil {
		return domain.ArtifactReference{}, classify(ref, err)
	}

	return domain.ArtifactReference{
		Registry:   registry,
		Repository: repo,
		Tag:        tag,
		Digest:     info.Descriptor.Digest.String(),
	}, nil
}

func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

func classify(ref string, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w", ref, domain.ErrNotFound)
	case errdefs.IsUnavailable(err), errdefs.IsDeadline(err), errdefs.IsSystem(err), client.IsErrConnectionFailed(err):
		return domain.Transient("resolve "+ref, err)
	default:
		return fmt.Errorf("resolve %s: %w", ref, err)
	}
}

// splitRepository separates a registry host from the repository path.
// The first segment is a host when it has a dot or port, or is localhost.
func splitRepository(repository string) (string, string) {
	first, rest, ok := strings.Cut(repository, "/")
	if !ok {
		return "", repository
	}
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return first, rest
	}
	return "", repository
}
