package approval_redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix   = "deploy-gate:approval:"
	decisionTTL = 7 * 24 * time.Hour
	defaultPoll = 2 * time.Second
	opTimeout   = 2 * time.Second
)

// Source reads approval decisions that operators publish under
// deploy-gate:approval:<env>:<digest>.
type Source struct {
	client *redis.Client
	log    *zap.Logger
	poll   time.Duration
}

func New(addr, password string, db int, poll time.Duration, log *zap.Logger) (*Source, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewWithClient(client, poll, log), nil
}

func NewWithClient(client *redis.Client, poll time.Duration, log *zap.Logger) *Source {
	if poll <= 0 {
		poll = defaultPoll
	}
	return &Source{client: client, log: log, poll: poll}
}

func Key(env, digest string) string {
	return keyPrefix + env + ":" + digest
}

// AwaitApproval blocks until a decision for the artifact digest in env is
// published or ctx is done.
func (s *Source) AwaitApproval(ctx context.Context, a domain.ArtifactReference, env string) (domain.ApprovalDecision, error) {
	if a.Digest == "" {
		return "", domain.ErrMissingDigest
	}
	key := Key(env, a.Digest)
	s.log.Info("waiting for approval", zap.String("environment", env), zap.String("key", key))

	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		decision, err := s.lookup(ctx, key)
		if err != nil {
			return "", err
		}
		if decision != "" {
			s.log.Info("approval decided", zap.String("environment", env), zap.String("decision", string(decision)))
			return decision, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Source) lookup(ctx context.Context, key string) (domain.ApprovalDecision, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	v, err := s.client.Get(opCtx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", nil
	case err != nil:
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Connection hiccups should not end the wait.
		s.log.Warn("approval lookup failed", zap.String("key", key), zap.Error(err))
		return "", nil
	}

	switch domain.ApprovalDecision(strings.ToLower(strings.TrimSpace(v))) {
	case domain.Approved:
		return domain.Approved, nil
	case domain.Denied:
		return domain.Denied, nil
	}
	return "", fmt.Errorf("unrecognised approval value %q at %s", v, key)
}

// Publish records an operator decision.
func (s *Source) Publish(ctx context.Context, env, digest string, decision domain.ApprovalDecision) error {
	if digest == "" {
		return domain.ErrMissingDigest
	}
	if decision != domain.Approved && decision != domain.Denied {
		return fmt.Errorf("invalid decision %q", decision)
	}
	if err := s.client.Set(ctx, Key(env, digest), string(decision), decisionTTL).Err(); err != nil {
		return fmt.Errorf("publish approval: %w", err)
	}
	return nil
}

func (s *Source) Close() error { return s.client.Close() }
