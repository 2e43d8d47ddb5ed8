package store_postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store persists pipeline runs and environment state in Postgres.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// Open connects, pings and applies pending migrations.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool, log: log}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := goose.UpContext(runCtx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	s.log.Debug("migrations applied")
	return nil
}

func (s *Store) SaveRun(ctx context.Context, r domain.RunSnapshot) error {
	record, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	var finished *time.Time
	if !r.FinishedAt.IsZero() {
		finished = &r.FinishedAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (id, repository, digest, stage, status, reason, record, started_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
			digest = EXCLUDED.digest,
			stage = EXCLUDED.stage,
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			record = EXCLUDED.record,
			finished_at = EXCLUDED.finished_at,
			updated_at = now()`,
		r.ID, r.Artifact.Repository, r.Artifact.Digest, string(r.Stage), string(r.Status), r.Reason,
		record, r.StartedAt, finished)
	if err != nil {
		return domain.Transient("save run", err)
	}
	return nil
}

func (s *Store) LoadRun(ctx context.Context, id string) (domain.RunSnapshot, error) {
	var (
		r      domain.RunSnapshot
		record []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT record FROM pipeline_runs WHERE id = $1`, id).Scan(&record)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
		}
		return r, fmt.Errorf("load run: %w", err)
	}
	if err := json.Unmarshal(record, &r); err != nil {
		return r, fmt.Errorf("decode run: %w", err)
	}
	return r, nil
}

func (s *Store) LoadEnvironment(ctx context.Context, env string) (domain.EnvironmentState, error) {
	var (
		st  domain.EnvironmentState
		raw []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT state FROM environment_states WHERE environment = $1`, env).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return st, fmt.Errorf("environment %s: %w", env, domain.ErrNotFound)
		}
		return st, fmt.Errorf("load environment: %w", err)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("decode environment: %w", err)
	}
	return st, nil
}

func (s *Store) SaveEnvironment(ctx context.Context, st domain.EnvironmentState) error {
	if st.Environment == "" {
		return errors.New("environment name is empty")
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode environment: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO environment_states (environment, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (environment) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		st.Environment, raw)
	if err != nil {
		return domain.Transient("save environment", err)
	}
	return nil
}

func (s *Store) Close() { s.pool.Close() }
