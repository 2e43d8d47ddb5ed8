package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/davarch/deploy-gate/internal/application"
	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/davarch/deploy-gate/internal/infrastructure/approval_redis"
	"github.com/davarch/deploy-gate/internal/infrastructure/archive_minio"
	"github.com/davarch/deploy-gate/internal/infrastructure/cache_fs"
	"github.com/davarch/deploy-gate/internal/infrastructure/cluster_k8s"
	"github.com/davarch/deploy-gate/internal/infrastructure/config"
	"github.com/davarch/deploy-gate/internal/infrastructure/descriptor_tmpl"
	"github.com/davarch/deploy-gate/internal/infrastructure/metrics_prom"
	"github.com/davarch/deploy-gate/internal/infrastructure/notify_libnotify"
	"github.com/davarch/deploy-gate/internal/infrastructure/registry_docker"
	"github.com/davarch/deploy-gate/internal/infrastructure/scanner_http"
	"github.com/davarch/deploy-gate/internal/infrastructure/store_postgres"
	"github.com/davarch/deploy-gate/internal/policy"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type store interface {
	domain.RunRecorder
	domain.EnvironmentStore
	runLoader
}

type runLoader interface {
	LoadRun(ctx context.Context, id string) (domain.RunSnapshot, error)
}

// pipeline holds everything a run needs. Close releases connections.
type pipeline struct {
	orchestrator *application.Orchestrator
	promoter     *application.Promoter
	registry     domain.Registry
	rules        *policy.Store
	closers      []func()
}

func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		s, err := store_postgres.Open(ctx, cfg.Store.DatabaseURL, log)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return cache_fs.New(cfg.Store.Dir), func() {}, nil
	}
}

func newRenderer(cfg config.Config) (*descriptor_tmpl.Renderer, error) {
	envs := make([]descriptor_tmpl.Environment, 0, len(cfg.Pipeline.Environments))
	for _, e := range cfg.Pipeline.Environments {
		envs = append(envs, descriptor_tmpl.Environment{
			Name: e.Name, Namespace: e.Namespace, Template: e.Template, File: e.TemplateFile,
		})
	}
	return descriptor_tmpl.New(envs)
}

func newCluster(cfg config.Config, log *zap.Logger) (*cluster_k8s.Cluster, error) {
	namespaces := make(map[string]string, len(cfg.Pipeline.Environments))
	for _, e := range cfg.Pipeline.Environments {
		namespaces[e.Name] = e.Namespace
	}
	return cluster_k8s.New(cfg.Cluster.Kubeconfig, namespaces, log)
}

func newApprovals(cfg config.Config, log *zap.Logger) (*approval_redis.Source, error) {
	if cfg.Approval.RedisAddr == "" {
		return nil, errors.New("approval.redis_addr is required")
	}
	return approval_redis.New(cfg.Approval.RedisAddr, cfg.Approval.RedisPassword, cfg.Approval.RedisDB,
		cfg.Approval.PollInterval, log)
}

func retryPolicy(cfg config.Config) application.RetryPolicy {
	return application.RetryPolicy{
		Attempts: cfg.Pipeline.Retry.Attempts,
		Initial:  cfg.Pipeline.Retry.Initial,
		Max:      cfg.Pipeline.Retry.Max,
	}
}

func newPromoter(cfg config.Config, log *zap.Logger, st store, metrics domain.Metrics) (*application.Promoter, error) {
	renderer, err := newRenderer(cfg)
	if err != nil {
		return nil, err
	}
	cluster, err := newCluster(cfg, log)
	if err != nil {
		return nil, err
	}
	return application.NewPromoter(log, cluster, renderer, st, metrics, application.PromoterConfig{
		Timeout:      cfg.Pipeline.PromotionTimeout,
		PollInterval: cfg.Pipeline.PollInterval,
		Retry:        retryPolicy(cfg),
	}), nil
}

func buildPipeline(ctx context.Context, cfg config.Config, log *zap.Logger, reg prometheus.Registerer) (*pipeline, error) {
	p := &pipeline{}
	ok := false
	defer func() {
		if !ok {
			p.Close()
		}
	}()

	var metrics domain.Metrics = domain.NopMetrics{}
	if reg != nil {
		m, err := metrics_prom.New(reg)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		metrics = m
	}

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	p.closers = append(p.closers, closeStore)

	registry, err := registry_docker.New(cfg.Registry.Host, cfg.Registry.Default)
	if err != nil {
		return nil, err
	}
	p.registry = registry
	p.closers = append(p.closers, func() { _ = registry.Close() })

	if strings.TrimSpace(cfg.Scanner.BaseURL) == "" {
		return nil, errors.New("scanner.base_url is required")
	}
	scanner := scanner_http.New(cfg.Scanner.BaseURL, cfg.Scanner.Token, cfg.Scanner.Timeout)

	rules, err := policy.NewStore(log, cfg.Policy.RulesFile)
	if err != nil {
		return nil, err
	}
	p.rules = rules

	renderer, err := newRenderer(cfg)
	if err != nil {
		return nil, err
	}

	envs := make([]application.EnvironmentSpec, 0, len(cfg.Pipeline.Environments))
	needApprovals := false
	for i, e := range cfg.Pipeline.Environments {
		spec := application.EnvironmentSpec{
			Name:            e.Name,
			RequireApproval: cfg.RequiresApproval(i),
			ApprovalTimeout: e.ApprovalTimeout,
		}
		needApprovals = needApprovals || spec.RequireApproval
		envs = append(envs, spec)
	}

	var approvals domain.ApprovalSource
	if needApprovals {
		src, err := newApprovals(cfg, log)
		if err != nil {
			return nil, err
		}
		approvals = src
		p.closers = append(p.closers, func() { _ = src.Close() })
	}

	threshold, _ := domain.ParseSeverity(cfg.Pipeline.SeverityThreshold)
	gates := application.NewGateController(log, scanner, renderer, rules, approvals, st, metrics, application.GateConfig{
		SeverityThreshold: threshold,
		SoftScan:          cfg.SoftGate("scan"),
		SoftPolicy:        cfg.SoftGate("policy"),
		Retry:             retryPolicy(cfg),
	})

	promoter, err := newPromoter(cfg, log, st, metrics)
	if err != nil {
		return nil, err
	}
	p.promoter = promoter

	var notifier domain.Notifier
	if cfg.Notify.Desktop {
		notifier = notify_libnotify.NewSoft()
	}

	p.orchestrator = application.NewOrchestrator(log, registry, gates, promoter, notifier, st, metrics,
		application.OrchestratorConfig{Environments: envs, Retry: retryPolicy(cfg)})

	if cfg.Archive.Endpoint != "" {
		archiver, err := archive_minio.New(archive_minio.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			Secure:    cfg.Archive.Secure,
		})
		if err != nil {
			return nil, err
		}
		if err := archiver.EnsureBucket(ctx); err != nil {
			log.Warn("archive bucket unavailable", zap.String("bucket", cfg.Archive.Bucket), zap.Error(err))
		}
		p.orchestrator.WithArchiver(archiver)
	}

	ok = true
	return p, nil
}
