package application

import (
	"os"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/davarch/deploy-gate/internal/policy"
	"go.uber.org/zap"
)

var fastRetry = RetryPolicy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}

type harness struct {
	registry  *domain.MockRegistry
	scanner   *domain.MockScanner
	cluster   *domain.MockCluster
	approvals *domain.MockApprovals
	notifier  *domain.MockNotifier
	renderer  *domain.MockRenderer
	store     *domain.MockStore
	evaluator domain.PolicyEvaluator

	gates    *GateController
	promoter *Promoter
	orch     *Orchestrator
}

func artifact(digest string) domain.ArtifactReference {
	return domain.ArtifactReference{Registry: "registry.local", Repository: "app", Tag: "v1", Digest: digest}
}

func newHarness(evaluator domain.PolicyEvaluator, gateCfg GateConfig) *harness {
	h := &harness{
		registry:  &domain.MockRegistry{},
		scanner:   &domain.MockScanner{},
		cluster:   &domain.MockCluster{},
		approvals: &domain.MockApprovals{Decision: domain.Approved},
		notifier:  &domain.MockNotifier{},
		renderer:  &domain.MockRenderer{},
		store:     &domain.MockStore{},
		evaluator: evaluator,
	}
	if h.evaluator == nil {
		rules, err := policy.NewStore(zap.NewNop(), "")
		if err != nil {
			panic(err)
		}
		h.evaluator = rules
	}
	if gateCfg.SeverityThreshold == domain.SeverityUnknown {
		gateCfg.SeverityThreshold = domain.SeverityHigh
	}
	gateCfg.Retry = fastRetry

	log := zap.NewNop()
	h.gates = NewGateController(log, h.scanner, h.renderer, h.evaluator, h.approvals, h.store, nil, gateCfg)
	h.promoter = NewPromoter(log, h.cluster, h.renderer, h.store, nil, PromoterConfig{
		Timeout:      2 * time.Second,
		PollInterval: time.Millisecond,
		Retry:        fastRetry,
	})
	h.orch = NewOrchestrator(log, h.registry, h.gates, h.promoter, h.notifier, h.store, nil, OrchestratorConfig{
		Environments: []EnvironmentSpec{
			{Name: "staging"},
			{Name: "production", RequireApproval: true, ApprovalTimeout: time.Second},
		},
		Retry: fastRetry,
	})
	return h
}

func writeFile(path string) error {
	return os.WriteFile(path, []byte("1"), 0o644)
}
