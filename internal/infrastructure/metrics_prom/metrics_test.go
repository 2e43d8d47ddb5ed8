package metrics_prom

import (
	"testing"

	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}

	m.GateEvaluated(domain.GateScan, true)
	m.GateEvaluated(domain.GatePolicy, false)
	m.GateEvaluated(domain.GatePolicy, false)
	m.PromotionFinished("production", true, domain.RolloutHealthy)
	m.RunFinished(domain.RunRolledBack, domain.StageProductionFailed)
	m.Retried("scan")

	if got := testutil.ToFloat64(m.gates.WithLabelValues("policy", "false")); got != 2 {
		t.Errorf("policy failures %v", got)
	}
	if got := testutil.ToFloat64(m.promotions.WithLabelValues("production", "rollback", "Healthy")); got != 1 {
		t.Errorf("rollbacks %v", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("RolledBack", "ProductionFailed")); got != 1 {
		t.Errorf("runs %v", got)
	}
	if got := testutil.ToFloat64(m.retries.WithLabelValues("scan")); got != 1 {
		t.Errorf("retries %v", got)
	}
}

func TestNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := New(reg)
	if err != nil {
		t.Fatalf("second registration: %v", err)
	}
	second.Retried("apply")
	if got := testutil.ToFloat64(first.retries.WithLabelValues("apply")); got != 1 {
		t.Errorf("collectors not shared: %v", got)
	}
}
