package metrics_prom

import (
	"errors"
	"strconv"

	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements domain.Metrics with Prometheus counters.
type Metrics struct {
	gates      *prometheus.CounterVec
	promotions *prometheus.CounterVec
	runs       *prometheus.CounterVec
	retries    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		gates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploy_gate",
			Name:      "gate_evaluations_total",
			Help:      "Gate evaluations by gate kind and outcome",
		}, []string{"gate", "passed"}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploy_gate",
			Name:      "promotions_total",
			Help:      "Finished promotion attempts by environment, kind and rollout status",
		}, []string{"environment", "kind", "status"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploy_gate",
			Name:      "runs_total",
			Help:      "Terminal pipeline runs by status and stage",
		}, []string{"status", "stage"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploy_gate",
			Name:      "retries_total",
			Help:      "Retried collaborator calls by operation",
		}, []string{"op"}),
	}

	for _, c := range []**prometheus.CounterVec{&m.gates, &m.promotions, &m.runs, &m.retries} {
		if err := reg.Register(*c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, err
			}
			*c = existing
		}
	}
	return m, nil
}

func (m *Metrics) GateEvaluated(gate domain.GateKind, passed bool) {
	m.gates.WithLabelValues(string(gate), strconv.FormatBool(passed)).Inc()
}

func (m *Metrics) PromotionFinished(env string, rollback bool, status domain.RolloutStatus) {
	kind := "promote"
	if rollback {
		kind = "rollback"
	}
	m.promotions.WithLabelValues(env, kind, string(status)).Inc()
}

func (m *Metrics) RunFinished(status domain.RunStatus, stage domain.Stage) {
	m.runs.WithLabelValues(string(status), string(stage)).Inc()
}

func (m *Metrics) Retried(op string) {
	m.retries.WithLabelValues(op).Inc()
}
