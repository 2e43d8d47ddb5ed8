package domain

import "context"

type Registry interface {
	ResolveDigest(ctx context.Context, repository, tag string) (ArtifactReference, error)
}

type Scanner interface {
	Scan(ctx context.Context, a ArtifactReference) ([]Finding, error)
}

type Cluster interface {
	Apply(ctx context.Context, env string, d DeploymentDescriptor) (string, error)
	RolloutStatus(ctx context.Context, env, applyID string) (RolloutStatus, error)
}

type ApprovalSource interface {
	AwaitApproval(ctx context.Context, a ArtifactReference, env string) (ApprovalDecision, error)
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type DescriptorRenderer interface {
	Render(env string, a ArtifactReference) (DeploymentDescriptor, error)
}

type PolicyEvaluator interface {
	Evaluate(d DeploymentDescriptor) GateResult
}

// PolicySnapshotter is implemented by evaluators whose rules can be
// reloaded. Snapshot returns an evaluator pinned to the current rules.
type PolicySnapshotter interface {
	Snapshot() PolicyEvaluator
}

type RunRecorder interface {
	SaveRun(ctx context.Context, r RunSnapshot) error
}

type EnvironmentStore interface {
	LoadEnvironment(ctx context.Context, env string) (EnvironmentState, error)
	SaveEnvironment(ctx context.Context, s EnvironmentState) error
}

type RunArchiver interface {
	Archive(ctx context.Context, r RunSnapshot) error
}

type Metrics interface {
	GateEvaluated(gate GateKind, passed bool)
	PromotionFinished(env string, rollback bool, status RolloutStatus)
	RunFinished(status RunStatus, stage Stage)
	Retried(op string)
}

type NopMetrics struct{}

func (NopMetrics) GateEvaluated(GateKind, bool)                  {}
func (NopMetrics) PromotionFinished(string, bool, RolloutStatus) {}
func (NopMetrics) RunFinished(RunStatus, Stage)                  {}
func (NopMetrics) Retried(string)                                {}
