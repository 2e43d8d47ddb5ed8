package domain

import (
	"strings"
	"time"
)

type ArtifactReference struct {
	Registry   string `json:"registry" yaml:"registry"`
	Repository string `json:"repository" yaml:"repository"`
	Tag        string `json:"tag" yaml:"tag"`
	Digest     string `json:"digest,omitempty" yaml:"digest,omitempty"`
}

// Image returns the pullable reference, pinned to the digest when known.
func (a ArtifactReference) Image() string {
	name := a.Repository
	if a.Registry != "" {
		name = strings.TrimSuffix(a.Registry, "/") + "/" + name
	}
	if a.Digest != "" {
		return name + "@" + a.Digest
	}
	if a.Tag != "" {
		return name + ":" + a.Tag
	}
	return name
}

func (a ArtifactReference) String() string { return a.Image() }

// Same reports whether both references point at the same built artifact.
// Digests win over tags when both sides carry one.
func (a ArtifactReference) Same(b ArtifactReference) bool {
	if a.Digest != "" && b.Digest != "" {
		return a.Digest == b.Digest
	}
	return a.Registry == b.Registry && a.Repository == b.Repository && a.Tag == b.Tag && a.Digest == b.Digest
}

type SecurityContext struct {
	RunAsRoot                *bool `json:"runAsRoot,omitempty" yaml:"runAsRoot,omitempty"`
	Privileged               *bool `json:"privileged,omitempty" yaml:"privileged,omitempty"`
	AllowPrivilegeEscalation *bool `json:"allowPrivilegeEscalation,omitempty" yaml:"allowPrivilegeEscalation,omitempty"`
}

type Resources struct {
	Limits   map[string]string `json:"limits,omitempty" yaml:"limits,omitempty"`
	Requests map[string]string `json:"requests,omitempty" yaml:"requests,omitempty"`
}

type Container struct {
	Name            string           `json:"name" yaml:"name"`
	Image           string           `json:"image" yaml:"image"`
	Ports           []int32          `json:"ports,omitempty" yaml:"ports,omitempty"`
	SecurityContext *SecurityContext `json:"securityContext,omitempty" yaml:"securityContext,omitempty"`
	Resources       *Resources       `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// DeploymentDescriptor is the rendered, environment specific workload the
// policy rules are evaluated against and the cluster adapter applies.
type DeploymentDescriptor struct {
	Name            string            `json:"name" yaml:"name"`
	Namespace       string            `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Environment     string            `json:"environment,omitempty" yaml:"environment,omitempty"`
	Replicas        int32             `json:"replicas,omitempty" yaml:"replicas,omitempty"`
	Labels          map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Containers      []Container       `json:"containers" yaml:"containers"`
	NetworkPolicies []string          `json:"networkPolicies,omitempty" yaml:"networkPolicies,omitempty"`
}

type Violation struct {
	RuleID    string `json:"rule_id"`
	Message   string `json:"message"`
	Container string `json:"container,omitempty"`
}

type GateResult struct {
	Gate       string      `json:"gate"`
	Passed     bool        `json:"passed"`
	Soft       bool        `json:"soft,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	At         time.Time   `json:"at"`
}

type RolloutStatus string

const (
	RolloutPending     RolloutStatus = "Pending"
	RolloutProgressing RolloutStatus = "Progressing"
	RolloutHealthy     RolloutStatus = "Healthy"
	RolloutFailed      RolloutStatus = "Failed"
)

func (s RolloutStatus) Terminal() bool { return s == RolloutHealthy || s == RolloutFailed }

type EnvironmentState struct {
	Environment           string             `json:"environment"`
	CurrentArtifact       *ArtifactReference `json:"current_artifact,omitempty"`
	LastKnownGoodArtifact *ArtifactReference `json:"last_known_good_artifact,omitempty"`
	// LastApplied is what was most recently sent to the cluster, healthy or not.
	LastApplied   *ArtifactReference `json:"last_applied,omitempty"`
	ApplyID       string             `json:"apply_id,omitempty"`
	RolloutStatus RolloutStatus      `json:"rollout_status"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Diverged reports whether the cluster may be running something other than
// the last known good artifact.
func (s EnvironmentState) Diverged() bool {
	if s.LastApplied == nil {
		return false
	}
	if s.LastKnownGoodArtifact == nil {
		return true
	}
	return !s.LastApplied.Same(*s.LastKnownGoodArtifact) || s.RolloutStatus == RolloutFailed
}

func (s EnvironmentState) Clone() EnvironmentState {
	out := s
	out.CurrentArtifact = cloneRef(s.CurrentArtifact)
	out.LastKnownGoodArtifact = cloneRef(s.LastKnownGoodArtifact)
	out.LastApplied = cloneRef(s.LastApplied)
	return out
}

func cloneRef(r *ArtifactReference) *ArtifactReference {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

type PromotionAttempt struct {
	Environment string            `json:"environment"`
	Artifact    ArtifactReference `json:"artifact"`
	Rollback    bool              `json:"rollback,omitempty"`
	ApplyID     string            `json:"apply_id,omitempty"`
	Status      RolloutStatus     `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	Skipped     bool              `json:"skipped,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
}

type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = []string{"UNKNOWN", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "UNKNOWN"
	}
	return severityNames[s]
}

func ParseSeverity(v string) (Severity, bool) {
	v = strings.ToUpper(strings.TrimSpace(v))
	for i, n := range severityNames {
		if n == v {
			return Severity(i), true
		}
	}
	return SeverityUnknown, false
}

type Finding struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Package  string   `json:"package,omitempty"`
}

type ApprovalDecision string

const (
	Approved ApprovalDecision = "approved"
	Denied   ApprovalDecision = "denied"
)

type EventKind string

const (
	EventSucceeded      EventKind = "succeeded"
	EventFailed         EventKind = "failed"
	EventRolledBack     EventKind = "rolled_back"
	EventRollbackFailed EventKind = "rollback_failed"
)

// Event is emitted to the notification sink once a run is terminal.
type Event struct {
	Kind       EventKind
	RunID      string
	Artifact   ArtifactReference
	Stage      Stage
	Reason     string
	Violations []Violation
}
