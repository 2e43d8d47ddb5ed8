package domain

import (
	"context"
	"fmt"
	"sync"
)

type MockRegistry struct {
	mu       sync.Mutex
	Artifact ArtifactReference
	Err      error
	Called   int
}

func (m *MockRegistry) ResolveDigest(ctx context.Context, repository, tag string) (ArtifactReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called++
	if m.Err != nil {
		return ArtifactReference{}, m.Err
	}
	return m.Artifact, nil
}

// MockScanner returns Errs in order before it starts returning Findings.
type MockScanner struct {
	mu       sync.Mutex
	Findings []Finding
	Errs     []error
	Called   int
}

func (m *MockScanner) Scan(ctx context.Context, a ArtifactReference) ([]Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called++
	if len(m.Errs) > 0 {
		err := m.Errs[0]
		m.Errs = m.Errs[1:]
		return nil, err
	}
	return m.Findings, nil
}

// MockCluster reports Healthy for every apply unless the applied image is
// listed in FailImages. Progressing responses are returned first.
type MockCluster struct {
	mu          sync.Mutex
	FailImages  map[string]bool
	ApplyErrs   []error
	Progressing int
	Applies     []DeploymentDescriptor
	StatusCalls int

	applied map[string]string
	polls   map[string]int
}

func (m *MockCluster) Apply(ctx context.Context, env string, d DeploymentDescriptor) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ApplyErrs) > 0 {
		err := m.ApplyErrs[0]
		m.ApplyErrs = m.ApplyErrs[1:]
		return "", err
	}
	if m.applied == nil {
		m.applied = make(map[string]string)
		m.polls = make(map[string]int)
	}
	m.Applies = append(m.Applies, d)
	id := fmt.Sprintf("%s-%d", env, len(m.Applies))
	image := ""
	if len(d.Containers) > 0 {
		image = d.Containers[0].Image
	}
	m.applied[id] = image
	return id, nil
}

func (m *MockCluster) RolloutStatus(ctx context.Context, env, applyID string) (RolloutStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusCalls++
	image, ok := m.applied[applyID]
	if !ok {
		return RolloutFailed, fmt.Errorf("unknown apply %q: %w", applyID, ErrNotFound)
	}
	if m.polls[applyID] < m.Progressing {
		m.polls[applyID]++
		return RolloutProgressing, nil
	}
	if m.FailImages[image] {
		return RolloutFailed, nil
	}
	return RolloutHealthy, nil
}

func (m *MockCluster) ApplyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Applies)
}

// MockApprovals blocks until the context ends when Block is set.
type MockApprovals struct {
	mu       sync.Mutex
	Decision ApprovalDecision
	Err      error
	Block    bool
	Called   int
}

func (m *MockApprovals) AwaitApproval(ctx context.Context, a ArtifactReference, env string) (ApprovalDecision, error) {
	m.mu.Lock()
	m.Called++
	block, dec, err := m.Block, m.Decision, m.Err
	m.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return dec, err
}

type MockNotifier struct {
	mu     sync.Mutex
	Events []Event
	Err    error
}

func (n *MockNotifier) Notify(ctx context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Events = append(n.Events, ev)
	return n.Err
}

type MockEvaluator struct {
	mu     sync.Mutex
	Result GateResult
	Called int
}

func (m *MockEvaluator) Evaluate(d DeploymentDescriptor) GateResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called++
	return m.Result
}

// MockRenderer renders a single hardened container running the artifact.
type MockRenderer struct {
	Mutate func(*DeploymentDescriptor)
	Err    error
}

func (m *MockRenderer) Render(env string, a ArtifactReference) (DeploymentDescriptor, error) {
	if m.Err != nil {
		return DeploymentDescriptor{}, m.Err
	}
	f := false
	d := DeploymentDescriptor{
		Name:        "app",
		Namespace:   env,
		Environment: env,
		Replicas:    1,
		Containers: []Container{{
			Name:  "app",
			Image: a.Image(),
			SecurityContext: &SecurityContext{
				RunAsRoot:                &f,
				Privileged:               &f,
				AllowPrivilegeEscalation: &f,
			},
			Resources: &Resources{Limits: map[string]string{"cpu": "500m", "memory": "256Mi"}},
		}},
	}
	if m.Mutate != nil {
		m.Mutate(&d)
	}
	return d, nil
}

type MockStore struct {
	mu   sync.Mutex
	Runs map[string]RunSnapshot
	Envs map[string]EnvironmentState
	Err  error
	Save int
}

func (s *MockStore) SaveRun(ctx context.Context, r RunSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if s.Runs == nil {
		s.Runs = make(map[string]RunSnapshot)
	}
	s.Save++
	s.Runs[r.ID] = r
	return nil
}

func (s *MockStore) LoadEnvironment(ctx context.Context, env string) (EnvironmentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.Envs[env]; ok {
		return st.Clone(), nil
	}
	return EnvironmentState{Environment: env, RolloutStatus: RolloutPending}, nil
}

func (s *MockStore) SaveEnvironment(ctx context.Context, st EnvironmentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Envs == nil {
		s.Envs = make(map[string]EnvironmentState)
	}
	s.Envs[st.Environment] = st.Clone()
	return nil
}
