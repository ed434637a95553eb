package oracle

import (
	"context"
	"errors"
	"sync"
)

// MockOutcome scripts the behaviour of one episode in a MockAdapter.
type MockOutcome struct {
	Output  map[string]any
	Err     error
	Refused bool
}

// MockAdapter is a scripted adapter for tests. It is never
// certificate-grade; any certificate-generating run must reject it.
type MockAdapter struct {
	mu       sync.Mutex
	ref      ConstructRef
	outcomes map[string]MockOutcome
	calls    map[string]int
}

// NewMockAdapter creates an empty scripted adapter.
func NewMockAdapter(ref ConstructRef) *MockAdapter {
	return &MockAdapter{
		ref:      ref,
		outcomes: make(map[string]MockOutcome),
		calls:    make(map[string]int),
	}
}

// Script sets the outcome for an episode ID.
func (a *MockAdapter) Script(episodeID string, outcome MockOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes[episodeID] = outcome
}

// Calls returns how many attempts an episode received.
func (a *MockAdapter) Calls(episodeID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[episodeID]
}

func (a *MockAdapter) Ref() ConstructRef { return a.ref }

func (a *MockAdapter) CertificateGrade() bool { return false }

func (a *MockAdapter) Call(_ context.Context, env *InvocationEnvelope) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[env.EpisodeID]++

	outcome, ok := a.outcomes[env.EpisodeID]
	if !ok {
		return nil, errors.New("mock: episode not scripted")
	}
	if outcome.Refused {
		return nil, ErrRefused
	}
	return outcome.Output, outcome.Err
}

var (
	_ Adapter = (*MockAdapter)(nil)
	_ Adapter = (*LocalAdapter)(nil)
	_ Adapter = (*HTTPAdapter)(nil)
)
