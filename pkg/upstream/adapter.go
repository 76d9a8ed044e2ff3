// Package upstream defines the adapter contract external collaborators
// implement, one per provider, plus a registry the mediation layer uses to
// look one up at dispatch time.
package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meridianapi/gatekeeper/pkg/tier"
)

// Result is what a dispatched upstream call returns.
type Result struct {
	Payload       string
	UpstreamStatus int
	LatencyMS     int64
	// Throttled is set when the provider itself returned a 429, which the
	// adapter must surface distinctly from other errors per §6.
	Throttled bool
}

// Adapter is implemented by an external collaborator for one provider. It
// must be idempotent with respect to retries for safe operations.
type Adapter interface {
	Dispatch(ctx context.Context, op tier.Operation, params map[string]string) (Result, error)
}

// Registry maps providers to their adapter implementation.
type Registry struct {
	mu       sync.RWMutex
	adapters map[tier.Provider]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[tier.Provider]Adapter)}
}

func (r *Registry) Register(p tier.Provider, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[p] = a
}

func (r *Registry) For(p tier.Provider) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	return a, ok
}

// MockAdapter is a test double, not a production collaborator. It returns a
// canned result or error, optionally after a simulated delay, so coordinator
// and middleware tests can exercise dispatch without a real provider.
type MockAdapter struct {
	Result Result
	Err    error
	Delay  time.Duration
	Calls  int
	mu     sync.Mutex
}

func (m *MockAdapter) Dispatch(ctx context.Context, op tier.Operation, params map[string]string) (Result, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Result{}, fmt.Errorf("upstream: mock adapter: %w", ctx.Err())
		}
	}
	return m.Result, m.Err
}
