package dispatch

import (
	"context"
	"sort"
	"sync"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

// Registry is a thread-safe mapping from agent name to Dispatcher. An
// optional fallback handles agents with no dedicated registration.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
	fallback    Dispatcher
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		dispatchers: make(map[string]Dispatcher),
	}
}

// Register binds an agent name to a dispatcher. Returns error on duplicate.
func (r *Registry) Register(agent string, d Dispatcher) error {
	if agent == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent name is empty")
	}
	if d == nil {
		return schema.NewError(schema.ErrCodeValidation, "dispatcher is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.dispatchers[agent]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", agent)
	}

	r.dispatchers[agent] = d
	return nil
}

// SetFallback installs the dispatcher used for agents with no dedicated
// registration. Passing nil clears it.
func (r *Registry) SetFallback(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = d
}

// Resolve returns the dispatcher for an agent, falling back to the default.
func (r *Registry) Resolve(agent string) (Dispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.dispatchers[agent]; ok {
		return d, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no dispatcher registered for agent %q", agent)
}

// Dispatch resolves the request's agent and forwards the request.
func (r *Registry) Dispatch(ctx context.Context, req Request) (map[string]any, error) {
	d, err := r.Resolve(req.Agent)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, req)
}

// Agents returns registered agent names, sorted.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.dispatchers))
	for name := range r.dispatchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has checks if an agent has a dedicated dispatcher.
func (r *Registry) Has(agent string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dispatchers[agent]
	return ok
}

// Name implements Dispatcher, so a Registry can itself be wrapped (e.g. by a
// circuit breaker dispatcher).
func (r *Registry) Name() string { return "registry" }

var _ Dispatcher = (*Registry)(nil)
