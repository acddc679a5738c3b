package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

// CircuitState represents the state of an agent's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting dispatches
	CircuitHalfOpen                     // testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-agent circuit breaking.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before testing recovery.
	Cooldown time.Duration
	// HalfOpenMax is the number of test dispatches allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerDispatcher wraps another dispatcher with per-agent circuit breaking.
// Consecutive dispatch failures against one agent open its circuit; while
// open, dispatches to that agent fail fast with CIRCUIT_OPEN instead of
// burning retry attempts on an agent that is down.
type BreakerDispatcher struct {
	inner  Dispatcher
	config BreakerConfig

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewBreakerDispatcher wraps a dispatcher with circuit breaking.
func NewBreakerDispatcher(inner Dispatcher, config BreakerConfig) *BreakerDispatcher {
	return &BreakerDispatcher{
		inner:    inner,
		config:   config,
		breakers: make(map[string]*breaker),
	}
}

// Name returns the dispatcher identifier.
func (d *BreakerDispatcher) Name() string { return "breaker(" + d.inner.Name() + ")" }

// Dispatch checks the agent's circuit, forwards to the inner dispatcher, and
// records the outcome. Permanent agent rejections count as circuit failures
// too: a misbehaving agent is still an unhealthy agent.
func (d *BreakerDispatcher) Dispatch(ctx context.Context, req Request) (map[string]any, error) {
	if err := d.allow(req); err != nil {
		return nil, err
	}

	result, err := d.inner.Dispatch(ctx, req)
	if err != nil {
		d.recordFailure(req.Agent)
		return nil, err
	}

	d.recordSuccess(req.Agent)
	return result, nil
}

// State returns the current circuit state for an agent.
func (d *BreakerDispatcher) State(agent string) CircuitState {
	b := d.getOrCreate(agent)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen && time.Since(b.lastFailureTime) >= b.config.Cooldown {
		b.state = CircuitHalfOpen
		b.halfOpenAttempts = 0
	}
	return b.state
}

func (d *BreakerDispatcher) allow(req Request) error {
	b := d.getOrCreate(req.Agent)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(b.lastFailureTime) >= b.config.Cooldown {
			b.state = CircuitHalfOpen
			b.halfOpenAttempts = 1 // this dispatch counts as the first test
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for agent %q: %d consecutive failures", req.Agent, b.consecutiveFailures).
			WithRun(req.RunID).
			WithStep(req.StepID).
			WithDetails(map[string]any{
				"agent":                req.Agent,
				"consecutive_failures": b.consecutiveFailures,
				"cooldown_remaining":   (b.config.Cooldown - time.Since(b.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if b.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for agent %q: max test dispatches reached", req.Agent).
				WithRun(req.RunID).
				WithStep(req.StepID)
		}
		b.halfOpenAttempts++
		return nil
	}

	return nil
}

func (d *BreakerDispatcher) recordSuccess(agent string) {
	b := d.getOrCreate(agent)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
	b.state = CircuitClosed
}

func (d *BreakerDispatcher) recordFailure(agent string) {
	b := d.getOrCreate(agent)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	if b.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		b.state = CircuitOpen
		return
	}
	if b.consecutiveFailures >= b.config.FailureThreshold {
		b.state = CircuitOpen
	}
}

func (d *BreakerDispatcher) getOrCreate(agent string) *breaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[agent]
	if !ok {
		b = &breaker{state: CircuitClosed, config: d.config}
		d.breakers[agent] = b
	}
	return b
}

var _ Dispatcher = (*BreakerDispatcher)(nil)
