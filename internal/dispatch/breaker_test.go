package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

func failingDispatcher() *stubDispatcher {
	return &stubDispatcher{
		name: "flaky",
		err:  schema.NewError(schema.ErrCodeDispatch, "agent down"),
	}
}

func TestBreakerDispatcher_OpensAfterThreshold(t *testing.T) {
	inner := failingDispatcher()
	d := NewBreakerDispatcher(inner, BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		HalfOpenMax:      1,
	})
	req := Request{Agent: "janitor"}

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), req)
		require.Error(t, err)
		var fe *schema.FlowError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, schema.ErrCodeDispatch, fe.Code)
	}

	assert.Equal(t, CircuitOpen, d.State("janitor"))

	// Fourth dispatch fails fast without reaching the agent.
	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeCircuitOpen, fe.Code)
	assert.Equal(t, 3, inner.calls)
}

func TestBreakerDispatcher_PerAgentIsolation(t *testing.T) {
	inner := failingDispatcher()
	d := NewBreakerDispatcher(inner, BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		HalfOpenMax:      1,
	})

	_, err := d.Dispatch(context.Background(), Request{Agent: "janitor"})
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, d.State("janitor"))

	// Another agent's circuit is unaffected.
	assert.Equal(t, CircuitClosed, d.State("watchtower"))
	_, err = d.Dispatch(context.Background(), Request{Agent: "watchtower"})
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeDispatch, fe.Code)
}

func TestBreakerDispatcher_HalfOpenAfterCooldown_ThenCloses(t *testing.T) {
	inner := failingDispatcher()
	d := NewBreakerDispatcher(inner, BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         10 * time.Millisecond,
		HalfOpenMax:      1,
	})
	req := Request{Agent: "janitor"}

	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, d.State("janitor"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, CircuitHalfOpen, d.State("janitor"))

	// Agent recovered: test dispatch succeeds and closes the circuit.
	inner.err = nil
	inner.result = map[string]any{"ok": true}
	result, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, result)
	assert.Equal(t, CircuitClosed, d.State("janitor"))
}

func TestBreakerDispatcher_HalfOpenFailureReopens(t *testing.T) {
	inner := failingDispatcher()
	d := NewBreakerDispatcher(inner, BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         10 * time.Millisecond,
		HalfOpenMax:      1,
	})
	req := Request{Agent: "janitor"}

	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)

	time.Sleep(20 * time.Millisecond)

	// Test dispatch still fails: circuit reopens.
	_, err = d.Dispatch(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, d.State("janitor"))
}

func TestBreakerDispatcher_SuccessResetsFailureCount(t *testing.T) {
	inner := &stubDispatcher{name: "ok", result: map[string]any{}}
	d := NewBreakerDispatcher(inner, BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         time.Minute,
		HalfOpenMax:      1,
	})
	req := Request{Agent: "janitor"}

	inner.err = schema.NewError(schema.ErrCodeDispatch, "blip")
	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)

	inner.err = nil
	_, err = d.Dispatch(context.Background(), req)
	require.NoError(t, err)

	// One more failure stays below threshold after the reset.
	inner.err = schema.NewError(schema.ErrCodeDispatch, "blip")
	_, err = d.Dispatch(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, CircuitClosed, d.State("janitor"))
}
