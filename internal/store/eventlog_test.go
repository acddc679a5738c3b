package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

func appendAll(t *testing.T, s Store, events ...*Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, s.AppendEvent(context.Background(), e))
	}
}

func TestReplayRun_EmptyStream(t *testing.T) {
	el := NewEventLog(NewMemStore())

	result, err := el.ReplayRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Empty(t, result.Steps)
	assert.Empty(t, result.Context)
	assert.False(t, result.Parked)
}

func TestReplayRun_ReconstructsStepsAndContext(t *testing.T) {
	s := NewMemStore()
	el := NewEventLog(s)

	appendAll(t, s,
		&Event{RunID: "run-1", Type: schema.EventRunStarted},
		&Event{RunID: "run-1", StepID: "detect", Type: schema.EventStepDispatching},
		&Event{RunID: "run-1", StepID: "detect", Type: schema.EventStepSucceeded,
			Payload: json.RawMessage(`{"anomalies": ["cpu"]}`)},
		&Event{RunID: "run-1", Type: schema.EventContextMerged,
			Payload: json.RawMessage(`{"anomalies": ["cpu"], "riskScore": 7}`)},
		&Event{RunID: "run-1", StepID: "analyze", Type: schema.EventStepDispatching},
	)

	result, err := el.ReplayRun(context.Background(), "run-1")
	require.NoError(t, err)

	require.Contains(t, result.Steps, "detect")
	assert.Equal(t, schema.StepStatusSucceeded, result.Steps["detect"].Status)
	assert.JSONEq(t, `{"anomalies": ["cpu"]}`, string(result.Steps["detect"].Result))

	require.Contains(t, result.Steps, "analyze")
	assert.Equal(t, schema.StepStatusDispatching, result.Steps["analyze"].Status)
	assert.Equal(t, 1, result.Steps["analyze"].Attempt)

	assert.Equal(t, 7.0, result.Context["riskScore"])
}

func TestReplayRun_RetriesIncrementAttempt(t *testing.T) {
	s := NewMemStore()
	el := NewEventLog(s)

	appendAll(t, s,
		&Event{RunID: "run-1", StepID: "execute", Type: schema.EventStepDispatching},
		&Event{RunID: "run-1", StepID: "execute", Type: schema.EventStepRetrying},
		&Event{RunID: "run-1", StepID: "execute", Type: schema.EventStepDispatching},
		&Event{RunID: "run-1", StepID: "execute", Type: schema.EventStepFailed,
			Payload: json.RawMessage(`{"code": "RETRY_EXHAUSTED"}`)},
	)

	result, err := el.ReplayRun(context.Background(), "run-1")
	require.NoError(t, err)

	rec := result.Steps["execute"]
	require.NotNil(t, rec)
	assert.Equal(t, schema.StepStatusFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempt)
	assert.JSONEq(t, `{"code": "RETRY_EXHAUSTED"}`, string(rec.Error))
}

func TestReplayRun_ParkedFlag(t *testing.T) {
	s := NewMemStore()
	el := NewEventLog(s)

	appendAll(t, s,
		&Event{RunID: "run-1", StepID: "execute", Type: schema.EventStepGated},
		&Event{RunID: "run-1", Type: schema.EventRunParked},
	)

	result, err := el.ReplayRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.True(t, result.Parked)
	assert.Equal(t, schema.StepStatusGated, result.Steps["execute"].Status)

	appendAll(t, s,
		&Event{RunID: "run-1", Type: schema.EventRunResumed},
		&Event{RunID: "run-1", StepID: "execute", Type: schema.EventStepDispatching},
	)

	result, err = el.ReplayRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.False(t, result.Parked)
	assert.Equal(t, schema.StepStatusDispatching, result.Steps["execute"].Status)
}

func TestReplayRun_ApprovalRejectionFailsStep(t *testing.T) {
	s := NewMemStore()
	el := NewEventLog(s)

	appendAll(t, s,
		&Event{RunID: "run-1", StepID: "execute", Type: schema.EventStepGated},
		&Event{RunID: "run-1", StepID: "execute", Type: schema.EventApprovalRejected,
			Payload: json.RawMessage(`{"reason": "too risky"}`)},
	)

	result, err := el.ReplayRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusFailed, result.Steps["execute"].Status)
}

func TestReplayRun_SequenceGapDetected(t *testing.T) {
	s := NewMemStore()
	_ = NewEventLog(s)

	appendAll(t, s,
		&Event{RunID: "run-1", Type: schema.EventRunStarted},
		&Event{RunID: "run-1", Type: schema.EventRunSucceeded},
	)

	// Simulate replay over a stream with a hole in it.
	gapped := &gapStore{Store: s}
	elGapped := NewEventLog(gapped)

	_, err := elGapped.ReplayRun(context.Background(), "run-1")
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeStore, fe.Code)
}

// gapStore drops the first event from every read to simulate lost history.
type gapStore struct {
	Store
}

func (g *gapStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	events, err := g.Store.GetEvents(ctx, runID, since)
	if err != nil || len(events) == 0 {
		return events, err
	}
	return events[1:], nil
}
