package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	channel string
	got     []Notification
	err     error
}

func (r *recordingNotifier) Channel() string { return r.channel }

func (r *recordingNotifier) Notify(ctx context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestRouter_DispatchToNamedChannels(t *testing.T) {
	r := NewRouter(slog.Default())
	logCh := &recordingNotifier{channel: "log"}
	pageCh := &recordingNotifier{channel: "pagerduty"}
	require.NoError(t, r.Register(logCh))
	require.NoError(t, r.Register(pageCh))

	sent, failed := r.Dispatch(context.Background(), []string{"log", "pagerduty"}, Notification{
		RunID:   "run-1",
		StepID:  "execute",
		Subject: "step retries exhausted",
	})

	assert.Equal(t, 2, sent)
	assert.Equal(t, 0, failed)
	assert.Len(t, logCh.got, 1)
	assert.Len(t, pageCh.got, 1)
}

func TestRouter_UnknownChannelCountsFailed(t *testing.T) {
	r := NewRouter(slog.Default())
	require.NoError(t, r.Register(&recordingNotifier{channel: "log"}))

	sent, failed := r.Dispatch(context.Background(), []string{"log", "slack"}, Notification{RunID: "run-1"})
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, failed)
}

func TestRouter_FailingChannelDoesNotBlockOthers(t *testing.T) {
	r := NewRouter(slog.Default())
	broken := &recordingNotifier{channel: "webhook", err: errors.New("down")}
	working := &recordingNotifier{channel: "log"}
	require.NoError(t, r.Register(broken))
	require.NoError(t, r.Register(working))

	sent, failed := r.Dispatch(context.Background(), []string{"webhook", "log"}, Notification{RunID: "run-1"})
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, failed)
	assert.Len(t, working.got, 1)
}

func TestRouter_DuplicateChannel(t *testing.T) {
	r := NewRouter(slog.Default())
	require.NoError(t, r.Register(&recordingNotifier{channel: "log"}))
	require.Error(t, r.Register(&recordingNotifier{channel: "log"}))
}

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL})
	err := n.Notify(context.Background(), Notification{
		RunID:      "run-1",
		StepID:     "execute",
		Subject:    "step retries exhausted",
		Recipients: []string{"oncall"},
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, []string{"oncall"}, got.Recipients)
	assert.False(t, got.Timestamp.IsZero())
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL})
	err := n.Notify(context.Background(), Notification{RunID: "run-1"})
	require.Error(t, err)
}
