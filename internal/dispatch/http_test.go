package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

func TestHTTPDispatcher_PostsToServiceActionPath(t *testing.T) {
	var gotPath string
	var gotBody Request

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cleaned_mb": 412}`))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(HTTPConfig{BaseURL: srv.URL})

	result, err := d.Dispatch(context.Background(), Request{
		RunID:      "run-1",
		StepID:     "cleanup",
		Agent:      "janitor",
		Service:    "disk",
		Action:     "purge_tmp",
		Parameters: map[string]any{"path": "/tmp"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/disk/purge_tmp", gotPath)
	assert.Equal(t, "run-1", gotBody.RunID)
	assert.Equal(t, map[string]any{"path": "/tmp"}, gotBody.Parameters)
	assert.Equal(t, 412.0, result["cleaned_mb"])
}

func TestHTTPDispatcher_ServerError_IsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(HTTPConfig{BaseURL: srv.URL})

	_, err := d.Dispatch(context.Background(), Request{Agent: "janitor", Service: "disk", Action: "purge_tmp"})
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeDispatch, fe.Code)
	assert.True(t, fe.IsRetryable())
}

func TestHTTPDispatcher_ClientError_IsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown action", http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(HTTPConfig{BaseURL: srv.URL})

	_, err := d.Dispatch(context.Background(), Request{Agent: "janitor", Service: "disk", Action: "nope"})
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeNonRetryable, fe.Code)
	assert.False(t, fe.IsRetryable())
}

func TestHTTPDispatcher_UnreachableAgent_IsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // shut down before dispatching

	d := NewHTTPDispatcher(HTTPConfig{BaseURL: srv.URL})

	_, err := d.Dispatch(context.Background(), Request{Agent: "janitor"})
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeDispatch, fe.Code)
}

func TestHTTPDispatcher_EmptyBody_EmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(HTTPConfig{BaseURL: srv.URL})

	result, err := d.Dispatch(context.Background(), Request{Agent: "janitor"})
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestHTTPDispatcher_NonJSONBody_IsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(HTTPConfig{BaseURL: srv.URL})

	_, err := d.Dispatch(context.Background(), Request{Agent: "janitor"})
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeNonRetryable, fe.Code)
}

func TestHTTPDispatcher_CustomHeadersSent(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(HTTPConfig{
		BaseURL: srv.URL,
		Headers: map[string]string{"Authorization": "Bearer tok"},
	})

	_, err := d.Dispatch(context.Background(), Request{Agent: "janitor"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
}
