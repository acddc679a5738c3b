package panel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsflow-io/opsflow/internal/expressions"
	"github.com/opsflow-io/opsflow/internal/store"
	"github.com/opsflow-io/opsflow/internal/streaming"
	"github.com/opsflow-io/opsflow/internal/validation"
	"github.com/opsflow-io/opsflow/pkg/schema"
)

type fakeEngine struct {
	runs      []*store.Run
	startErr  error
	cancelled []string
}

func (f *fakeEngine) StartRun(ctx context.Context, definitionID string, version int, trigger map[string]any) (*store.Run, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	run := &store.Run{
		ID:                fmt.Sprintf("run-%d", len(f.runs)+1),
		DefinitionID:      definitionID,
		DefinitionVersion: version,
		Status:            schema.RunStatusPending,
		CreatedAt:         time.Now().UTC(),
	}
	f.runs = append(f.runs, run)
	return run, nil
}

func (f *fakeEngine) Cancel(ctx context.Context, runID, reason string) error {
	f.cancelled = append(f.cancelled, runID)
	return nil
}

type fakeApprovals struct {
	decided map[string]string
	err     error
}

func (f *fakeApprovals) decide(id, decidedBy, status string) (*store.Approval, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.decided == nil {
		f.decided = map[string]string{}
	}
	f.decided[id] = status
	return &store.Approval{ID: id, Status: status, DecidedBy: decidedBy}, nil
}

func (f *fakeApprovals) Approve(ctx context.Context, id, decidedBy, reason string) (*store.Approval, error) {
	return f.decide(id, decidedBy, store.ApprovalStatusGranted)
}

func (f *fakeApprovals) Reject(ctx context.Context, id, decidedBy, reason string) (*store.Approval, error) {
	return f.decide(id, decidedBy, store.ApprovalStatusRejected)
}

type fakeRegistrar struct {
	registered []string
}

func (f *fakeRegistrar) Register(def *schema.WorkflowDefinition) error {
	f.registered = append(f.registered, def.ID)
	return nil
}

func newTestServer(t *testing.T) (*Server, *store.MemStore, *fakeEngine, *fakeApprovals, *fakeRegistrar) {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	validator, err := validation.New(cel, expressions.NewGoJQEngine())
	require.NoError(t, err)

	ms := store.NewMemStore()
	engine := &fakeEngine{}
	approvals := &fakeApprovals{}
	registrar := &fakeRegistrar{}
	srv := NewServer(Deps{
		Store:     ms,
		Engine:    engine,
		Approvals: approvals,
		Validator: validator,
		Triggers:  registrar,
		Hub:       streaming.NewMemoryHub(),
	})
	return srv, ms, engine, approvals, registrar
}

func definitionBody() string {
	return `{
		"id": "disk-cleanup",
		"version": 1,
		"steps": [
			{"id": "detect", "type": "detect", "agent": "probe", "service": "disk", "action": "scan", "outputs": ["usage"]},
			{"id": "execute", "type": "execute", "agent": "remediator", "service": "disk", "action": "cleanup"}
		]
	}`
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body == "" {
		rdr = bytes.NewReader(nil)
	} else {
		rdr = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPanel_RegisterDefinition(t *testing.T) {
	srv, ms, _, _, registrar := newTestServer(t)
	h := srv.Handler()

	rec := doRequest(t, h, "POST", "/api/definitions", definitionBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	def, err := ms.GetLatestDefinition(context.Background(), "disk-cleanup")
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version)
	assert.Equal(t, []string{"disk-cleanup"}, registrar.registered)
}

func TestPanel_RegisterDefinitionRejectsInvalid(t *testing.T) {
	srv, _, _, _, registrar := newTestServer(t)
	h := srv.Handler()

	rec := doRequest(t, h, "POST", "/api/definitions", `{"id": "bad", "version": 1, "steps": []}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, registrar.registered)

	var result schema.ValidationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.Errors)
}

func TestPanel_RegisterDuplicateVersionConflicts(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	h := srv.Handler()

	rec := doRequest(t, h, "POST", "/api/definitions", definitionBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doRequest(t, h, "POST", "/api/definitions", definitionBody())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPanel_GetDefinitionByVersion(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	h := srv.Handler()

	doRequest(t, h, "POST", "/api/definitions", definitionBody())

	rec := doRequest(t, h, "GET", "/api/definitions/disk-cleanup?version=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, "GET", "/api/definitions/disk-cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, "GET", "/api/definitions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPanel_StartRun(t *testing.T) {
	srv, _, engine, _, _ := newTestServer(t)
	h := srv.Handler()

	rec := doRequest(t, h, "POST", "/api/runs", `{"definition_id": "disk-cleanup", "requested_by": "alice"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, engine.runs, 1)
	assert.Equal(t, "disk-cleanup", engine.runs[0].DefinitionID)
}

func TestPanel_StartRunRequiresDefinitionID(t *testing.T) {
	srv, _, engine, _, _ := newTestServer(t)
	h := srv.Handler()

	rec := doRequest(t, h, "POST", "/api/runs", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, engine.runs)
}

func TestPanel_StartRunConflict(t *testing.T) {
	srv, _, engine, _, _ := newTestServer(t)
	engine.startErr = schema.NewError(schema.ErrCodeConflict, "a run is already active")
	h := srv.Handler()

	rec := doRequest(t, h, "POST", "/api/runs", `{"definition_id": "disk-cleanup"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPanel_GetRunWithStepsAndEvents(t *testing.T) {
	srv, ms, _, _, _ := newTestServer(t)
	ctx := context.Background()

	run := &store.Run{ID: "run-1", DefinitionID: "disk-cleanup", DefinitionVersion: 1, Status: schema.RunStatusRunning, CreatedAt: time.Now().UTC()}
	require.NoError(t, ms.CreateRun(ctx, run))
	require.NoError(t, ms.UpsertStepRecord(ctx, &store.StepRecord{RunID: "run-1", StepID: "detect", Status: schema.StepStatusSucceeded}))
	require.NoError(t, ms.AppendEvent(ctx, &store.Event{RunID: "run-1", Type: schema.EventRunStarted, Timestamp: time.Now().UTC()}))

	rec := doRequest(t, srv.Handler(), "GET", "/api/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Run    *store.Run          `json:"run"`
		Steps  []*store.StepRecord `json:"steps"`
		Events []*store.Event      `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.Run.ID)
	require.Len(t, body.Steps, 1)
	require.Len(t, body.Events, 1)
	assert.Equal(t, schema.EventRunStarted, body.Events[0].Type)
}

func TestPanel_ListRunsFiltersByStatus(t *testing.T) {
	srv, ms, _, _, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ms.CreateRun(ctx, &store.Run{ID: "run-1", DefinitionID: "d", Status: schema.RunStatusRunning, CreatedAt: time.Now().UTC()}))
	require.NoError(t, ms.CreateRun(ctx, &store.Run{ID: "run-2", DefinitionID: "d", Status: schema.RunStatusSucceeded, CreatedAt: time.Now().UTC()}))

	rec := doRequest(t, srv.Handler(), "GET", "/api/runs?status=running", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []*store.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "run-1", body.Runs[0].ID)
}

func TestPanel_CancelRun(t *testing.T) {
	srv, _, engine, _, _ := newTestServer(t)

	rec := doRequest(t, srv.Handler(), "POST", "/api/runs/run-1/cancel", `{"reason": "wrong host"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"run-1"}, engine.cancelled)
}

func TestPanel_ListApprovalsDefaultsToPending(t *testing.T) {
	srv, ms, _, _, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ms.CreateApproval(ctx, &store.Approval{ID: "ap-1", RunID: "run-1", StepID: "execute", Status: store.ApprovalStatusPending, CreatedAt: time.Now().UTC()}))
	require.NoError(t, ms.CreateApproval(ctx, &store.Approval{ID: "ap-2", RunID: "run-2", StepID: "execute", Status: store.ApprovalStatusGranted, CreatedAt: time.Now().UTC()}))

	rec := doRequest(t, srv.Handler(), "GET", "/api/approvals", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Approvals []*store.Approval `json:"approvals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Approvals, 1)
	assert.Equal(t, "ap-1", body.Approvals[0].ID)
}

func TestPanel_ApproveAndReject(t *testing.T) {
	srv, _, _, approvals, _ := newTestServer(t)
	h := srv.Handler()

	rec := doRequest(t, h, "POST", "/api/approvals/ap-1/approve", `{"decided_by": "alice", "reason": "looks safe"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, h, "POST", "/api/approvals/ap-2/reject", `{"decided_by": "bob"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, store.ApprovalStatusGranted, approvals.decided["ap-1"])
	assert.Equal(t, store.ApprovalStatusRejected, approvals.decided["ap-2"])
}

func TestPanel_DecisionRequiresDecidedBy(t *testing.T) {
	srv, _, _, approvals, _ := newTestServer(t)

	rec := doRequest(t, srv.Handler(), "POST", "/api/approvals/ap-1/approve", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, approvals.decided)
}

func TestPanel_DecisionOnDecidedApprovalConflicts(t *testing.T) {
	srv, _, _, approvals, _ := newTestServer(t)
	approvals.err = schema.NewError(schema.ErrCodeConflict, "approval already decided")

	rec := doRequest(t, srv.Handler(), "POST", "/api/approvals/ap-1/approve", `{"decided_by": "alice"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPanel_SSEStreamsRunEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	srv := NewServer(Deps{Store: store.NewMemStore(), Engine: &fakeEngine{}, Approvals: &fakeApprovals{}, Hub: hub})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/sse/runs/run-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Publish until the subscriber is registered; the hub drops events with
	// no listeners.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_ = hub.Publish(ctx, streaming.StreamEvent{
				Topic:     streaming.TopicRuns,
				Type:      schema.EventRunStarted,
				RunID:     "run-1",
				Timestamp: time.Now().UTC(),
			})
			time.Sleep(5 * time.Millisecond)
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	cancel()
	<-done

	assert.Equal(t, "event: "+schema.EventRunStarted, eventLine)
	var ev streaming.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev))
	assert.Equal(t, "run-1", ev.RunID)
}
