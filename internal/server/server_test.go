package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runtrack/internal/controller"
	"runtrack/internal/events"
	"runtrack/internal/revoke"
)

type stubControl struct {
	mu         sync.Mutex
	terminated []string
	termErr    error
}

func (s *stubControl) ListActiveTasks(_ context.Context, _ revoke.Filter) ([]revoke.ActiveTask, error) {
	return nil, nil
}

func (s *stubControl) Terminate(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.termErr != nil {
		return s.termErr
	}
	s.terminated = append(s.terminated, taskID)
	return nil
}

type fixture struct {
	tracker *controller.SyncTracker
	control *stubControl
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	records, err := revoke.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	control := &stubControl{}
	ctl := controller.New(control, records, revoke.SweepConfig{Sleep: func(time.Duration) {}}, nil, nil)
	tracker := controller.NewSyncTracker(events.NewAggregator(nil))
	srv := New(Config{Port: 0}, tracker, ctl, nil)

	return &fixture{tracker: tracker, control: control, handler: srv.Handler()}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestRunStatusEmpty(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/api/v1/run")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "", body["root_uuid"])
	assert.Equal(t, false, body["root_complete"])
	assert.Equal(t, false, body["revoked"])
	assert.Equal(t, float64(0), body["task_count"])
}

func TestRunStatusAfterEvents(t *testing.T) {
	f := newFixture(t)
	f.tracker.HandleEvent(events.Event{
		"uuid": "root-1", "parent_id": nil, "type": "started", "long_name": "pkg.Root",
	})
	f.tracker.HandleEvent(events.Event{
		"uuid": "child-1", "parent_id": "root-1", "type": "started", "long_name": "pkg.Child",
	})
	f.tracker.HandleEvent(events.Event{"uuid": "root-1", "type": "succeeded"})

	rec := f.get(t, "/api/v1/run")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "root-1", body["root_uuid"])
	assert.Equal(t, true, body["root_complete"])
	assert.Equal(t, false, body["all_tasks_complete"], "child is still running")
	assert.Equal(t, float64(2), body["task_count"])
}

func TestGetTask(t *testing.T) {
	f := newFixture(t)
	f.tracker.HandleEvent(events.Event{
		"uuid": "task-1", "parent_id": nil, "type": "started", "long_name": "pkg.Root",
	})

	rec := f.get(t, "/api/v1/tasks/task-1")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Root", body["name"])
	assert.Equal(t, "started", body["state"])

	rec = f.get(t, "/api/v1/tasks/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasks(t *testing.T) {
	f := newFixture(t)
	f.tracker.HandleEvent(events.Event{"uuid": "a", "type": "started"})
	f.tracker.HandleEvent(events.Event{"uuid": "b", "type": "started"})

	rec := f.get(t, "/api/v1/tasks")
	require.Equal(t, http.StatusOK, rec.Code)

	var tasks map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 2)
	assert.Contains(t, tasks, "a")
	assert.Contains(t, tasks, "b")
}

func TestPostRevokeTask(t *testing.T) {
	f := newFixture(t)
	rec := f.postJSON(t, "/api/v1/revoke", map[string]any{
		"task_uuid": "task-7", "reason": "operator request", "user": "alice",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["record_id"])
	assert.Equal(t, "task-7", body["task_uuid"])
	assert.Equal(t, []string{"task-7"}, f.control.terminated)
}

func TestPostRevokeRequiresReason(t *testing.T) {
	f := newFixture(t)
	rec := f.postJSON(t, "/api/v1/revoke", map[string]any{"task_uuid": "task-7"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.control.terminated)
}

func TestPostRevokeRunScopeDefaultsToRoot(t *testing.T) {
	f := newFixture(t)
	f.tracker.HandleEvent(events.Event{
		"uuid": "root-1", "parent_id": nil, "type": "started",
	})

	rec := f.postJSON(t, "/api/v1/revoke", map[string]any{
		"reason": "shutdown", "run_scope": true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "root-1", decodeBody(t, rec)["task_uuid"])
	assert.Equal(t, []string{"root-1"}, f.control.terminated)
}

func TestPostRevokeRunScopeWithoutRootKnown(t *testing.T) {
	f := newFixture(t)
	rec := f.postJSON(t, "/api/v1/revoke", map[string]any{
		"reason": "shutdown", "run_scope": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLatestRevoke(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/api/v1/revoke/latest")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.tracker.HandleEvent(events.Event{
		"uuid": "root-1", "parent_id": nil, "type": "started",
	})
	rec = f.postJSON(t, "/api/v1/revoke", map[string]any{
		"reason": "shutdown", "run_scope": true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.get(t, "/api/v1/revoke/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "root-1", body["task_uuid"])
	assert.Equal(t, true, body["is_root_scope"])
}
