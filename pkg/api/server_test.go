package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/pkg/bus"
	"github.com/taskfleet/taskfleet/pkg/collector"
	"github.com/taskfleet/taskfleet/pkg/config"
	"github.com/taskfleet/taskfleet/pkg/database"
	"github.com/taskfleet/taskfleet/pkg/hub"
	"github.com/taskfleet/taskfleet/pkg/metrics"
	"github.com/taskfleet/taskfleet/pkg/models"
	"github.com/taskfleet/taskfleet/pkg/presence"
	"github.com/taskfleet/taskfleet/pkg/reporter"
	"github.com/taskfleet/taskfleet/pkg/store"
	"github.com/taskfleet/taskfleet/pkg/subtask"
	"github.com/taskfleet/taskfleet/pkg/subtask/runner"
)

type nopKicker struct{}

func (nopKicker) Kick() {}

type testServer struct {
	server *Server
	store  *store.Store
	router *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Path: filepath.Join(t.TempDir(), "taskfleet.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	b := bus.New()
	t.Cleanup(b.Close)

	registry := subtask.NewRegistry()
	st := store.New(client.DB(), b, registry)
	tracker := presence.NewTracker(st, b, config.PresenceConfig{
		HeartbeatInterval: 30 * time.Second,
		Timeout:           90 * time.Second,
		ReapInterval:      30 * time.Second,
	})
	h := hub.New(config.ChannelConfig{
		PingInterval: 30 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	t.Cleanup(h.Close)

	m := metrics.New()
	c := collector.New(st, b, h, m, reporter.LogReporter{})

	srv := NewServer(st, client, tracker, h, c, nopKicker{}, registry, runner.New(nil), m)
	return &testServer{server: srv, store: st, router: srv.Router()}
}

func (ts *testServer) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func taskBody(agent string) map[string]any {
	return map[string]any{
		"name": "t1",
		"subtasks": []map[string]any{
			{"name": "get_hostname", "target_agent": agent, "order": 0},
		},
	}
}

func TestCreateAndGetTask(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/tasks", taskBody("A1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)

	var created models.Task
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &created))
	assert.Equal(t, models.TaskPending, created.Status)

	rec = ts.request(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d", created.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(t, http.MethodGet, "/api/tasks/9999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.False(t, env.Success)
}

func TestCreateTaskValidationMaps400(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/tasks", map[string]any{
		"name": "t1",
		"subtasks": []map[string]any{
			{"name": "fly_to_moon", "target_agent": "A1"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "fly_to_moon")
}

func TestUpdateRunningTaskConflicts(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rec := ts.request(t, http.MethodPost, "/api/tasks", taskBody("A1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	tasks, err := ts.store.ListTasks(ctx)
	require.NoError(t, err)
	id := tasks[0].ID
	require.NoError(t, ts.store.UpdateTaskStatus(ctx, id, models.TaskRunning, time.Now().UTC(), "", ""))

	rec = ts.request(t, http.MethodPut, fmt.Sprintf("/api/tasks/%d", id), taskBody("A1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelTaskEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rec := ts.request(t, http.MethodPost, "/api/tasks", taskBody("A1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	tasks, err := ts.store.ListTasks(ctx)
	require.NoError(t, err)
	id := tasks[0].ID

	rec = ts.request(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/cancel", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := ts.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, got.Status)

	// Cancelling again is idempotent; cancelling a completed task conflicts.
	rec = ts.request(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/cancel", id), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterAgentIdempotentAndConflict(t *testing.T) {
	ts := newTestServer(t)

	body := map[string]any{"name": "A1", "address": "10.0.0.5:9090"}
	rec := ts.request(t, http.MethodPost, "/api/agents/register", body)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Same name and address: refresh, 200.
	rec = ts.request(t, http.MethodPost, "/api/agents/register", body)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Same name, different address: client error.
	rec = ts.request(t, http.MethodPost, "/api/agents/register", map[string]any{
		"name": "A1", "address": "10.9.9.9:9090",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeatBare200(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/agents/register", map[string]any{
		"name": "A1", "address": "10.0.0.5:9090",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.request(t, http.MethodPost, "/api/agents/heartbeat", map[string]any{
		"name": "A1", "status": "free",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = ts.request(t, http.MethodPost, "/api/agents/heartbeat", map[string]any{
		"name": "ghost",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentNamesOnlineFilter(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/agents/register", map[string]any{
		"name": "A1", "address": "10.0.0.5:9090",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.request(t, http.MethodGet, "/api/agents/names?online=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var names []string
	require.NoError(t, json.Unmarshal(raw, &names))
	assert.Equal(t, []string{"A1"}, names)
}

func TestValidateAgentName(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/agents/register", map[string]any{
		"name": "A1", "address": "10.0.0.5:9090",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	tests := []struct {
		name  string
		valid bool
	}{
		{"A1", false},      // taken
		{"fresh-1", true},  // available
		{"has space", false},
	}
	for _, tt := range tests {
		rec := ts.request(t, http.MethodPost, "/api/agents/validate_name", map[string]any{"name": tt.name})
		require.Equal(t, http.StatusOK, rec.Code)
		env := decodeEnvelope(t, rec)
		data := env.Data.(map[string]any)
		assert.Equal(t, tt.valid, data["valid"], "name %q", tt.name)
	}
}

func TestSubtaskCatalogAndLocalTest(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/api/subtasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var kinds []subtask.Metadata
	require.NoError(t, json.Unmarshal(raw, &kinds))
	require.Len(t, kinds, 3)

	rec = ts.request(t, http.MethodPost, "/api/subtasks/get_hostname/test", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	data := env.Data.(map[string]any)
	assert.Equal(t, string(models.ExecutionCompleted), data["status"])
	assert.NotEmpty(t, data["result"])

	rec = ts.request(t, http.MethodPost, "/api/subtasks/fly_to_moon/test", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubtaskResultIngestionCompletesTask(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.store.RegisterAgent(ctx, &models.Agent{Name: "A1", Address: "10.0.0.5:9090"})
	require.NoError(t, err)
	task := &models.Task{Name: "t", Subtasks: []models.Subtask{
		{Name: "get_hostname", TargetAgent: "A1", Order: 0},
	}}
	_, err = ts.store.CreateTask(ctx, task)
	require.NoError(t, err)
	require.NoError(t, ts.store.UpdateTaskStatus(ctx, task.ID, models.TaskRunning, time.Now().UTC(), "", ""))
	row := &models.SubtaskExecution{
		TaskID: task.ID, SubtaskName: "get_hostname", AgentName: "A1",
		Status: models.ExecutionRunning,
	}
	require.NoError(t, ts.store.CreateExecution(ctx, row))

	rec := ts.request(t, http.MethodPost, "/api/subtask_result", map[string]any{
		"task_id":           task.ID,
		"execution_id":      row.ID,
		"subtask_name":      "get_hostname",
		"agent_name":        "A1",
		"status":            "completed",
		"result":            "host-1",
		"execution_seconds": 0.4,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := ts.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)

	// Non-terminal status is rejected.
	rec = ts.request(t, http.MethodPost, "/api/subtask_result", map[string]any{
		"task_id": task.ID, "subtask_name": "get_hostname",
		"agent_name": "A1", "status": "running",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommLogsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.store.AppendCommLog(ctx, &models.CommLogEntry{
		AgentName: "A1", AgentAddress: "10.0.0.5:9090", Action: "subtask_dispatch",
		Message: "task 1 subtask get_hostname attempt 0",
	}))

	rec := ts.request(t, http.MethodGet, "/api/logs?agent_address=10.0.0.5:9090&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var entries []models.CommLogEntry
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "subtask_dispatch", entries[0].Action)

	rec = ts.request(t, http.MethodGet, "/api/logs?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
