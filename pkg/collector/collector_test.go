package collector

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/pkg/bus"
	"github.com/taskfleet/taskfleet/pkg/database"
	"github.com/taskfleet/taskfleet/pkg/hub"
	"github.com/taskfleet/taskfleet/pkg/metrics"
	"github.com/taskfleet/taskfleet/pkg/models"
	"github.com/taskfleet/taskfleet/pkg/store"
	"github.com/taskfleet/taskfleet/pkg/subtask"
)

// fakeRooms records envelopes instead of writing to sockets.
type fakeRooms struct {
	mu   sync.Mutex
	sent map[string][]hub.Envelope
	err  error
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{sent: make(map[string][]hub.Envelope)}
}

func (f *fakeRooms) Send(agentName string, env hub.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent[agentName] = append(f.sent[agentName], env)
	return nil
}

func (f *fakeRooms) sentTo(agentName string) []hub.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hub.Envelope(nil), f.sent[agentName]...)
}

// captureReporter hands each summary to a channel so tests can await it.
type captureReporter struct {
	summaries chan *models.TaskSummary
}

func (r *captureReporter) ReportTaskCompleted(_ context.Context, summary *models.TaskSummary) {
	r.summaries <- summary
}

type fixture struct {
	store     *store.Store
	bus       *bus.Bus
	rooms     *fakeRooms
	collector *Collector
	reporter  *captureReporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Path: filepath.Join(t.TempDir(), "taskfleet.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	b := bus.New()
	t.Cleanup(b.Close)

	st := store.New(client.DB(), b, subtask.NewRegistry())
	rooms := newFakeRooms()
	rep := &captureReporter{summaries: make(chan *models.TaskSummary, 4)}
	return &fixture{
		store:     st,
		bus:       b,
		rooms:     rooms,
		collector: New(st, b, rooms, metrics.New(), rep),
		reporter:  rep,
	}
}

// startTask creates a task, registers its agents, and moves it to RUNNING
// with one RUNNING execution row per subtask.
func (f *fixture) startTask(t *testing.T, task *models.Task) map[string]*models.SubtaskExecution {
	t.Helper()
	ctx := context.Background()

	agents := make(map[string]bool)
	for _, sub := range task.Subtasks {
		if !agents[sub.TargetAgent] {
			agents[sub.TargetAgent] = true
			_, err := f.store.RegisterAgent(ctx, &models.Agent{
				Name: sub.TargetAgent, Address: "10.0.0.1:9090",
			})
			require.NoError(t, err)
		}
	}

	_, err := f.store.CreateTask(ctx, task)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateTaskStatus(ctx, task.ID, models.TaskRunning, time.Now().UTC(), "", ""))

	rows := make(map[string]*models.SubtaskExecution)
	for i := range task.Subtasks {
		sub := &task.Subtasks[i]
		row := &models.SubtaskExecution{
			TaskID:      task.ID,
			SubtaskName: sub.Name,
			Order:       sub.Order,
			AgentName:   sub.TargetAgent,
			Status:      models.ExecutionRunning,
		}
		require.NoError(t, f.store.CreateExecution(ctx, row))
		rows[sub.Name] = row
	}
	return rows
}

func (f *fixture) awaitSummary(t *testing.T) *models.TaskSummary {
	t.Helper()
	select {
	case s := <-f.reporter.summaries:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no completion summary")
		return nil
	}
}

func TestSubtaskResultCompletesTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := &models.Task{Name: "t", Subtasks: []models.Subtask{
		{Name: "get_hostname", TargetAgent: "A1", Order: 0},
	}}
	rows := f.startTask(t, task)

	events, unsub := f.bus.Subscribe(bus.KindTaskCompleted)
	defer unsub()

	err := f.collector.SubtaskResult(ctx, Result{
		TaskID:      task.ID,
		ExecutionID: rows["get_hostname"].ID,
		SubtaskName: "get_hostname",
		AgentName:   "A1",
		Status:      models.ExecutionCompleted,
		Result:      "host-1",
		Elapsed:     0.5,
	})
	require.NoError(t, err)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	summary := f.awaitSummary(t)
	assert.Equal(t, models.TaskCompleted, summary.Verdict)
	require.Len(t, summary.PerAgent, 1)
	assert.Equal(t, "A1", summary.PerAgent[0].Agent)
	assert.True(t, summary.PerAgent[0].OverallSuccess)
	require.Len(t, summary.PerAgent[0].Subtasks, 1)
	assert.Equal(t, "host-1", summary.PerAgent[0].Subtasks[0].Result)
	assert.Equal(t, 1, summary.PerAgent[0].Subtasks[0].Attempts)

	select {
	case ev := <-events:
		require.NotNil(t, ev.Summary)
		assert.Equal(t, task.ID, ev.Summary.TaskID)
	case <-time.After(time.Second):
		t.Fatal("no task_completed event")
	}

	// The agent slot is released with the terminal transition.
	agent, err := f.store.GetAgent(ctx, "A1")
	require.NoError(t, err)
	assert.False(t, agent.Assigned())
}

func TestSubtaskResultReplayIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := &models.Task{Name: "t", Subtasks: []models.Subtask{
		{Name: "get_hostname", TargetAgent: "A1", Order: 0},
	}}
	rows := f.startTask(t, task)

	res := Result{
		TaskID:      task.ID,
		ExecutionID: rows["get_hostname"].ID,
		SubtaskName: "get_hostname",
		AgentName:   "A1",
		Status:      models.ExecutionCompleted,
		Result:      "host-1",
	}
	require.NoError(t, f.collector.SubtaskResult(ctx, res))
	require.NoError(t, f.collector.SubtaskResult(ctx, res)) // duplicate delivery

	all, err := f.store.ExecutionsFor(ctx, task.ID, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSubtaskResultConflictingTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := &models.Task{Name: "t", Subtasks: []models.Subtask{
		{Name: "get_hostname", TargetAgent: "A1", Order: 0},
	}}
	rows := f.startTask(t, task)

	res := Result{
		TaskID:      task.ID,
		ExecutionID: rows["get_hostname"].ID,
		SubtaskName: "get_hostname",
		AgentName:   "A1",
		Status:      models.ExecutionCompleted,
	}
	require.NoError(t, f.collector.SubtaskResult(ctx, res))

	res.Status = models.ExecutionFailed
	res.Error = "changed my mind"
	err := f.collector.SubtaskResult(ctx, res)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestSubtaskResultRejectsNonTerminalStatus(t *testing.T) {
	f := newFixture(t)
	err := f.collector.SubtaskResult(context.Background(), Result{
		TaskID: 1, SubtaskName: "get_hostname", AgentName: "A1",
		Status: models.ExecutionRunning,
	})
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
}

func TestLostAndFoundCreatesTerminalRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := &models.Task{Name: "t", Subtasks: []models.Subtask{
		{Name: "get_hostname", TargetAgent: "A1", Order: 0},
	}}
	f.startTask(t, task)

	// Wipe the row, simulating a controller that lost it.
	rows, err := f.store.ExecutionsFor(ctx, task.ID, store.ExecutionFilter{})
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteExecutionReleasing(ctx, rows[0].ID))

	err = f.collector.SubtaskResult(ctx, Result{
		TaskID:      task.ID,
		ExecutionID: "no-such-row",
		SubtaskName: "get_hostname",
		AgentName:   "A1",
		Status:      models.ExecutionCompleted,
		Result:      "host-1",
	})
	require.NoError(t, err)

	latest, err := f.store.LatestExecutions(ctx, task.ID)
	require.NoError(t, err)
	row := latest[models.PairKey{SubtaskName: "get_hostname", AgentName: "A1"}]
	require.NotNil(t, row)
	assert.Equal(t, models.ExecutionCompleted, row.Status)
	assert.Equal(t, "host-1", row.Result)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
}

func TestOutOfOrderResultRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two-step chain on one agent; only the first step has a row.
	task := &models.Task{Name: "t", Subtasks: []models.Subtask{
		{Name: "get_hostname", TargetAgent: "A1", Order: 0},
		{Name: "get_system_info", TargetAgent: "A1", Order: 1},
	}}
	_, err := f.store.RegisterAgent(ctx, &models.Agent{Name: "A1", Address: "10.0.0.1:9090"})
	require.NoError(t, err)
	_, err = f.store.CreateTask(ctx, task)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateTaskStatus(ctx, task.ID, models.TaskRunning, time.Now().UTC(), "", ""))

	// A result for step 1 while step 0 never completed.
	err = f.collector.SubtaskResult(ctx, Result{
		TaskID:      task.ID,
		SubtaskName: "get_system_info",
		AgentName:   "A1",
		Status:      models.ExecutionCompleted,
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestFailureInsideRetryBudgetKeepsTaskRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := &models.Task{Name: "t", MaxRetries: 1, Subtasks: []models.Subtask{
		{Name: "get_hostname", TargetAgent: "A1", Order: 0},
	}}
	rows := f.startTask(t, task)

	err := f.collector.SubtaskResult(ctx, Result{
		TaskID:      task.ID,
		ExecutionID: rows["get_hostname"].ID,
		SubtaskName: "get_hostname",
		AgentName:   "A1",
		Status:      models.ExecutionFailed,
		Error:       "boom",
	})
	require.NoError(t, err)

	// Attempt 0 of a budget of 1: a retry is still coming.
	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, got.Status)
}

func TestNoAgentFailureSettlesDespiteBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := &models.Task{Name: "t", MaxRetries: 3, Subtasks: []models.Subtask{
		{Name: "get_hostname", TargetAgent: "A1", Order: 0},
	}}
	_, err := f.store.CreateTask(ctx, task)
	require.NoError(t, err)

	sub := &task.Subtasks[0]
	require.NoError(t, f.collector.RecordSynthetic(ctx, task.ID, sub,
		models.ExecutionFailed, models.ErrorNoAgent))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)

	summary := f.awaitSummary(t)
	assert.Equal(t, models.TaskFailed, summary.Verdict)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := &models.Task{Name: "t", Subtasks: []models.Subtask{
		{Name: "get_hostname", TargetAgent: "A1", Order: 0},
		{Name: "get_system_info", TargetAgent: "A1", Order: 1},
	}}
	f.startTask(t, task)

	// Make the second row PENDING so both deletion and interrupt paths run.
	rows, err := f.store.ExecutionsFor(ctx, task.ID, store.ExecutionFilter{SubtaskName: "get_system_info"})
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteExecutionReleasing(ctx, rows[0].ID))
	require.NoError(t, f.store.CreateExecution(ctx, &models.SubtaskExecution{
		TaskID: task.ID, SubtaskName: "get_system_info", Order: 1,
		AgentName: "A1", Status: models.ExecutionPending,
	}))

	events, unsub := f.bus.Subscribe(bus.KindTaskCancelled)
	defer unsub()

	require.NoError(t, f.collector.CancelTask(ctx, task.ID))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, got.Status)

	// Pending row deleted; running row left for the agent ack or the grace
	// watchdog.
	all, err := f.store.ExecutionsFor(ctx, task.ID, store.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.ExecutionRunning, all[0].Status)

	// The agent with running work got exactly one interrupt.
	sent := f.rooms.sentTo("A1")
	require.Len(t, sent, 1)
	assert.Equal(t, hub.KindTaskCancelled, sent[0].Kind)

	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("no task_cancelled event")
	}

	// Idempotent.
	require.NoError(t, f.collector.CancelTask(ctx, task.ID))
	assert.Len(t, f.rooms.sentTo("A1"), 1)
}

func TestCancelCompletedTaskRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := &models.Task{Name: "t", Subtasks: []models.Subtask{
		{Name: "get_hostname", TargetAgent: "A1", Order: 0},
	}}
	rows := f.startTask(t, task)
	require.NoError(t, f.collector.SubtaskResult(ctx, Result{
		TaskID:      task.ID,
		ExecutionID: rows["get_hostname"].ID,
		SubtaskName: "get_hostname",
		AgentName:   "A1",
		Status:      models.ExecutionCompleted,
	}))

	err := f.collector.CancelTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
}

func TestCancelledTaskNeverCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := &models.Task{Name: "t", Subtasks: []models.Subtask{
		{Name: "get_hostname", TargetAgent: "A1", Order: 0},
	}}
	rows := f.startTask(t, task)
	require.NoError(t, f.collector.CancelTask(ctx, task.ID))

	// A late success for the running row is recorded on the row, but the
	// task verdict stays CANCELLED and no completion summary is emitted.
	require.NoError(t, f.collector.SubtaskResult(ctx, Result{
		TaskID:      task.ID,
		ExecutionID: rows["get_hostname"].ID,
		SubtaskName: "get_hostname",
		AgentName:   "A1",
		Status:      models.ExecutionCompleted,
		Result:      "host-1",
	}))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, got.Status)

	select {
	case <-f.reporter.summaries:
		t.Fatal("cancelled task produced a completion summary")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSummaryGroupsPerAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := &models.Task{Name: "t", Subtasks: []models.Subtask{
		{Name: "get_hostname", TargetAgent: "A1", Order: 0},
		{Name: "get_hostname", TargetAgent: "A2", Order: 0},
		{Name: "get_system_info", TargetAgent: "A1", Order: 1},
	}}
	f.startTask(t, task)

	all, err := f.store.ExecutionsFor(ctx, task.ID, store.ExecutionFilter{})
	require.NoError(t, err)
	for _, row := range all {
		status := models.ExecutionCompleted
		errMsg := ""
		if row.AgentName == "A2" {
			status = models.ExecutionFailed
			errMsg = "boom"
		}
		require.NoError(t, f.collector.SubtaskResult(ctx, Result{
			TaskID:      task.ID,
			ExecutionID: row.ID,
			SubtaskName: row.SubtaskName,
			AgentName:   row.AgentName,
			Status:      status,
			Error:       errMsg,
		}))
	}

	summary := f.awaitSummary(t)
	assert.Equal(t, models.TaskFailed, summary.Verdict)
	require.Len(t, summary.PerAgent, 2)

	byAgent := make(map[string]models.AgentSummary)
	for _, a := range summary.PerAgent {
		byAgent[a.Agent] = a
	}
	assert.True(t, byAgent["A1"].OverallSuccess)
	assert.Equal(t, 2, byAgent["A1"].Total)
	assert.Equal(t, 2, byAgent["A1"].Successful)
	assert.False(t, byAgent["A2"].OverallSuccess)
	assert.Equal(t, 0, byAgent["A2"].Successful)
}
