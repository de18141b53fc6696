// Package collector is the terminal-transition funnel: every path that ends
// an execution attempt (agent result, watchdog timeout, no-agent failure,
// cancellation) goes through it, so assignment release, event emission, and
// the task-completion check happen exactly once per transition.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskfleet/taskfleet/pkg/bus"
	"github.com/taskfleet/taskfleet/pkg/hub"
	"github.com/taskfleet/taskfleet/pkg/metrics"
	"github.com/taskfleet/taskfleet/pkg/models"
	"github.com/taskfleet/taskfleet/pkg/reporter"
	"github.com/taskfleet/taskfleet/pkg/store"
)

// RoomSender is the hub surface used to push cancellations to agents.
type RoomSender interface {
	Send(agentName string, env hub.Envelope) error
}

// Collector ingests execution results and decides task completion.
type Collector struct {
	store    *store.Store
	bus      *bus.Bus
	rooms    RoomSender
	metrics  *metrics.Metrics
	reporter reporter.Reporter
	now      func() time.Time

	// Completion is decided under a per-task mutex so racing result
	// callbacks commit exactly one terminal transition.
	tasksMu sync.Mutex
	taskMus map[int64]*sync.Mutex
}

// New creates a collector.
func New(st *store.Store, eventBus *bus.Bus, rooms RoomSender, m *metrics.Metrics, rep reporter.Reporter) *Collector {
	return &Collector{
		store:    st,
		bus:      eventBus,
		rooms:    rooms,
		metrics:  m,
		reporter: rep,
		now:      func() time.Time { return time.Now().UTC() },
		taskMus:  make(map[int64]*sync.Mutex),
	}
}

// lockTask returns the unlock function for the task's mutex.
func (c *Collector) lockTask(taskID int64) func() {
	c.tasksMu.Lock()
	mu, ok := c.taskMus[taskID]
	if !ok {
		mu = &sync.Mutex{}
		c.taskMus[taskID] = mu
	}
	c.tasksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Result is one subtask completion reported by an agent.
type Result struct {
	TaskID      int64
	ExecutionID string
	SubtaskName string
	AgentName   string
	Status      models.ExecutionStatus
	Result      string
	Error       string
	Elapsed     float64
}

// SubtaskStarted records that the agent began executing. Idempotent; the row
// normally entered RUNNING already when the dispatch was acked.
func (c *Collector) SubtaskStarted(ctx context.Context, executionID string) error {
	err := c.store.MarkExecutionRunning(ctx, executionID, c.now())
	if errors.Is(err, store.ErrIllegalTransition) {
		// Already terminal; a late start notification is harmless.
		return nil
	}
	return err
}

// SubtaskResult ingests one terminal result from an agent. Replays are
// no-ops; results that would violate the per-agent ordering are rejected
// with ErrConflict; results with no matching row are recovered as
// lost-and-found rows.
func (c *Collector) SubtaskResult(ctx context.Context, res Result) error {
	if !res.Status.Terminal() {
		return fmt.Errorf("result status %s is not terminal: %w", res.Status, store.ErrIllegalTransition)
	}

	unlock := c.lockTask(res.TaskID)
	defer unlock()

	task, err := c.store.GetTask(ctx, res.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %d: %w", res.TaskID, store.ErrNotFound)
	}

	row, err := c.locateRow(ctx, &res)
	if err != nil {
		return err
	}
	if row == nil {
		// Fully handled (idempotent replay) inside locateRow.
		return nil
	}

	if err := c.store.FinalizeExecution(ctx, row.ID, res.Status, c.now(), res.Result, res.Error, res.Elapsed); err != nil {
		return err
	}
	c.metrics.ExecutionsFinished.WithLabelValues(string(res.Status)).Inc()

	return c.checkCompletion(ctx, task)
}

// locateRow finds the row a result belongs to, applying the lost-and-found
// policy. Returns (nil, nil) when the result was an idempotent replay.
func (c *Collector) locateRow(ctx context.Context, res *Result) (*models.SubtaskExecution, error) {
	if res.ExecutionID != "" {
		row, err := c.store.GetExecution(ctx, res.ExecutionID)
		if err != nil {
			return nil, err
		}
		if row != nil {
			if row.Status.Terminal() {
				if row.Status == res.Status {
					return nil, nil // replay, already recorded
				}
				return nil, fmt.Errorf("execution %s already %s: %w", row.ID, row.Status, store.ErrConflict)
			}
			return row, nil
		}
	}

	row, err := c.store.RunningExecutionFor(ctx, res.TaskID, res.SubtaskName, res.AgentName)
	if err != nil {
		return nil, err
	}
	if row != nil {
		return row, nil
	}

	return c.lostAndFound(ctx, res)
}

// lostAndFound handles a result with no matching RUNNING row: a replay of a
// recorded attempt is absorbed, an out-of-order completion is rejected, and
// anything else is recorded as a fresh terminal row for audit.
func (c *Collector) lostAndFound(ctx context.Context, res *Result) (*models.SubtaskExecution, error) {
	rows, err := c.store.ExecutionsFor(ctx, res.TaskID, store.ExecutionFilter{
		SubtaskName: res.SubtaskName, AgentName: res.AgentName,
	})
	if err != nil {
		return nil, err
	}

	maxAttempt := -1
	for _, row := range rows {
		if row.Status == res.Status && row.Result == res.Result && row.Error == res.Error {
			return nil, nil // replay of an attempt we already recorded
		}
		if row.AttemptIndex > maxAttempt {
			maxAttempt = row.AttemptIndex
		}
	}

	// A completion for a subtask whose same-agent predecessors never ran is
	// an ordering violation, not a recovery case.
	if violated, blocker := c.orderingViolated(ctx, res); violated {
		slog.Warn("Rejected out-of-order subtask result",
			"task_id", res.TaskID, "subtask", res.SubtaskName, "agent", res.AgentName,
			"blocked_by", blocker)
		return nil, fmt.Errorf("subtask %s reported before %s completed: %w",
			res.SubtaskName, blocker, store.ErrConflict)
	}

	slog.Warn("Lost-and-found subtask result, creating terminal row",
		"task_id", res.TaskID, "subtask", res.SubtaskName, "agent", res.AgentName,
		"attempt_index", maxAttempt+1)

	row := &models.SubtaskExecution{
		TaskID:       res.TaskID,
		SubtaskName:  res.SubtaskName,
		AgentName:    res.AgentName,
		Status:       models.ExecutionRunning, // finalized by the caller
		AttemptIndex: maxAttempt + 1,
		ElapsedSecs:  res.Elapsed,
	}
	// Insert directly as RUNNING so FinalizeExecution can apply the terminal
	// transition and release any stale assignment in one place.
	if err := c.store.CreateExecution(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// orderingViolated reports whether an earlier-order same-agent subtask of
// the task has no completed execution yet.
func (c *Collector) orderingViolated(ctx context.Context, res *Result) (bool, string) {
	task, err := c.store.GetTask(ctx, res.TaskID)
	if err != nil || task == nil {
		return false, ""
	}
	var reported *models.Subtask
	for i := range task.Subtasks {
		if task.Subtasks[i].Name == res.SubtaskName && task.Subtasks[i].TargetAgent == res.AgentName {
			reported = &task.Subtasks[i]
			break
		}
	}
	if reported == nil {
		return false, ""
	}
	latest, err := c.store.LatestExecutions(ctx, res.TaskID)
	if err != nil {
		return false, ""
	}
	for i := range task.Subtasks {
		sub := &task.Subtasks[i]
		if sub.TargetAgent != res.AgentName || sub.Order >= reported.Order {
			continue
		}
		row := latest[models.PairKey{SubtaskName: sub.Name, AgentName: sub.TargetAgent}]
		if row == nil || row.Status != models.ExecutionCompleted {
			return true, sub.Name
		}
	}
	return false, ""
}

// RecordSynthetic records a controller-decided terminal attempt for a pair
// that has no live row: a no-agent failure after the offline grace, or a
// stop-on-failure skip. The row exists purely for audit and the completion
// predicate; attempt numbering continues from the last real attempt.
func (c *Collector) RecordSynthetic(ctx context.Context, taskID int64, sub *models.Subtask, status models.ExecutionStatus, errMsg string) error {
	unlock := c.lockTask(taskID)
	defer unlock()

	rows, err := c.store.ExecutionsFor(ctx, taskID, store.ExecutionFilter{
		SubtaskName: sub.Name, AgentName: sub.TargetAgent,
	})
	if err != nil {
		return err
	}
	attempt := 0
	for _, row := range rows {
		if row.AttemptIndex >= attempt {
			attempt = row.AttemptIndex + 1
		}
	}

	now := c.now()
	row := &models.SubtaskExecution{
		TaskID:       taskID,
		SubtaskName:  sub.Name,
		AgentName:    sub.TargetAgent,
		Order:        sub.Order,
		Status:       status,
		AttemptIndex: attempt,
		CompletedAt:  &now,
		Error:        errMsg,
	}
	if err := c.store.CreateExecution(ctx, row); err != nil {
		return err
	}
	c.metrics.ExecutionsFinished.WithLabelValues(string(status)).Inc()
	c.bus.Publish(bus.ExecutionEvent(bus.KindSubtaskCompleted, row))

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return err
	}
	return c.checkCompletion(ctx, task)
}

// Finalize applies a controller-decided terminal transition (watchdog
// timeout, no-agent failure, cancellation grace) and runs the completion
// check. Used by the scheduler.
func (c *Collector) Finalize(ctx context.Context, taskID int64, executionID string, status models.ExecutionStatus, errMsg string) error {
	unlock := c.lockTask(taskID)
	defer unlock()

	if err := c.store.FinalizeExecution(ctx, executionID, status, c.now(), "", errMsg, 0); err != nil {
		return err
	}
	c.metrics.ExecutionsFinished.WithLabelValues(string(status)).Inc()

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return err
	}
	return c.checkCompletion(ctx, task)
}
