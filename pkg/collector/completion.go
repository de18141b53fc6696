package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskfleet/taskfleet/pkg/bus"
	"github.com/taskfleet/taskfleet/pkg/hub"
	"github.com/taskfleet/taskfleet/pkg/models"
	"github.com/taskfleet/taskfleet/pkg/store"
)

// checkCompletion runs the task-completion predicate and, when every
// (subtask, agent) pair has settled, commits the verdict and emits
// task_completed exactly once. Caller holds the task mutex.
func (c *Collector) checkCompletion(ctx context.Context, task *models.Task) error {
	if task.Status.Terminal() {
		return nil
	}

	latest, err := c.store.LatestExecutions(ctx, task.ID)
	if err != nil {
		return err
	}

	allCompleted := true
	for i := range task.Subtasks {
		sub := &task.Subtasks[i]
		row := latest[models.PairKey{SubtaskName: sub.Name, AgentName: sub.TargetAgent}]
		if !pairSettled(sub, row, task.MaxRetries) {
			return nil // at least one pair still has work or retries coming
		}
		if row.Status != models.ExecutionCompleted {
			allCompleted = false
		}
	}

	verdict := models.TaskCompleted
	taskErr := ""
	if !allCompleted {
		verdict = models.TaskFailed
		taskErr = "one or more subtasks failed"
	}

	completedAt := c.now()
	if task.Status == models.TaskPending {
		// Every pair settled without a single dispatch (all no-agent). Pass
		// through RUNNING so the lifecycle stays pending → running → terminal.
		if err := c.store.UpdateTaskStatus(ctx, task.ID, models.TaskRunning, completedAt, "", ""); err != nil {
			return err
		}
	}
	if err := c.store.UpdateTaskStatus(ctx, task.ID, verdict, completedAt, "", taskErr); err != nil {
		return err
	}
	c.metrics.TasksFinished.WithLabelValues(string(verdict)).Inc()

	summary := c.buildSummary(task, verdict, completedAt, latest)
	c.bus.Publish(bus.Event{Kind: bus.KindTaskCompleted, Summary: summary})

	// Fire-and-forget: reporter failures never revert task state.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Reporter panicked", "task_id", summary.TaskID, "panic", r)
			}
		}()
		c.reporter.ReportTaskCompleted(context.WithoutCancel(ctx), summary)
	}()

	slog.Info("Task finished", "task_id", task.ID, "verdict", verdict)
	return nil
}

// pairSettled reports whether a (subtask, agent) pair needs no further
// attention: its latest row is terminal and no retry attempt remains. A
// FAILED row still inside the retry budget is unsettled unless it was a
// no-agent failure, which ends the chain regardless of budget.
func pairSettled(sub *models.Subtask, row *models.SubtaskExecution, taskRetries int) bool {
	if row == nil || !row.Status.Terminal() {
		return false
	}
	if row.Status != models.ExecutionFailed {
		return true
	}
	if row.Error == models.ErrorNoAgent {
		return true
	}
	return row.AttemptIndex >= sub.RetryBudget(taskRetries)
}

// buildSummary assembles the structured aggregate for reporters, grouping
// per agent in subtask order.
func (c *Collector) buildSummary(task *models.Task, verdict models.TaskStatus, completedAt time.Time, latest map[models.PairKey]*models.SubtaskExecution) *models.TaskSummary {
	summary := &models.TaskSummary{
		TaskID:      task.ID,
		Name:        task.Name,
		Verdict:     verdict,
		StartedAt:   task.StartedAt,
		CompletedAt: &completedAt,
		SendEmail:   task.SendEmail,
		Recipients:  task.EmailRecipients,
	}
	if task.StartedAt != nil {
		summary.ElapsedSecs = completedAt.Sub(*task.StartedAt).Seconds()
	}

	byAgent := make(map[string]*models.AgentSummary)
	var agentOrder []string
	for i := range task.Subtasks {
		sub := &task.Subtasks[i]
		agent, ok := byAgent[sub.TargetAgent]
		if !ok {
			agent = &models.AgentSummary{Agent: sub.TargetAgent, OverallSuccess: true}
			byAgent[sub.TargetAgent] = agent
			agentOrder = append(agentOrder, sub.TargetAgent)
		}

		line := models.SubtaskSummary{Name: sub.Name, Order: sub.Order}
		if row := latest[models.PairKey{SubtaskName: sub.Name, AgentName: sub.TargetAgent}]; row != nil {
			line.Status = row.Status
			line.Result = row.Result
			line.Error = row.Error
			line.ElapsedSecs = row.ElapsedSecs
			line.Attempts = row.AttemptIndex + 1
		} else {
			line.Status = models.ExecutionPending
		}

		agent.Total++
		if line.Status == models.ExecutionCompleted {
			agent.Successful++
		} else {
			agent.OverallSuccess = false
		}
		agent.Subtasks = append(agent.Subtasks, line)
	}

	for _, name := range agentOrder {
		summary.PerAgent = append(summary.PerAgent, *byAgent[name])
	}
	return summary
}

// CancelTask cancels a task: the task row goes CANCELLED immediately,
// PENDING executions are deleted (freeing their slots), and agents with
// RUNNING executions are told to interrupt. RUNNING rows settle when the
// agent acknowledges or when the cancellation grace expires (scheduler
// watchdog). Idempotent: cancelling a cancelled task is a no-op; cancelling
// a completed or failed task returns ErrIllegalTransition.
func (c *Collector) CancelTask(ctx context.Context, taskID int64) error {
	unlock := c.lockTask(taskID)
	defer unlock()

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return store.ErrNotFound
	}
	if task.Status == models.TaskCancelled {
		return nil
	}

	if err := c.store.UpdateTaskStatus(ctx, taskID, models.TaskCancelled, c.now(), "", "cancelled by operator"); err != nil {
		return err
	}
	c.metrics.TasksFinished.WithLabelValues(string(models.TaskCancelled)).Inc()

	if _, err := c.store.DeletePendingExecutions(ctx, taskID, store.ExecutionFilter{}); err != nil {
		return err
	}

	// Tell every agent still running work for this task to interrupt.
	running, err := c.store.NonTerminalExecutions(ctx, taskID)
	if err != nil {
		return err
	}
	env, err := hub.NewEnvelope(hub.KindTaskCancelled, hub.TaskCancelledPayload{TaskID: taskID})
	if err != nil {
		return err
	}
	notified := make(map[string]bool)
	for _, row := range running {
		if notified[row.AgentName] {
			continue
		}
		notified[row.AgentName] = true
		if err := c.rooms.Send(row.AgentName, env); err != nil {
			slog.Warn("Could not push cancellation to agent; grace timer will settle the row",
				"task_id", taskID, "agent", row.AgentName, "error", err)
		}
	}

	c.bus.Publish(bus.TaskEvent(bus.KindTaskCancelled, taskID, models.TaskCancelled))
	slog.Info("Task cancelled", "task_id", taskID, "running_rows", len(running))
	return nil
}
