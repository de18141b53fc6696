package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/taskfleet/taskfleet/pkg/models"
	"github.com/taskfleet/taskfleet/pkg/store"
)

// tick runs one full scheduling pass: watchdogs first (they free agent slots
// and settle tasks), then chain advancement for every runnable and running
// task.
func (s *Scheduler) tick(ctx context.Context) error {
	started := time.Now()
	defer func() {
		s.metrics.TickDuration.Observe(time.Since(started).Seconds())
	}()

	if err := s.runWatchdogs(ctx); err != nil {
		return err
	}

	now := s.now()
	runnable, err := s.store.RunnableTasks(ctx, now)
	if err != nil {
		return err
	}
	running, err := s.store.RunningTasks(ctx)
	if err != nil {
		return err
	}

	tasks := make([]*models.Task, 0, len(runnable)+len(running))
	tasks = append(tasks, runnable...)
	tasks = append(tasks, running...)
	sortTasksForScheduling(tasks)

	for _, task := range tasks {
		if err := s.scheduleTask(ctx, task); err != nil {
			slog.Error("Failed to schedule task", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

// sortTasksForScheduling orders the combined runnable and running sets the way
// a single queue would: scheduled tasks first by schedule time, then creation
// time, then id. Without the merge, a freshly runnable task could grab a free
// agent ahead of an older running task's next subtask.
func sortTasksForScheduling(tasks []*models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		switch {
		case a.ScheduleTime != nil && b.ScheduleTime == nil:
			return true
		case a.ScheduleTime == nil && b.ScheduleTime != nil:
			return false
		case a.ScheduleTime != nil && !a.ScheduleTime.Equal(*b.ScheduleTime):
			return a.ScheduleTime.Before(*b.ScheduleTime)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// scheduleTask advances every per-agent chain of one task.
func (s *Scheduler) scheduleTask(ctx context.Context, task *models.Task) error {
	latest, err := s.store.LatestExecutions(ctx, task.ID)
	if err != nil {
		return err
	}
	for _, chain := range chainsOf(task) {
		if err := s.advanceChain(ctx, task, chain, latest); err != nil {
			return err
		}
	}
	return nil
}

// chainsOf groups a task's subtasks by target agent, each chain sorted by
// ascending order (ties keep declaration position).
func chainsOf(task *models.Task) [][]*models.Subtask {
	byAgent := make(map[string][]*models.Subtask)
	var agents []string
	for i := range task.Subtasks {
		sub := &task.Subtasks[i]
		if _, ok := byAgent[sub.TargetAgent]; !ok {
			agents = append(agents, sub.TargetAgent)
		}
		byAgent[sub.TargetAgent] = append(byAgent[sub.TargetAgent], sub)
	}
	chains := make([][]*models.Subtask, 0, len(agents))
	for _, agent := range agents {
		chain := byAgent[agent]
		sort.SliceStable(chain, func(i, j int) bool { return chain[i].Order < chain[j].Order })
		chains = append(chains, chain)
	}
	return chains
}

// advanceChain walks one per-agent chain in order and acts on the first pair
// that still needs something: a fresh dispatch, a retry, a skip cascade, or
// nothing (a row in flight blocks the chain).
func (s *Scheduler) advanceChain(ctx context.Context, task *models.Task, chain []*models.Subtask, latest map[models.PairKey]*models.SubtaskExecution) error {
	for i, sub := range chain {
		row := latest[models.PairKey{SubtaskName: sub.Name, AgentName: sub.TargetAgent}]

		switch {
		case row == nil:
			return s.maybeDispatch(ctx, task, sub, 0)

		case !row.Status.Terminal():
			if row.Status == models.ExecutionPending && s.now().Sub(row.CreatedAt) > 2*s.cfg.TickInterval {
				// A dispatch that never reached the transport (crash or error
				// between row creation and send). Reclaim the slot and redo
				// the same attempt.
				slog.Warn("Reclaiming stale pending execution",
					"task_id", task.ID, "subtask", sub.Name, "agent", sub.TargetAgent,
					"execution_id", row.ID)
				if err := s.store.DeleteExecutionReleasing(ctx, row.ID); err != nil {
					return err
				}
				return s.maybeDispatch(ctx, task, sub, row.AttemptIndex)
			}
			return nil // in flight; chain blocked

		case row.Status == models.ExecutionCompleted,
			row.Status == models.ExecutionCancelled:
			continue

		case row.Status == models.ExecutionFailed:
			final := row.Error == models.ErrorNoAgent ||
				row.AttemptIndex >= sub.RetryBudget(task.MaxRetries)
			if !final {
				return s.maybeRetry(ctx, task, sub, row)
			}
			if sub.StopOnFailure {
				return s.skipRemainder(ctx, task, chain[i+1:], latest)
			}
			continue
		}
	}
	return nil
}

// maybeDispatch dispatches one attempt of a pair if its target agent is
// reachable and free, applying the unreachable-agent grace ladder otherwise.
func (s *Scheduler) maybeDispatch(ctx context.Context, task *models.Task, sub *models.Subtask, attempt int) error {
	slot := slotFor(task.ID, sub)

	agent, err := s.store.GetAgent(ctx, sub.TargetAgent)
	if err != nil {
		return err
	}
	if agent == nil || !s.rooms.Connected(sub.TargetAgent) ||
		s.presence.Presence(agent) == models.PresenceOffline {
		return s.waitOrFail(ctx, task, sub, slot)
	}
	if s.presence.Presence(agent) == models.PresenceBusy {
		// Reachable but occupied (possibly by another task). Not a grace
		// case; just wait for the slot.
		s.forgetSlot(slot)
		return nil
	}

	row := &models.SubtaskExecution{
		TaskID:       task.ID,
		SubtaskName:  sub.Name,
		Order:        sub.Order,
		AgentName:    sub.TargetAgent,
		AttemptIndex: attempt,
		TimeoutSecs:  sub.TimeoutSeconds,
	}
	if err := s.store.CreateExecutionAssigned(ctx, row); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrBadAssignment) {
			// Lost a race for the slot or the pair; the next tick re-reads.
			return nil
		}
		return err
	}

	if err := s.dispatcher.Dispatch(ctx, row, sub); err != nil {
		slog.Warn("Dispatch failed, rolling back execution",
			"task_id", task.ID, "subtask", sub.Name, "agent", sub.TargetAgent, "error", err)
		if _, delErr := s.store.DeletePendingExecutions(ctx, task.ID, store.ExecutionFilter{
			SubtaskName: sub.Name, AgentName: sub.TargetAgent,
		}); delErr != nil {
			return delErr
		}
		return nil // retried on a later tick, same attempt index
	}

	// The task flips to running only once the dispatch reached the transport,
	// so a send failure leaves it pending. An asynchronous nack can still
	// arrive after this point; the nack frees the slot and the next tick
	// redispatches while the task stays running.
	if task.Status == models.TaskPending {
		if err := s.store.UpdateTaskStatus(ctx, task.ID, models.TaskRunning, s.now(), "", ""); err != nil {
			return err
		}
		task.Status = models.TaskRunning
	}

	if err := s.store.MarkExecutionRunning(ctx, row.ID, s.now()); err != nil {
		return err
	}
	s.forgetSlot(slot)
	slog.Info("Dispatched subtask",
		"task_id", task.ID, "subtask", sub.Name, "agent", sub.TargetAgent,
		"attempt", attempt, "execution_id", row.ID)
	return nil
}

// maybeRetry re-dispatches a failed pair once its backoff deadline passes.
// The chain stays blocked until the retry resolves.
func (s *Scheduler) maybeRetry(ctx context.Context, task *models.Task, sub *models.Subtask, failed *models.SubtaskExecution) error {
	slot := slotFor(task.ID, sub)

	s.mu.Lock()
	deadline, ok := s.retryAt[slot]
	if !ok {
		anchor := s.now()
		if failed.CompletedAt != nil {
			anchor = *failed.CompletedAt
		}
		deadline = anchor.Add(s.backoffDelay(failed.AttemptIndex))
		s.retryAt[slot] = deadline
	}
	s.mu.Unlock()

	if s.now().Before(deadline) {
		return nil
	}
	return s.maybeDispatch(ctx, task, sub, failed.AttemptIndex+1)
}

// waitOrFail implements the unreachable-agent grace: a pair whose target is
// unknown, disconnected, or presence-offline waits up to AgentGracePeriod from
// the first tick that noticed, then fails with the no-agent error. The
// no-agent failure is final regardless of the retry budget.
func (s *Scheduler) waitOrFail(ctx context.Context, task *models.Task, sub *models.Subtask, slot chainSlot) error {
	now := s.now()

	s.mu.Lock()
	since, ok := s.waitingSince[slot]
	if !ok {
		since = now
		s.waitingSince[slot] = since
	}
	s.mu.Unlock()

	if now.Sub(since) < s.cfg.AgentGracePeriod {
		return nil
	}

	s.forgetSlot(slot)
	slog.Warn("Agent unreachable past grace period, failing subtask",
		"task_id", task.ID, "subtask", sub.Name, "agent", sub.TargetAgent,
		"waited", now.Sub(since))
	return s.collector.RecordSynthetic(ctx, task.ID, sub, models.ExecutionFailed, models.ErrorNoAgent)
}

// skipRemainder cancels every not-yet-settled pair after a final failure of a
// stop-on-failure subtask in the same chain.
func (s *Scheduler) skipRemainder(ctx context.Context, task *models.Task, rest []*models.Subtask, latest map[models.PairKey]*models.SubtaskExecution) error {
	for _, sub := range rest {
		row := latest[models.PairKey{SubtaskName: sub.Name, AgentName: sub.TargetAgent}]
		if row != nil && row.Status.Terminal() {
			continue
		}
		if row != nil {
			// An in-flight row here means the chain ordering broke somewhere;
			// leave it to the watchdogs rather than deleting live work.
			slog.Warn("Skip cascade found in-flight execution, leaving it",
				"task_id", task.ID, "subtask", sub.Name, "execution_id", row.ID)
			continue
		}
		s.forgetSlot(slotFor(task.ID, sub))
		if err := s.collector.RecordSynthetic(ctx, task.ID, sub,
			models.ExecutionCancelled, models.ErrorSkippedUpstream); err != nil {
			return err
		}
		slog.Info("Skipped subtask after upstream failure",
			"task_id", task.ID, "subtask", sub.Name, "agent", sub.TargetAgent)
	}
	return nil
}

// runWatchdogs settles RUNNING rows the normal result path will never settle:
// agent-side timeouts the agent failed to report, rows stranded by a task
// cancellation the agent never acked, and rows held by agents that went
// offline.
func (s *Scheduler) runWatchdogs(ctx context.Context) error {
	rows, err := s.store.RunningExecutions(ctx)
	if err != nil {
		return err
	}
	s.metrics.RunningExecutions.Set(float64(len(rows)))

	now := s.now()
	tasks := make(map[int64]*models.Task)
	taskOf := func(id int64) (*models.Task, error) {
		if t, ok := tasks[id]; ok {
			return t, nil
		}
		t, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks[id] = t
		return t, nil
	}

	for _, row := range rows {
		task, err := taskOf(row.TaskID)
		if err != nil {
			return err
		}
		if task == nil {
			continue // row cascades away with its task
		}

		// Cancellation grace: the task is cancelled but the agent never
		// acked the interrupt.
		if task.Status == models.TaskCancelled && task.CompletedAt != nil &&
			now.Sub(*task.CompletedAt) > s.cfg.CancelGrace {
			slog.Warn("Forcing cancellation of unacked execution",
				"task_id", row.TaskID, "execution_id", row.ID, "agent", row.AgentName)
			if err := s.collector.Finalize(ctx, row.TaskID, row.ID,
				models.ExecutionCancelled, models.ErrorCancelGrace); err != nil {
				return err
			}
			continue
		}

		// Controller-side timeout: agent never reported past the subtask
		// timeout plus the grace pad.
		if row.TimeoutSecs > 0 && row.DispatchedAt != nil {
			deadline := row.DispatchedAt.
				Add(time.Duration(row.TimeoutSecs) * time.Second).
				Add(s.cfg.TimeoutGrace)
			if now.After(deadline) {
				slog.Warn("Execution exceeded its timeout, failing it",
					"task_id", row.TaskID, "execution_id", row.ID,
					"subtask", row.SubtaskName, "agent", row.AgentName,
					"timeout_seconds", row.TimeoutSecs)
				if err := s.collector.Finalize(ctx, row.TaskID, row.ID,
					models.ExecutionFailed, models.ErrorTimedOut); err != nil {
					return err
				}
				continue
			}
		}

		// Offline holder: the agent running this row disappeared.
		if err := s.reapOfflineHolder(ctx, row, now); err != nil {
			return err
		}
	}
	return nil
}

// reapOfflineHolder fails a RUNNING row whose agent has been presence-offline
// for longer than the grace period. The grace is measured from the first tick
// that observed the agent offline while holding the row.
func (s *Scheduler) reapOfflineHolder(ctx context.Context, row *models.SubtaskExecution, now time.Time) error {
	agent, err := s.store.GetAgent(ctx, row.AgentName)
	if err != nil {
		return err
	}
	slot := chainSlot{taskID: row.TaskID, subtask: row.SubtaskName, agent: row.AgentName}

	if agent != nil && s.presence.Presence(agent) != models.PresenceOffline {
		s.mu.Lock()
		delete(s.waitingSince, slot)
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	since, ok := s.waitingSince[slot]
	if !ok {
		since = now
		s.waitingSince[slot] = since
	}
	s.mu.Unlock()

	if now.Sub(since) < s.cfg.AgentGracePeriod {
		return nil
	}

	s.forgetSlot(slot)
	slog.Warn("Agent went offline while executing, failing subtask",
		"task_id", row.TaskID, "execution_id", row.ID, "agent", row.AgentName)
	return s.collector.Finalize(ctx, row.TaskID, row.ID,
		models.ExecutionFailed, models.ErrorNoAgent)
}
