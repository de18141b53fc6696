package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskfleet/taskfleet/pkg/bus"
	"github.com/taskfleet/taskfleet/pkg/models"
)

const taskColumns = `id, name, parent_task_id, schedule_time, cron_expression, max_retries,
	send_email, email_recipients, subtasks, status, created_at, started_at, completed_at, result, error`

// CreateTask validates and persists a new task, returning its id. Validation
// failures return ErrInvalidTask (wrapped in a ValidationError with the field).
func (s *Store) CreateTask(ctx context.Context, t *models.Task) (int64, error) {
	if err := s.validateTask(t); err != nil {
		return 0, err
	}

	subtasksJSON, err := json.Marshal(t.Subtasks)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal subtasks: %w", err)
	}
	recipientsJSON, err := json.Marshal(emptyIfNil(t.EmailRecipients))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal email recipients: %w", err)
	}

	t.Status = models.TaskPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}

	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (name, parent_task_id, schedule_time, cron_expression, max_retries,
				send_email, email_recipients, subtasks, status, created_at, result, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '')`,
			t.Name, t.ParentTaskID, fmtTimePtr(t.ScheduleTime), t.CronExpression, t.MaxRetries,
			t.SendEmail, string(recipientsJSON), string(subtasksJSON), string(t.Status), fmtTime(t.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read task id: %w", err)
		}
		events.add(bus.TaskEvent(bus.KindTaskCreated, id, t.Status))
		return nil
	})
	if err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

// validateTask enforces the task creation preconditions: known subtask kinds,
// a self-consistent order vector per agent, and a parseable cron expression.
func (s *Store) validateTask(t *models.Task) error {
	if t.Name == "" {
		return NewValidationError("name", "must not be empty")
	}
	if len(t.Subtasks) == 0 {
		return NewValidationError("subtasks", "must contain at least one subtask")
	}
	if t.MaxRetries < 0 {
		return NewValidationError("max_retries", "must not be negative")
	}
	if t.CronExpression != "" {
		if _, err := cron.ParseStandard(t.CronExpression); err != nil {
			return NewValidationError("cron_expression", fmt.Sprintf("malformed cron expression: %v", err))
		}
	}

	seen := make(map[string]map[int]bool)
	for i := range t.Subtasks {
		sub := &t.Subtasks[i]
		field := fmt.Sprintf("subtasks[%d]", i)
		if sub.TargetAgent == "" {
			return NewValidationError(field+".target_agent", "must not be empty")
		}
		if sub.TimeoutSeconds < 0 {
			return NewValidationError(field+".timeout_seconds", "must not be negative")
		}
		if sub.MaxRetries != nil && *sub.MaxRetries < 0 {
			return NewValidationError(field+".max_retries", "must not be negative")
		}
		if s.registry != nil {
			if err := s.registry.ValidateSubtask(sub); err != nil {
				return NewValidationError(field+".name", err.Error())
			}
		}
		orders := seen[sub.TargetAgent]
		if orders == nil {
			orders = make(map[int]bool)
			seen[sub.TargetAgent] = orders
		}
		if orders[sub.Order] {
			return NewValidationError(field+".order",
				fmt.Sprintf("duplicate order %d for agent %s", sub.Order, sub.TargetAgent))
		}
		orders[sub.Order] = true
	}
	return nil
}

// GetTask returns the task or nil when missing. Reads never fail on absence.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]*models.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id DESC`)
}

// RunnableTasks returns pending non-template tasks whose schedule time has
// arrived (or that have none), in the scheduling tie-break order
// (schedule_time, created_at, id) ascending.
func (s *Store) RunnableTasks(ctx context.Context, now time.Time) ([]*models.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND (cron_expression = '' OR parent_task_id IS NOT NULL)
		  AND (schedule_time IS NULL OR schedule_time <= ?)
		ORDER BY schedule_time IS NULL, schedule_time, created_at, id`,
		string(models.TaskPending), fmtTime(now))
}

// RunningTasks returns tasks currently in RUNNING state.
func (s *Store) RunningTasks(ctx context.Context) ([]*models.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY id`,
		string(models.TaskRunning))
}

// CronTemplates returns every non-cancelled cron template task.
func (s *Store) CronTemplates(ctx context.Context) ([]*models.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE cron_expression != '' AND parent_task_id IS NULL AND status != ?
		ORDER BY id`, string(models.TaskCancelled))
}

// InstancesOf returns the instances spawned from a cron template, newest first.
func (s *Store) InstancesOf(ctx context.Context, templateID int64) ([]*models.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = ? ORDER BY id DESC`,
		templateID)
}

// UpdateTask replaces the mutable fields of a task. Allowed only while the
// task is still PENDING; otherwise ErrConflict.
func (s *Store) UpdateTask(ctx context.Context, t *models.Task) error {
	if err := s.validateTask(t); err != nil {
		return err
	}
	subtasksJSON, err := json.Marshal(t.Subtasks)
	if err != nil {
		return fmt.Errorf("failed to marshal subtasks: %w", err)
	}
	recipientsJSON, err := json.Marshal(emptyIfNil(t.EmailRecipients))
	if err != nil {
		return fmt.Errorf("failed to marshal email recipients: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, t.ID).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read task status: %w", err)
		}
		if models.TaskStatus(status) != models.TaskPending {
			return fmt.Errorf("task %d is %s: %w", t.ID, status, ErrConflict)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET name = ?, schedule_time = ?, cron_expression = ?, max_retries = ?,
				send_email = ?, email_recipients = ?, subtasks = ?
			WHERE id = ?`,
			t.Name, fmtTimePtr(t.ScheduleTime), t.CronExpression, t.MaxRetries,
			t.SendEmail, string(recipientsJSON), string(subtasksJSON), t.ID)
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		events.add(bus.TaskEvent(bus.KindTaskUpdated, t.ID, models.TaskPending))
		return nil
	})
}

// UpdateTaskStatus applies a task status transition. Idempotent: writing the
// current status again is a no-op. Illegal transitions return
// ErrIllegalTransition. completed_at is set once and never moves backwards.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status models.TaskStatus, ts time.Time, result, taskErr string) error {
	return s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		changed, err := s.updateTaskStatusTx(ctx, tx, id, status, ts, result, taskErr)
		if err != nil {
			return err
		}
		if changed {
			events.add(bus.TaskEvent(bus.KindTaskUpdated, id, status))
		}
		return nil
	})
}

// updateTaskStatusTx is the transaction body of UpdateTaskStatus, shared with
// multi-step mutations (cancellation, completion). Returns whether the status
// actually changed.
func (s *Store) updateTaskStatusTx(ctx context.Context, tx *sql.Tx, id int64, status models.TaskStatus, ts time.Time, result, taskErr string) (bool, error) {
	var current string
	var startedAt, completedAt sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT status, started_at, completed_at FROM tasks WHERE id = ?`, id,
	).Scan(&current, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read task status: %w", err)
	}

	from := models.TaskStatus(current)
	if from == status {
		return false, nil
	}
	if !from.CanTransitionTo(status) {
		return false, fmt.Errorf("task %d: %s -> %s: %w", id, from, status, ErrIllegalTransition)
	}

	setStarted := startedAt
	if status == models.TaskRunning && !startedAt.Valid {
		setStarted = sql.NullString{String: fmtTime(ts), Valid: true}
	}
	setCompleted := completedAt
	if status.Terminal() && !completedAt.Valid {
		setCompleted = sql.NullString{String: fmtTime(ts), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ?, completed_at = ?, result = ?, error = ?
		WHERE id = ?`,
		string(status), nullableString(setStarted), nullableString(setCompleted), result, taskErr, id)
	if err != nil {
		return false, fmt.Errorf("failed to update task status: %w", err)
	}
	return true, nil
}

// DeleteTask removes a task and, via cascade, its execution rows.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var parentID sql.NullInt64
	var scheduleTime, startedAt, completedAt sql.NullString
	var recipientsJSON, subtasksJSON, status, createdAt string

	err := row.Scan(&t.ID, &t.Name, &parentID, &scheduleTime, &t.CronExpression, &t.MaxRetries,
		&t.SendEmail, &recipientsJSON, &subtasksJSON, &status, &createdAt, &startedAt, &completedAt,
		&t.Result, &t.Error)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	if parentID.Valid {
		t.ParentTaskID = &parentID.Int64
	}
	t.Status = models.TaskStatus(status)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.ScheduleTime, err = parseTimePtr(scheduleTime); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recipientsJSON), &t.EmailRecipients); err != nil {
		return nil, fmt.Errorf("failed to unmarshal email recipients: %w", err)
	}
	if err := json.Unmarshal([]byte(subtasksJSON), &t.Subtasks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subtasks: %w", err)
	}
	return &t, nil
}

func nullableString(s sql.NullString) any {
	if !s.Valid {
		return nil
	}
	return s.String
}

func emptyIfNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
