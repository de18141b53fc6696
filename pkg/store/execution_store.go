package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskfleet/taskfleet/pkg/bus"
	"github.com/taskfleet/taskfleet/pkg/models"
)

const executionColumns = `id, task_id, subtask_name, subtask_order, agent_name, status,
	attempt_index, created_at, dispatched_at, started_at, completed_at, result, error,
	execution_seconds, timeout_seconds`

// ExecutionFilter narrows execution queries. Zero values mean "any".
type ExecutionFilter struct {
	SubtaskName string
	AgentName   string
}

// CreateExecution inserts a new execution row. A non-terminal row already
// existing for the same (task, subtask, agent) triple returns ErrConflict.
func (s *Store) CreateExecution(ctx context.Context, e *models.SubtaskExecution) error {
	return s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		return s.createExecutionTx(ctx, tx, events, e)
	})
}

// CreateExecutionAssigned atomically creates a PENDING execution row and
// claims the target agent's assignment slot. This is the scheduler's dispatch
// precondition: the row and the slot appear together or not at all.
func (s *Store) CreateExecutionAssigned(ctx context.Context, e *models.SubtaskExecution) error {
	return s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		if err := s.createExecutionTx(ctx, tx, events, e); err != nil {
			return err
		}
		return setAgentAssignmentTx(ctx, tx, e.AgentName, &e.TaskID, &e.SubtaskName)
	})
}

func (s *Store) createExecutionTx(ctx context.Context, tx *sql.Tx, events *pendingEvents, e *models.SubtaskExecution) error {
	if e.Status == "" {
		e.Status = models.ExecutionPending
	}
	if !e.Status.Terminal() {
		var count int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM executions
			WHERE task_id = ? AND subtask_name = ? AND agent_name = ? AND status IN ('pending', 'running')`,
			e.TaskID, e.SubtaskName, e.AgentName).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check non-terminal executions: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("task %d subtask %s agent %s: %w", e.TaskID, e.SubtaskName, e.AgentName, ErrConflict)
		}
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, subtask_name, subtask_order, agent_name, status,
			attempt_index, created_at, dispatched_at, started_at, completed_at, result, error,
			execution_seconds, timeout_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.SubtaskName, e.Order, e.AgentName, string(e.Status),
		e.AttemptIndex, fmtTime(e.CreatedAt), fmtTimePtr(e.DispatchedAt), fmtTimePtr(e.StartedAt),
		fmtTimePtr(e.CompletedAt), e.Result, e.Error, e.ElapsedSecs, e.TimeoutSecs)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	events.add(bus.ExecutionEvent(bus.KindSubtaskUpdated, e))
	return nil
}

// MarkExecutionRunning transitions a PENDING row to RUNNING after the
// transport confirmed delivery. Idempotent on replay.
func (s *Store) MarkExecutionRunning(ctx context.Context, id string, ts time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		e, err := getExecutionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Status == models.ExecutionRunning {
			return nil
		}
		if e.Status != models.ExecutionPending {
			return fmt.Errorf("execution %s is %s: %w", id, e.Status, ErrIllegalTransition)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE executions SET status = ?, dispatched_at = ?, started_at = ? WHERE id = ?`,
			string(models.ExecutionRunning), fmtTime(ts), fmtTime(ts), id)
		if err != nil {
			return fmt.Errorf("failed to mark execution running: %w", err)
		}
		e.Status = models.ExecutionRunning
		events.add(bus.ExecutionEvent(bus.KindSubtaskUpdated, e))
		return nil
	})
}

// FinalizeExecution applies a terminal transition to the row and releases the
// agent's assignment slot when it is still held for this row, all in one
// transaction. Replaying the same terminal status is a no-op; a different
// terminal status on an already-terminal row returns ErrIllegalTransition.
func (s *Store) FinalizeExecution(ctx context.Context, id string, status models.ExecutionStatus, ts time.Time, result, execErr string, elapsed float64) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %s: %w", status, ErrIllegalTransition)
	}
	return s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		e, err := getExecutionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			if e.Status == status {
				return nil // idempotent replay
			}
			return fmt.Errorf("execution %s is %s: %w", id, e.Status, ErrIllegalTransition)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE executions SET status = ?, completed_at = ?, result = ?, error = ?, execution_seconds = ?
			WHERE id = ?`,
			string(status), fmtTime(ts), result, execErr, elapsed, id)
		if err != nil {
			return fmt.Errorf("failed to finalize execution: %w", err)
		}

		// Release the slot only if this row still holds it.
		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET current_task_id = NULL, current_subtask = NULL
			WHERE name = ? AND current_task_id = ? AND current_subtask = ?`,
			e.AgentName, e.TaskID, e.SubtaskName)
		if err != nil {
			return fmt.Errorf("failed to release agent assignment: %w", err)
		}

		e.Status = status
		events.add(bus.ExecutionEvent(bus.KindSubtaskUpdated, e))
		events.add(bus.ExecutionEvent(bus.KindSubtaskCompleted, e))
		return nil
	})
}

// DeletePendingExecutions removes PENDING rows for a task (optionally
// narrowed to one subtask/agent pair) and frees the assignment slots those
// rows were holding. Used by cancellation. Returns the number of rows removed.
func (s *Store) DeletePendingExecutions(ctx context.Context, taskID int64, filter ExecutionFilter) (int, error) {
	var deleted int
	err := s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		rows, err := queryExecutionsTx(ctx, tx, `
			SELECT `+executionColumns+` FROM executions
			WHERE task_id = ? AND status = 'pending'
			  AND (? = '' OR subtask_name = ?) AND (? = '' OR agent_name = ?)`,
			taskID, filter.SubtaskName, filter.SubtaskName, filter.AgentName, filter.AgentName)
		if err != nil {
			return err
		}
		for _, e := range rows {
			if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, e.ID); err != nil {
				return fmt.Errorf("failed to delete pending execution: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE agents SET current_task_id = NULL, current_subtask = NULL
				WHERE name = ? AND current_task_id = ? AND current_subtask = ?`,
				e.AgentName, e.TaskID, e.SubtaskName)
			if err != nil {
				return fmt.Errorf("failed to release agent assignment: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// DeleteExecutionReleasing removes one non-terminal row and frees the
// agent's slot if that row was holding it. Used when an agent NACKs a
// dispatch: the attempt never happened, so no attempt index is consumed.
func (s *Store) DeleteExecutionReleasing(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		e, err := getExecutionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			return fmt.Errorf("execution %s is %s: %w", id, e.Status, ErrIllegalTransition)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete execution: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET current_task_id = NULL, current_subtask = NULL
			WHERE name = ? AND current_task_id = ? AND current_subtask = ?`,
			e.AgentName, e.TaskID, e.SubtaskName)
		if err != nil {
			return fmt.Errorf("failed to release agent assignment: %w", err)
		}
		return nil
	})
}

// GetExecution returns the row or nil when missing.
func (s *Store) GetExecution(ctx context.Context, id string) (*models.SubtaskExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ExecutionsFor returns a task's execution rows, oldest first, optionally
// narrowed by subtask and/or agent.
func (s *Store) ExecutionsFor(ctx context.Context, taskID int64, filter ExecutionFilter) ([]*models.SubtaskExecution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE task_id = ? AND (? = '' OR subtask_name = ?) AND (? = '' OR agent_name = ?)
		ORDER BY created_at, attempt_index`,
		taskID, filter.SubtaskName, filter.SubtaskName, filter.AgentName, filter.AgentName)
}

// LatestExecutions returns the highest-attempt row per (subtask, agent) pair
// of the task.
func (s *Store) LatestExecutions(ctx context.Context, taskID int64) (map[models.PairKey]*models.SubtaskExecution, error) {
	rows, err := s.ExecutionsFor(ctx, taskID, ExecutionFilter{})
	if err != nil {
		return nil, err
	}
	latest := make(map[models.PairKey]*models.SubtaskExecution)
	for _, e := range rows {
		if cur, ok := latest[e.Pair()]; !ok || e.AttemptIndex > cur.AttemptIndex {
			latest[e.Pair()] = e
		}
	}
	return latest, nil
}

// NonTerminalExecutions returns every PENDING or RUNNING row of a task.
func (s *Store) NonTerminalExecutions(ctx context.Context, taskID int64) ([]*models.SubtaskExecution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE task_id = ? AND status IN ('pending', 'running') ORDER BY created_at`, taskID)
}

// RunningExecutions returns every RUNNING row across all tasks, for the
// controller-side timeout watchdog.
func (s *Store) RunningExecutions(ctx context.Context) ([]*models.SubtaskExecution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE status = 'running' ORDER BY created_at`)
}

// RunningExecutionFor returns the RUNNING row for the triple, or nil.
func (s *Store) RunningExecutionFor(ctx context.Context, taskID int64, subtaskName, agentName string) (*models.SubtaskExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE task_id = ? AND subtask_name = ? AND agent_name = ? AND status = 'running'`,
		taskID, subtaskName, agentName)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// RunningExecutionForAgent returns the RUNNING row held by the agent, or nil.
func (s *Store) RunningExecutionForAgent(ctx context.Context, agentName string) (*models.SubtaskExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE agent_name = ? AND status = 'running' LIMIT 1`, agentName)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]*models.SubtaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func queryExecutionsTx(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]*models.SubtaskExecution, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func collectExecutions(rows *sql.Rows) ([]*models.SubtaskExecution, error) {
	var out []*models.SubtaskExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func getExecutionTx(ctx context.Context, tx *sql.Tx, id string) (*models.SubtaskExecution, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func scanExecution(row rowScanner) (*models.SubtaskExecution, error) {
	var e models.SubtaskExecution
	var status, createdAt string
	var dispatchedAt, startedAt, completedAt sql.NullString

	err := row.Scan(&e.ID, &e.TaskID, &e.SubtaskName, &e.Order, &e.AgentName, &status,
		&e.AttemptIndex, &createdAt, &dispatchedAt, &startedAt, &completedAt,
		&e.Result, &e.Error, &e.ElapsedSecs, &e.TimeoutSecs)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	e.Status = models.ExecutionStatus(status)
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.DispatchedAt, err = parseTimePtr(dispatchedAt); err != nil {
		return nil, err
	}
	if e.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
