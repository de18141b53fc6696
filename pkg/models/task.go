// Package models defines the domain types shared by the controller and the
// agent runtime: tasks, subtasks, agents, execution rows, and the task
// summary emitted on completion.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task lifecycle states. Terminal states are absorbing.
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether s → next is a legal task transition:
// pending → running → {completed, failed}; any state → cancelled;
// terminal states are absorbing. A self-transition is legal (idempotent
// status writes are no-ops at the store layer).
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	switch next {
	case TaskCancelled:
		return true
	case TaskRunning:
		return s == TaskPending
	case TaskCompleted, TaskFailed:
		return s == TaskRunning
	}
	return false
}

// Task is a user-defined job composed of ordered subtasks, possibly across
// multiple agents, with an optional one-shot schedule or cron expression.
//
// A task with a CronExpression is a template: it never executes itself.
// Each firing clones it into a one-shot instance whose ParentTaskID points
// back at the template and whose ScheduleTime is the firing time.
type Task struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	ParentTaskID    *int64     `json:"parent_task_id,omitempty"`
	ScheduleTime    *time.Time `json:"schedule_time,omitempty"`
	CronExpression  string     `json:"cron_expression,omitempty"`
	MaxRetries      int        `json:"max_retries"`
	SendEmail       bool       `json:"send_email"`
	EmailRecipients []string   `json:"email_recipients,omitempty"`
	Subtasks        []Subtask  `json:"subtasks"`
	Status          TaskStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// IsCronTemplate reports whether the task is a recurring template rather
// than a runnable instance.
func (t *Task) IsCronTemplate() bool {
	return t.CronExpression != "" && t.ParentTaskID == nil
}

// Subtask is the atomic unit of work inside a task: a registered kind,
// arguments, a pinned target agent, and an ordering key. Subtasks targeting
// the same agent execute in ascending Order (ties broken by the position in
// the Subtasks slice).
type Subtask struct {
	Name           string          `json:"name"`
	TargetAgent    string          `json:"target_agent"`
	Order          int             `json:"order"`
	Args           []string        `json:"args,omitempty"`
	Kwargs         json.RawMessage `json:"kwargs,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	MaxRetries     *int            `json:"max_retries,omitempty"`
	StopOnFailure  bool            `json:"stop_on_failure,omitempty"`
}

// RetryBudget resolves the effective retry budget for the subtask: its own
// MaxRetries when set, otherwise the task-level default.
func (s *Subtask) RetryBudget(taskDefault int) int {
	if s.MaxRetries != nil {
		return *s.MaxRetries
	}
	return taskDefault
}

// ChainKey identifies the per-agent execution chain a subtask belongs to.
func (s *Subtask) ChainKey() string {
	return s.TargetAgent
}
