package models

import "time"

// ExecutionStatus is the lifecycle state of one subtask execution attempt.
type ExecutionStatus string

// Execution lifecycle states. PENDING and RUNNING are the only non-terminal
// states; a retry creates a fresh row rather than reusing a terminal one.
const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal rows never mutate.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Well-known execution error strings. The completion predicate matches on
// ErrorNoAgent to tell a terminal no-agent failure from one that still has
// retry attempts coming.
const (
	ErrorNoAgent         = "agent unreachable (no-agent)"
	ErrorSkippedUpstream = "skipped after upstream failure"
	ErrorTimedOut        = "subtask timed out"
	ErrorCancelGrace     = "cancelled without agent ack"
)

// SubtaskExecution is the durable record of one attempt to run one subtask
// on one agent. Rows are immutable once terminal; each retry inserts a new
// row with AttemptIndex+1 and the previous rows are kept for audit.
type SubtaskExecution struct {
	ID           string          `json:"id"`
	TaskID       int64           `json:"task_id"`
	SubtaskName  string          `json:"subtask_name"`
	Order        int             `json:"order"`
	AgentName    string          `json:"agent_name"`
	Status       ExecutionStatus `json:"status"`
	AttemptIndex int             `json:"attempt_index"`
	CreatedAt    time.Time       `json:"created_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Result       string          `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ElapsedSecs  float64         `json:"execution_seconds,omitempty"`
	TimeoutSecs  int             `json:"timeout_seconds,omitempty"`
}

// PairKey identifies the (subtask, agent) pair within a task that this row
// is an attempt for.
type PairKey struct {
	SubtaskName string
	AgentName   string
}

// Pair returns the row's (subtask, agent) pair key.
func (e *SubtaskExecution) Pair() PairKey {
	return PairKey{SubtaskName: e.SubtaskName, AgentName: e.AgentName}
}
