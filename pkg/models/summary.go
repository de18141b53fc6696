package models

import "time"

// TaskSummary is the structured aggregate emitted once when a task reaches a
// terminal verdict. The reporter hook consumes it; reporter failures never
// affect task state.
type TaskSummary struct {
	TaskID      int64          `json:"task_id"`
	Name        string         `json:"name"`
	Verdict     TaskStatus     `json:"verdict"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ElapsedSecs float64        `json:"elapsed_seconds"`
	SendEmail   bool           `json:"send_email"`
	Recipients  []string       `json:"email_recipients,omitempty"`
	PerAgent    []AgentSummary `json:"per_agent"`
}

// AgentSummary is the per-agent section of a task summary.
type AgentSummary struct {
	Agent          string           `json:"agent"`
	OverallSuccess bool             `json:"overall_success"`
	Successful     int              `json:"successful"`
	Total          int              `json:"total"`
	Subtasks       []SubtaskSummary `json:"subtasks"`
}

// SubtaskSummary is the per-subtask line of an agent summary. It reflects
// the latest execution attempt for the (subtask, agent) pair.
type SubtaskSummary struct {
	Name        string          `json:"name"`
	Order       int             `json:"order"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ElapsedSecs float64         `json:"elapsed_seconds"`
	Attempts    int             `json:"attempts"`
}
