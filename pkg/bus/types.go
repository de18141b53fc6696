package bus

import "github.com/taskfleet/taskfleet/pkg/models"

// Kind identifies an event type on the in-process bus.
type Kind string

// Event kinds.
const (
	KindTaskCreated        Kind = "task_created"
	KindTaskUpdated        Kind = "task_updated"
	KindTaskCancelled      Kind = "task_cancelled"
	KindTaskCompleted      Kind = "task_completed"
	KindSubtaskDispatched  Kind = "subtask_dispatched"
	KindSubtaskUpdated     Kind = "subtask_updated"
	KindSubtaskCompleted   Kind = "subtask_completed"
	KindAgentRegistered    Kind = "agent_registered"
	KindAgentConfigUpdated Kind = "agent_config_updated"
	KindAgentLost          Kind = "agent_lost"
	KindAgentReappeared    Kind = "agent_reappeared"
	KindHeartbeat          Kind = "heartbeat"
)

// Event is one bus message. Exactly one payload field is set, matching Kind.
type Event struct {
	Kind Kind

	Task      *TaskPayload
	Execution *ExecutionPayload
	Agent     *AgentPayload
	Summary   *models.TaskSummary
}

// TaskPayload accompanies task lifecycle events.
type TaskPayload struct {
	TaskID int64
	Status models.TaskStatus
}

// ExecutionPayload accompanies subtask execution events.
type ExecutionPayload struct {
	ExecutionID string
	TaskID      int64
	SubtaskName string
	AgentName   string
	Status      models.ExecutionStatus
}

// AgentPayload accompanies agent lifecycle and heartbeat events.
type AgentPayload struct {
	Name    string
	Address string
}

// TaskEvent builds a task lifecycle event.
func TaskEvent(kind Kind, taskID int64, status models.TaskStatus) Event {
	return Event{Kind: kind, Task: &TaskPayload{TaskID: taskID, Status: status}}
}

// ExecutionEvent builds a subtask execution event.
func ExecutionEvent(kind Kind, e *models.SubtaskExecution) Event {
	return Event{Kind: kind, Execution: &ExecutionPayload{
		ExecutionID: e.ID,
		TaskID:      e.TaskID,
		SubtaskName: e.SubtaskName,
		AgentName:   e.AgentName,
		Status:      e.Status,
	}}
}

// AgentEvent builds an agent lifecycle event.
func AgentEvent(kind Kind, name, address string) Event {
	return Event{Kind: kind, Agent: &AgentPayload{Name: name, Address: address}}
}
