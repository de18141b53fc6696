// Package hub is the agent-facing side of the event plane: one persistent
// websocket per agent, keyed by agent name (its "room"). Everything crossing
// the socket is a small JSON envelope, identical in both directions.
package hub

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire message exchanged with agents.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope kinds dispatched by the controller.
const (
	KindSubtaskDispatch = "subtask_dispatch"
	KindTaskCancelled   = "task_cancelled"
	KindPing            = "ping"
)

// Envelope kinds received from agents.
const (
	KindPong         = "pong"
	KindJoinRoom     = "join_room"
	KindLeaveRoom    = "leave_room"
	KindDispatchAck  = "dispatch_ack"
	KindDispatchNack = "dispatch_nack"
)

// NewEnvelope marshals payload into an envelope of the given kind.
func NewEnvelope(kind string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Kind: kind}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return Envelope{Kind: kind, Payload: raw}, nil
}

// SubtaskDispatchPayload carries one subtask to its agent.
type SubtaskDispatchPayload struct {
	ExecutionID    string          `json:"execution_id"`
	TaskID         int64           `json:"task_id"`
	SubtaskName    string          `json:"subtask_name"`
	Order          int             `json:"order"`
	Args           []string        `json:"args,omitempty"`
	Kwargs         json.RawMessage `json:"kwargs,omitempty"`
	TimeoutSeconds int             `json:"timeout"`
}

// TaskCancelledPayload tells an agent to interrupt work for a task.
type TaskCancelledPayload struct {
	TaskID int64 `json:"task_id"`
}

// JoinRoomPayload is the first message an agent sends after connecting.
type JoinRoomPayload struct {
	Name string `json:"name"`
}

// DispatchAckPayload acknowledges (or refuses) a subtask_dispatch.
type DispatchAckPayload struct {
	ExecutionID string `json:"execution_id"`
	TaskID      int64  `json:"task_id"`
	Reason      string `json:"reason,omitempty"`
}

// PongPayload answers a controller ping with a fresh fingerprint.
type PongPayload struct {
	Name        string          `json:"name"`
	Fingerprint json.RawMessage `json:"fingerprint,omitempty"`
}
