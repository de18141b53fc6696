package models

import (
	"encoding/json"
	"time"
)

// Presence is the derived liveness classification of an agent. It is never
// stored; every read recomputes it from the heartbeat age and the current
// assignment (see presence.Derive).
type Presence string

// Presence states.
const (
	PresenceOffline Presence = "offline"
	PresenceFree    Presence = "free"
	PresenceBusy    Presence = "busy"
)

// Agent is a long-lived worker process on a managed machine. Name is the
// primary identity; Address is informational and pinned at registration —
// re-registering a name with a different address is rejected.
type Agent struct {
	Name             string          `json:"name"`
	Address          string          `json:"address"`
	Capabilities     []string        `json:"capabilities,omitempty"`
	Fingerprint      json.RawMessage `json:"fingerprint,omitempty"`
	LastHeartbeat    time.Time       `json:"last_heartbeat"`
	LastConfigUpdate time.Time       `json:"last_config_update"`
	RegisteredAt     time.Time       `json:"registered_at"`
	CurrentTaskID    *int64          `json:"current_task_id,omitempty"`
	CurrentSubtask   *string         `json:"current_subtask,omitempty"`

	// Status is derived on read and attached for API responses only.
	Status Presence `json:"status,omitempty"`
}

// Assigned reports whether the agent currently holds an assignment slot.
// The (CurrentTaskID, CurrentSubtask) pair is both-or-neither by invariant.
func (a *Agent) Assigned() bool {
	return a.CurrentTaskID != nil
}
