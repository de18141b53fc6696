package models

import "time"

// CommLogLevel classifies comm-log entries for the operator log view.
type CommLogLevel string

// Comm-log levels.
const (
	CommLogInfo  CommLogLevel = "info"
	CommLogWarn  CommLogLevel = "warn"
	CommLogError CommLogLevel = "error"
)

// CommLogEntry is an append-only audit record of controller↔agent traffic.
// It backs the operator log view and is never authoritative state.
type CommLogEntry struct {
	ID           int64        `json:"id"`
	Timestamp    time.Time    `json:"timestamp"`
	AgentName    string       `json:"agent_name"`
	AgentAddress string       `json:"agent_address"`
	Action       string       `json:"action"`
	Message      string       `json:"message"`
	Level        CommLogLevel `json:"level"`
}
