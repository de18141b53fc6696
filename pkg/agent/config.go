// Package agent is the worker-side runtime: it registers with the controller,
// heartbeats, keeps the websocket channel joined, and executes one subtask at
// a time through the runner.
package agent

import (
	"fmt"
	"os"
	"time"
)

// Config is the agent runtime configuration, assembled by the CLI from flags
// and the managed config file.
type Config struct {
	// ServerURL is the controller base URL, e.g. http://controller:8080.
	ServerURL string

	// MachineName is the agent's identity. Must be stable across restarts.
	MachineName string

	// Address is the informational address reported at registration.
	// Defaults to the machine's hostname.
	Address string

	// HeartbeatInterval is the HTTP heartbeat period.
	HeartbeatInterval time.Duration

	// ConfigUpdateInterval is how often a fresh fingerprint is pushed.
	ConfigUpdateInterval time.Duration

	// InstallDir is where the managed config file and binary live.
	InstallDir string

	// LogLevel is the slog level name (debug, info, warn, error).
	LogLevel string
}

// Validate fills defaults and rejects unusable configurations.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server URL must not be empty")
	}
	if c.MachineName == "" {
		return fmt.Errorf("machine name must not be empty")
	}
	if c.Address == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to derive address from hostname: %w", err)
		}
		c.Address = hostname
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConfigUpdateInterval <= 0 {
		c.ConfigUpdateInterval = 10 * time.Minute
	}
	return nil
}
