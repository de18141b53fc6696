// Package config holds the controller's typed runtime configuration, loaded
// from the environment with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the top-level controller configuration.
type Config struct {
	HTTPPort  string
	Presence  PresenceConfig
	Scheduler SchedulerConfig
	Channel   ChannelConfig
	Retention RetentionConfig
}

// PresenceConfig controls liveness derivation for agents.
type PresenceConfig struct {
	// HeartbeatInterval is the period agents are expected to heartbeat at.
	HeartbeatInterval time.Duration

	// Timeout is the heartbeat age beyond which an agent is OFFLINE.
	// Defaults to 3× HeartbeatInterval with a 90 s floor.
	Timeout time.Duration

	// ReapInterval is how often the presence reaper scans for transitions.
	ReapInterval time.Duration
}

// SchedulerConfig controls the dispatch tick loop and retry policy.
type SchedulerConfig struct {
	// TickInterval is the fixed scheduler tick period. Event arrivals kick
	// the loop earlier; the ticker is the upper bound on reaction time.
	TickInterval time.Duration

	// RetryBaseDelay, RetryFactor and RetryMaxDelay shape the exponential
	// backoff between retry attempts of a failed subtask.
	RetryBaseDelay time.Duration
	RetryFactor    float64
	RetryMaxDelay  time.Duration

	// AgentGracePeriod is how long a subtask waits for an OFFLINE target
	// agent before failing with "no-agent".
	AgentGracePeriod time.Duration

	// TimeoutGrace pads the controller-side watchdog past the agent-side
	// subtask timeout (dispatched_at + timeout + grace).
	TimeoutGrace time.Duration

	// CancelGrace is how long a RUNNING execution may wait for the agent's
	// cancellation ack before the controller forces it to CANCELLED.
	CancelGrace time.Duration
}

// ChannelConfig controls the persistent websocket channel to agents.
type ChannelConfig struct {
	// PingInterval is how often the hub pings each connected agent. A
	// missed pong closes the connection within one heartbeat period.
	PingInterval time.Duration

	// WriteTimeout bounds each outbound websocket write.
	WriteTimeout time.Duration
}

// RetentionConfig controls the cleanup service.
type RetentionConfig struct {
	// CommLogRetention is how long comm-log entries are kept.
	CommLogRetention time.Duration

	// CleanupInterval is how often the retention loop runs.
	CleanupInterval time.Duration
}

// FromEnv builds a Config from environment variables, applying defaults for
// anything unset. Durations are given in seconds (e.g. HEARTBEAT_INTERVAL=30).
func FromEnv() (*Config, error) {
	heartbeat, err := envDuration("HEARTBEAT_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	timeout, err := envDuration("PRESENCE_TIMEOUT", presenceTimeoutFor(heartbeat))
	if err != nil {
		return nil, err
	}

	tick, err := envDuration("SCHEDULER_TICK_INTERVAL", 10*time.Second)
	if err != nil {
		return nil, err
	}

	agentGrace, err := envDuration("AGENT_GRACE_PERIOD", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	commLogRetention, err := envDuration("COMM_LOG_RETENTION", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}

	return &Config{
		HTTPPort: envOrDefault("HTTP_PORT", "8080"),
		Presence: PresenceConfig{
			HeartbeatInterval: heartbeat,
			Timeout:           timeout,
			ReapInterval:      heartbeat,
		},
		Scheduler: SchedulerConfig{
			TickInterval:     tick,
			RetryBaseDelay:   5 * time.Second,
			RetryFactor:      2,
			RetryMaxDelay:    5 * time.Minute,
			AgentGracePeriod: agentGrace,
			TimeoutGrace:     30 * time.Second,
			CancelGrace:      30 * time.Second,
		},
		Channel: ChannelConfig{
			PingInterval: heartbeat,
			WriteTimeout: 10 * time.Second,
		},
		Retention: RetentionConfig{
			CommLogRetention: commLogRetention,
			CleanupInterval:  time.Hour,
		},
	}, nil
}

// presenceTimeoutFor applies the 3× heartbeat rule with the 90 s floor.
func presenceTimeoutFor(heartbeat time.Duration) time.Duration {
	t := 3 * heartbeat
	if t < 90*time.Second {
		t = 90 * time.Second
	}
	return t
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	secs, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if secs <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive, got %d", key, secs)
	}
	return time.Duration(secs) * time.Second, nil
}
