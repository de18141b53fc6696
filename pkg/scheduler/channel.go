package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taskfleet/taskfleet/pkg/hub"
	"github.com/taskfleet/taskfleet/pkg/store"
)

// channelOpTimeout bounds the store work done for one inbound envelope.
const channelOpTimeout = 10 * time.Second

// HandleEnvelope consumes envelopes arriving on agent channels. Wired as the
// hub's message handler during startup.
func (s *Scheduler) HandleEnvelope(agentName string, env hub.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), channelOpTimeout)
	defer cancel()

	switch env.Kind {
	case hub.KindPong:
		var p hub.PongPayload
		if err := hub.UnmarshalPayload(env, &p); err != nil {
			slog.Warn("Malformed pong", "agent", agentName, "error", err)
			return
		}
		if err := s.store.TouchHeartbeat(ctx, agentName, p.Fingerprint); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Failed to record channel heartbeat", "agent", agentName, "error", err)
			return
		}
		s.metrics.HeartbeatsTotal.Inc()

	case hub.KindDispatchAck:
		var p hub.DispatchAckPayload
		if err := hub.UnmarshalPayload(env, &p); err != nil {
			slog.Warn("Malformed dispatch ack", "agent", agentName, "error", err)
			return
		}
		err := s.store.MarkExecutionRunning(ctx, p.ExecutionID, s.now())
		if err != nil && !errors.Is(err, store.ErrIllegalTransition) && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Failed to apply dispatch ack",
				"agent", agentName, "execution_id", p.ExecutionID, "error", err)
		}

	case hub.KindDispatchNack:
		var p hub.DispatchAckPayload
		if err := hub.UnmarshalPayload(env, &p); err != nil {
			slog.Warn("Malformed dispatch nack", "agent", agentName, "error", err)
			return
		}
		slog.Warn("Agent refused dispatch",
			"agent", agentName, "execution_id", p.ExecutionID, "task_id", p.TaskID, "reason", p.Reason)
		s.metrics.DispatchesTotal.WithLabelValues("nack").Inc()
		// The refused attempt never ran: drop the row without consuming an
		// attempt index and free the slot for the next tick.
		err := s.store.DeleteExecutionReleasing(ctx, p.ExecutionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Failed to roll back nacked dispatch",
				"agent", agentName, "execution_id", p.ExecutionID, "error", err)
			return
		}
		s.Kick()

	default:
		slog.Warn("Unexpected envelope on agent channel", "agent", agentName, "kind", env.Kind)
	}
}
