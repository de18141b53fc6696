// Package dispatcher transmits one subtask to one agent over its room. It is
// stateless: the authoritative record is the SubtaskExecution row; success
// here only means the transport confirmed delivery.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taskfleet/taskfleet/pkg/bus"
	"github.com/taskfleet/taskfleet/pkg/hub"
	"github.com/taskfleet/taskfleet/pkg/metrics"
	"github.com/taskfleet/taskfleet/pkg/models"
	"github.com/taskfleet/taskfleet/pkg/store"
)

// RoomSender is the hub surface the dispatcher needs.
type RoomSender interface {
	Send(agentName string, env hub.Envelope) error
}

// Dispatcher pushes subtask_dispatch envelopes into agent rooms.
type Dispatcher struct {
	rooms   RoomSender
	store   *store.Store
	bus     *bus.Bus
	metrics *metrics.Metrics
}

// New creates a dispatcher.
func New(rooms RoomSender, st *store.Store, eventBus *bus.Bus, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{rooms: rooms, store: st, bus: eventBus, metrics: m}
}

// Dispatch sends the execution row's subtask to its agent. Returns an error
// when the transport could not confirm delivery (agent not connected, write
// failure); the caller rolls back the row and retries on a later tick.
func (d *Dispatcher) Dispatch(ctx context.Context, e *models.SubtaskExecution, sub *models.Subtask) error {
	env, err := hub.NewEnvelope(hub.KindSubtaskDispatch, hub.SubtaskDispatchPayload{
		ExecutionID:    e.ID,
		TaskID:         e.TaskID,
		SubtaskName:    e.SubtaskName,
		Order:          e.Order,
		Args:           sub.Args,
		Kwargs:         sub.Kwargs,
		TimeoutSeconds: sub.TimeoutSeconds,
	})
	if err != nil {
		return err
	}

	if err := d.rooms.Send(e.AgentName, env); err != nil {
		if errors.Is(err, hub.ErrNotConnected) {
			d.metrics.DispatchesTotal.WithLabelValues("not_connected").Inc()
		} else {
			d.metrics.DispatchesTotal.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("dispatch of %s to %s failed: %w", e.SubtaskName, e.AgentName, err)
	}

	d.metrics.DispatchesTotal.WithLabelValues("ok").Inc()
	d.bus.Publish(bus.ExecutionEvent(bus.KindSubtaskDispatched, e))

	if err := d.store.AppendCommLog(ctx, &models.CommLogEntry{
		AgentName: e.AgentName,
		Action:    "subtask_dispatch",
		Message:   fmt.Sprintf("task %d subtask %s attempt %d", e.TaskID, e.SubtaskName, e.AttemptIndex),
	}); err != nil {
		slog.Warn("Failed to record dispatch in comm log", "error", err)
	}
	return nil
}
