package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskfleet/taskfleet/pkg/bus"
	"github.com/taskfleet/taskfleet/pkg/config"
	"github.com/taskfleet/taskfleet/pkg/models"
	"github.com/taskfleet/taskfleet/pkg/store"
)

// Tracker watches heartbeat arrivals and the wall clock to emit the
// agent_lost / agent_reappeared edge events. The presence value itself is
// always derived on read; the tracker only remembers the last classification
// per agent so it can detect the edges.
type Tracker struct {
	store *store.Store
	bus   *bus.Bus
	cfg   config.PresenceConfig
	now   func() time.Time

	mu   sync.Mutex
	last map[string]models.Presence

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker creates a presence tracker.
func NewTracker(st *store.Store, eventBus *bus.Bus, cfg config.PresenceConfig) *Tracker {
	return &Tracker{
		store: st,
		bus:   eventBus,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		last:  make(map[string]models.Presence),
	}
}

// Presence derives the agent's current presence.
func (t *Tracker) Presence(a *models.Agent) models.Presence {
	return Derive(a, t.now(), t.cfg.Timeout)
}

// Decorate fills the derived Status field on each agent, for API responses.
func (t *Tracker) Decorate(agents []*models.Agent) {
	now := t.now()
	for _, a := range agents {
		a.Status = Derive(a, now, t.cfg.Timeout)
	}
}

// Start launches the reaper loop. Heartbeat arrivals are observed through the
// bus so an OFFLINE→FREE edge (agent_reappeared) is emitted within one event
// delivery rather than one reap interval.
func (t *Tracker) Start(ctx context.Context) {
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})

	heartbeats, unsubscribe := t.bus.Subscribe(bus.KindHeartbeat, bus.KindAgentRegistered)

	go func() {
		defer close(t.done)
		defer unsubscribe()

		ticker := time.NewTicker(t.cfg.ReapInterval)
		defer ticker.Stop()

		t.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-heartbeats:
				if !ok {
					return
				}
				if ev.Agent != nil {
					t.observeAgent(ctx, ev.Agent.Name)
				}
			case <-ticker.C:
				t.sweep(ctx)
			}
		}
	}()

	slog.Info("Presence tracker started",
		"timeout", t.cfg.Timeout, "reap_interval", t.cfg.ReapInterval)
}

// Stop shuts the reaper loop down and waits for it.
func (t *Tracker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	slog.Info("Presence tracker stopped")
}

// observeAgent re-derives one agent after a heartbeat and emits the
// reappeared edge if it was offline.
func (t *Tracker) observeAgent(ctx context.Context, name string) {
	a, err := t.store.GetAgent(ctx, name)
	if err != nil {
		slog.Warn("Presence: failed to read agent", "agent", name, "error", err)
		return
	}
	if a == nil {
		return
	}
	t.classify(a)
}

// sweep re-derives every agent and emits lost/reappeared edges.
func (t *Tracker) sweep(ctx context.Context) {
	agents, err := t.store.ListAgents(ctx)
	if err != nil {
		slog.Warn("Presence: failed to list agents", "error", err)
		return
	}
	for _, a := range agents {
		t.classify(a)
	}
}

func (t *Tracker) classify(a *models.Agent) {
	current := Derive(a, t.now(), t.cfg.Timeout)

	t.mu.Lock()
	previous, seen := t.last[a.Name]
	t.last[a.Name] = current
	t.mu.Unlock()

	if !seen || previous == current {
		return
	}
	switch {
	case current == models.PresenceOffline:
		slog.Warn("Agent lost", "agent", a.Name, "last_heartbeat", a.LastHeartbeat)
		t.bus.Publish(bus.AgentEvent(bus.KindAgentLost, a.Name, a.Address))
	case previous == models.PresenceOffline:
		slog.Info("Agent reappeared", "agent", a.Name)
		t.bus.Publish(bus.AgentEvent(bus.KindAgentReappeared, a.Name, a.Address))
	}
}

// Forget drops the remembered classification for an agent, after unregister.
func (t *Tracker) Forget(name string) {
	t.mu.Lock()
	delete(t.last, name)
	t.mu.Unlock()
}
