// Package scheduler drives task execution: a tick loop picks runnable tasks,
// advances each per-agent subtask chain, dispatches the next eligible subtask
// to a FREE agent, applies the retry policy with exponential backoff, and runs
// the watchdogs that settle timed-out, agent-lost, and cancellation-stranded
// executions. Bus events kick the loop so reactions land well inside one tick.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskfleet/taskfleet/pkg/bus"
	"github.com/taskfleet/taskfleet/pkg/collector"
	"github.com/taskfleet/taskfleet/pkg/config"
	"github.com/taskfleet/taskfleet/pkg/dispatcher"
	"github.com/taskfleet/taskfleet/pkg/metrics"
	"github.com/taskfleet/taskfleet/pkg/models"
	"github.com/taskfleet/taskfleet/pkg/presence"
	"github.com/taskfleet/taskfleet/pkg/store"
)

// maxConsecutiveTickFailures halts the loop when the store is persistently
// unusable; transient errors are logged and retried on the next tick.
const maxConsecutiveTickFailures = 5

// RoomRegistry is the hub surface the scheduler reads connectivity from.
type RoomRegistry interface {
	Connected(agentName string) bool
}

// chainSlot keys per-pair scheduler state: backoff deadlines and the
// unreachable-agent grace timer.
type chainSlot struct {
	taskID  int64
	subtask string
	agent   string
}

// Scheduler owns the dispatch loop, the retry/backoff state, and the cron
// template entries.
type Scheduler struct {
	store      *store.Store
	bus        *bus.Bus
	rooms      RoomRegistry
	presence   *presence.Tracker
	dispatcher *dispatcher.Dispatcher
	collector  *collector.Collector
	metrics    *metrics.Metrics
	cfg        config.SchedulerConfig
	now        func() time.Time

	// In-memory per-pair state. Lost on restart; backoff and grace timers
	// then restart from the tick that rediscovers the pair.
	mu           sync.Mutex
	retryAt      map[chainSlot]time.Time
	waitingSince map[chainSlot]time.Time

	cron    *cron.Cron
	cronMu  sync.Mutex
	entries map[int64]cronEntry

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

type cronEntry struct {
	id   cron.EntryID
	expr string
}

// New creates a scheduler.
func New(st *store.Store, eventBus *bus.Bus, rooms RoomRegistry, tracker *presence.Tracker,
	d *dispatcher.Dispatcher, c *collector.Collector, m *metrics.Metrics, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        st,
		bus:          eventBus,
		rooms:        rooms,
		presence:     tracker,
		dispatcher:   d,
		collector:    c,
		metrics:      m,
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
		retryAt:      make(map[chainSlot]time.Time),
		waitingSince: make(map[chainSlot]time.Time),
		cron:         cron.New(),
		entries:      make(map[int64]cronEntry),
		kick:         make(chan struct{}, 1),
	}
}

// Start launches the tick loop and the cron runner.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.reloadCron(ctx)
	s.cron.Start()

	events, unsubscribe := s.bus.Subscribe(
		bus.KindTaskCreated, bus.KindTaskUpdated, bus.KindTaskCancelled,
		bus.KindTaskCompleted, bus.KindSubtaskCompleted,
		bus.KindAgentRegistered, bus.KindAgentReappeared,
	)

	go func() {
		defer close(s.done)
		defer unsubscribe()

		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()

		failures := 0
		runTick := func() {
			if err := s.tick(ctx); err != nil {
				failures++
				slog.Error("Scheduler tick failed", "error", err, "consecutive", failures)
				return
			}
			failures = 0
		}

		runTick()
		for failures < maxConsecutiveTickFailures {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if taskShapeChanged(ev.Kind) {
					s.reloadCron(ctx)
				}
				switch ev.Kind {
				case bus.KindTaskCancelled:
					if ev.Task != nil {
						s.forgetTask(ev.Task.TaskID)
					}
				case bus.KindTaskCompleted:
					if ev.Summary != nil {
						s.forgetTask(ev.Summary.TaskID)
					}
				}
				runTick()
			case <-s.kick:
				runTick()
			case <-ticker.C:
				runTick()
			}
		}
		slog.Error("Scheduler halting after repeated tick failures",
			"consecutive", maxConsecutiveTickFailures)
	}()

	slog.Info("Scheduler started", "tick_interval", s.cfg.TickInterval)
}

// Stop shuts down the tick loop and the cron runner, waiting for both.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	<-s.cron.Stop().Done()
	slog.Info("Scheduler stopped")
}

// Kick requests an immediate tick. Coalesces; never blocks.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func taskShapeChanged(kind bus.Kind) bool {
	switch kind {
	case bus.KindTaskCreated, bus.KindTaskUpdated, bus.KindTaskCancelled:
		return true
	}
	return false
}

// backoffDelay computes the retry delay after the given failed attempt index:
// base × factor^attempt, capped at the maximum.
func (s *Scheduler) backoffDelay(attempt int) time.Duration {
	delay := float64(s.cfg.RetryBaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.cfg.RetryFactor
		if time.Duration(delay) >= s.cfg.RetryMaxDelay {
			return s.cfg.RetryMaxDelay
		}
	}
	d := time.Duration(delay)
	if d > s.cfg.RetryMaxDelay {
		d = s.cfg.RetryMaxDelay
	}
	return d
}

// forgetSlot clears the in-memory timers for a pair once it progresses.
func (s *Scheduler) forgetSlot(slot chainSlot) {
	s.mu.Lock()
	delete(s.retryAt, slot)
	delete(s.waitingSince, slot)
	s.mu.Unlock()
}

// forgetTask clears every in-memory timer belonging to a task, after it
// reaches a terminal state.
func (s *Scheduler) forgetTask(taskID int64) {
	s.mu.Lock()
	for slot := range s.retryAt {
		if slot.taskID == taskID {
			delete(s.retryAt, slot)
		}
	}
	for slot := range s.waitingSince {
		if slot.taskID == taskID {
			delete(s.waitingSince, slot)
		}
	}
	s.mu.Unlock()
}

func slotFor(taskID int64, sub *models.Subtask) chainSlot {
	return chainSlot{taskID: taskID, subtask: sub.Name, agent: sub.TargetAgent}
}
