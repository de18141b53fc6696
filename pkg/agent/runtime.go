package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/taskfleet/taskfleet/pkg/hub"
	"github.com/taskfleet/taskfleet/pkg/models"
	"github.com/taskfleet/taskfleet/pkg/subtask/runner"
)

// Runtime is the long-running agent process: one registration, one heartbeat
// loop, one config-update loop, one channel, and at most one subtask in
// flight at a time.
type Runtime struct {
	cfg      Config
	client   *Client
	sampler  *SamplerHolder
	executor *runner.Executor
	channel  *channelClient

	slot slot
}

// slot guards the single-execution invariant. An agent that is mid-subtask
// refuses further dispatches instead of queueing them.
type slot struct {
	mu          sync.Mutex
	busy        bool
	taskID      int64
	executionID string
	cancelled   bool
	cancel      context.CancelFunc
}

// NewRuntime wires the agent from its config. The sampler backs both the
// fingerprint reports and the get_system_info subtask.
func NewRuntime(cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	holder := NewSamplerHolder(SystemSampler{})
	rt := &Runtime{
		cfg:      cfg,
		client:   NewClient(cfg.ServerURL),
		sampler:  holder,
		executor: runner.New(holder),
	}
	rt.channel = newChannelClient(cfg.ServerURL, cfg.MachineName, rt.handleEnvelope)
	rt.channel.beforeJoin = rt.register
	return rt, nil
}

// register samples a fresh fingerprint and announces the agent. Called at
// startup and again before every room join: a restarted controller has lost
// the agent row, so rejoining the channel alone would leave the agent
// invisible to presence.
func (r *Runtime) register(ctx context.Context) error {
	fp, err := r.sampler.Sample(ctx)
	if err != nil {
		slog.Warn("Fingerprint sampling failed", "error", err)
	}
	if _, err := r.client.Register(ctx, r.cfg.MachineName, r.cfg.Address, fp); err != nil {
		return err
	}
	return nil
}

// Run registers and then drives all loops until ctx is cancelled. The initial
// registration retries forever; an unreachable controller at boot is normal.
func (r *Runtime) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 0

	register := func() error { return r.register(ctx) }
	notify := func(err error, delay time.Duration) {
		slog.Warn("Registration failed", "retry_in", delay, "error", err)
	}
	if err := backoff.RetryNotify(register, backoff.WithContext(policy, ctx), notify); err != nil {
		return err
	}
	slog.Info("Agent registered", "name", r.cfg.MachineName, "server", r.cfg.ServerURL)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.heartbeatLoop(ctx) })
	g.Go(func() error { return r.configUpdateLoop(ctx) })
	g.Go(func() error { return r.channel.run(ctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fp, err := r.sampler.Sample(ctx)
			if err != nil {
				slog.Warn("Fingerprint sampling failed", "error", err)
			}
			if err := r.client.Heartbeat(ctx, r.cfg.MachineName, fp); err != nil {
				slog.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

func (r *Runtime) configUpdateLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ConfigUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fp, err := r.sampler.Sample(ctx)
			if err != nil {
				slog.Warn("Fingerprint sampling failed", "error", err)
				continue
			}
			if err := r.client.UpdateConfig(ctx, r.cfg.MachineName, fp); err != nil {
				slog.Warn("Config update failed", "error", err)
			}
		}
	}
}

// handleEnvelope processes one inbound envelope off the channel.
func (r *Runtime) handleEnvelope(env hub.Envelope) {
	switch env.Kind {
	case hub.KindSubtaskDispatch:
		var payload hub.SubtaskDispatchPayload
		if err := hub.UnmarshalPayload(env, &payload); err != nil {
			slog.Warn("Malformed dispatch payload", "error", err)
			return
		}
		r.handleDispatch(payload)

	case hub.KindTaskCancelled:
		var payload hub.TaskCancelledPayload
		if err := hub.UnmarshalPayload(env, &payload); err != nil {
			slog.Warn("Malformed cancellation payload", "error", err)
			return
		}
		r.handleCancellation(payload.TaskID)

	case hub.KindPing:
		fp, err := r.sampler.Sample(context.Background())
		if err != nil {
			slog.Warn("Fingerprint sampling for pong failed", "error", err)
		}
		pong, err := hub.NewEnvelope(hub.KindPong, hub.PongPayload{Name: r.cfg.MachineName, Fingerprint: fp})
		if err != nil {
			return
		}
		if err := r.channel.send(pong); err != nil {
			slog.Debug("Failed to send pong", "error", err)
		}

	default:
		slog.Warn("Unexpected envelope kind from controller", "kind", env.Kind)
	}
}

// handleDispatch claims the slot and starts the subtask, or refuses when one
// is already running.
func (r *Runtime) handleDispatch(payload hub.SubtaskDispatchPayload) {
	runCtx, ok := r.slot.claim(payload.TaskID, payload.ExecutionID)
	if !ok {
		r.ackDispatch(hub.KindDispatchNack, payload, "agent busy")
		slog.Warn("Refused dispatch while busy",
			"task_id", payload.TaskID, "subtask", payload.SubtaskName, "execution_id", payload.ExecutionID)
		return
	}

	r.ackDispatch(hub.KindDispatchAck, payload, "")
	go r.runSubtask(runCtx, payload)
}

func (r *Runtime) ackDispatch(kind string, payload hub.SubtaskDispatchPayload, reason string) {
	env, err := hub.NewEnvelope(kind, hub.DispatchAckPayload{
		ExecutionID: payload.ExecutionID,
		TaskID:      payload.TaskID,
		Reason:      reason,
	})
	if err != nil {
		return
	}
	if err := r.channel.send(env); err != nil {
		slog.Warn("Failed to send dispatch response", "kind", kind, "error", err)
	}
}

// runSubtask executes one dispatch end to end and always releases the slot.
func (r *Runtime) runSubtask(ctx context.Context, payload hub.SubtaskDispatchPayload) {
	defer r.slot.release()

	slog.Info("Running subtask",
		"task_id", payload.TaskID, "subtask", payload.SubtaskName,
		"execution_id", payload.ExecutionID, "timeout", payload.TimeoutSeconds)

	// Best-effort; the controller also flips the row on dispatch_ack.
	notifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := r.client.NotifyStarted(notifyCtx, payload.TaskID, payload.ExecutionID, payload.SubtaskName, r.cfg.MachineName); err != nil {
		slog.Debug("Start notification failed", "error", err)
	}
	cancel()

	outcome := r.executor.Run(ctx, runner.Request{
		Kind:    payload.SubtaskName,
		Args:    payload.Args,
		Kwargs:  payload.Kwargs,
		Timeout: time.Duration(payload.TimeoutSeconds) * time.Second,
	})

	status := outcome.Status
	errMsg := outcome.Error
	if r.slot.wasCancelled(payload.ExecutionID) {
		status = models.ExecutionCancelled
		if errMsg == "" {
			errMsg = "interrupted by task cancellation"
		}
	}

	// Result delivery must survive the cancelled run context.
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	err := r.client.PostSubtaskResult(postCtx, SubtaskResult{
		TaskID:           payload.TaskID,
		ExecutionID:      payload.ExecutionID,
		SubtaskName:      payload.SubtaskName,
		AgentName:        r.cfg.MachineName,
		Status:           string(status),
		Result:           outcome.Result,
		Error:            errMsg,
		ExecutionSeconds: outcome.Elapsed,
	})
	if err != nil {
		slog.Error("Failed to post subtask result",
			"task_id", payload.TaskID, "execution_id", payload.ExecutionID, "error", err)
		return
	}
	slog.Info("Subtask finished",
		"task_id", payload.TaskID, "subtask", payload.SubtaskName, "status", status)
}

// handleCancellation interrupts the in-flight subtask when it belongs to the
// cancelled task. Cancellations for other tasks are stale and ignored.
func (r *Runtime) handleCancellation(taskID int64) {
	if r.slot.interrupt(taskID) {
		slog.Info("Interrupted running subtask", "task_id", taskID)
	}
}

// Shutdown unregisters the agent. Called by the CLI on clean exit.
func (r *Runtime) Shutdown(ctx context.Context) error {
	return r.client.Unregister(ctx, r.cfg.MachineName)
}

func (s *slot) claim(taskID int64, executionID string) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.busy = true
	s.taskID = taskID
	s.executionID = executionID
	s.cancelled = false
	s.cancel = cancel
	return ctx, true
}

func (s *slot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.busy = false
	s.taskID = 0
	s.executionID = ""
	s.cancel = nil
}

func (s *slot) interrupt(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy || s.taskID != taskID {
		return false
	}
	s.cancelled = true
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// wasCancelled reports whether the given execution was interrupted by a task
// cancellation rather than finishing on its own.
func (s *slot) wasCancelled(executionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled && s.executionID == executionID
}
