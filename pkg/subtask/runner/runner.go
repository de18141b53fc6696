// Package runner holds the subtask implementations executed on agents. The
// controller never links the implementations' behavior into its scheduling
// decisions; it only sees `{kind, args} → {status, result, error}`.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/taskfleet/taskfleet/pkg/models"
	"github.com/taskfleet/taskfleet/pkg/subtask"
)

// Sampler produces a fresh system fingerprint. The agent runtime swaps the
// active implementation atomically, so fingerprints can change shape without
// a restart.
type Sampler interface {
	Sample(ctx context.Context) (json.RawMessage, error)
}

// Request is one unit of work handed to the executor.
type Request struct {
	Kind    string
	Args    []string
	Kwargs  json.RawMessage
	Timeout time.Duration
}

// Outcome is the business-level result of a subtask run. A failed subtask is
// data, not an error: the transport call that delivers it still succeeds.
type Outcome struct {
	Status  models.ExecutionStatus
	Result  string
	Error   string
	Elapsed float64
}

// Executor runs subtasks under a watchdog bounded by the request timeout.
type Executor struct {
	sampler Sampler
}

// New creates an executor. The sampler backs the get_system_info kind.
func New(sampler Sampler) *Executor {
	return &Executor{sampler: sampler}
}

// Run executes the named kind. Unknown kinds and panics inside a kind are
// reported as failed outcomes; Run itself never fails.
func (e *Executor) Run(ctx context.Context, req Request) Outcome {
	start := time.Now()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var result string
	var err error
	switch req.Kind {
	case subtask.KindGetHostname:
		result, err = runGetHostname()
	case subtask.KindGetSystemInfo:
		result, err = e.runGetSystemInfo(ctx)
	case subtask.KindRunCommand:
		result, err = runCommand(ctx, req.Args, req.Kwargs)
	default:
		err = fmt.Errorf("unknown subtask kind %q", req.Kind)
	}

	elapsed := time.Since(start).Seconds()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", req.Timeout, err)
		}
		return Outcome{Status: models.ExecutionFailed, Result: result, Error: err.Error(), Elapsed: elapsed}
	}
	return Outcome{Status: models.ExecutionCompleted, Result: result, Elapsed: elapsed}
}

func runGetHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to read hostname: %w", err)
	}
	return hostname, nil
}

func (e *Executor) runGetSystemInfo(ctx context.Context) (string, error) {
	if e.sampler == nil {
		return "", fmt.Errorf("no fingerprint sampler configured")
	}
	fp, err := e.sampler.Sample(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to sample system info: %w", err)
	}
	return string(fp), nil
}
