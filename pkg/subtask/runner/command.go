package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/taskfleet/taskfleet/pkg/subtask"
)

// commandOutputLimit caps how much process output is carried back in the
// result blob. Diagnostic runners (gtest and friends) can be very chatty.
const commandOutputLimit = 64 * 1024

// runCommand executes args[0] with the remaining args as argv, capturing
// combined output. Exit code zero is the success verdict; anything else is a
// business-level failure carrying the output for diagnosis.
func runCommand(ctx context.Context, args []string, rawKwargs json.RawMessage) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("run_command requires at least the binary path")
	}

	var kwargs subtask.RunCommandKwargs
	if len(rawKwargs) > 0 {
		if err := json.Unmarshal(rawKwargs, &kwargs); err != nil {
			return "", fmt.Errorf("invalid run_command kwargs: %w", err)
		}
	}
	if kwargs.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(kwargs.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if kwargs.Workdir != "" {
		cmd.Dir = kwargs.Workdir
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := truncate(buf.Bytes(), commandOutputLimit)

	if ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("command timed out")
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return output, fmt.Errorf("command exited with code %d", exitErr.ExitCode())
		}
		return output, fmt.Errorf("failed to run command: %w", err)
	}
	return output, nil
}

func truncate(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "\n[output truncated]"
}
