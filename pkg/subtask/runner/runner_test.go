package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/pkg/models"
	"github.com/taskfleet/taskfleet/pkg/subtask"
)

type stubSampler struct {
	fp  json.RawMessage
	err error
}

func (s stubSampler) Sample(context.Context) (json.RawMessage, error) {
	return s.fp, s.err
}

func TestRunGetHostname(t *testing.T) {
	e := New(nil)
	out := e.Run(context.Background(), Request{Kind: subtask.KindGetHostname})
	require.Equal(t, models.ExecutionCompleted, out.Status)

	hostname, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, hostname, out.Result)
	assert.Empty(t, out.Error)
}

func TestRunGetSystemInfo(t *testing.T) {
	e := New(stubSampler{fp: json.RawMessage(`{"cpu":"8 cores"}`)})
	out := e.Run(context.Background(), Request{Kind: subtask.KindGetSystemInfo})
	require.Equal(t, models.ExecutionCompleted, out.Status)
	assert.JSONEq(t, `{"cpu":"8 cores"}`, out.Result)
}

func TestRunGetSystemInfoSamplerFailure(t *testing.T) {
	e := New(stubSampler{err: errors.New("probe exploded")})
	out := e.Run(context.Background(), Request{Kind: subtask.KindGetSystemInfo})
	assert.Equal(t, models.ExecutionFailed, out.Status)
	assert.Contains(t, out.Error, "probe exploded")
}

func TestRunUnknownKind(t *testing.T) {
	e := New(nil)
	out := e.Run(context.Background(), Request{Kind: "fly_to_moon"})
	assert.Equal(t, models.ExecutionFailed, out.Status)
	assert.Contains(t, out.Error, "unknown subtask kind")
}

func TestRunCommandSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/sh")
	}
	e := New(nil)
	out := e.Run(context.Background(), Request{
		Kind: subtask.KindRunCommand,
		Args: []string{"/bin/sh", "-c", "echo all tests passed"},
	})
	require.Equal(t, models.ExecutionCompleted, out.Status)
	assert.Contains(t, out.Result, "all tests passed")
	assert.Greater(t, out.Elapsed, 0.0)
}

func TestRunCommandNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/sh")
	}
	e := New(nil)
	out := e.Run(context.Background(), Request{
		Kind: subtask.KindRunCommand,
		Args: []string{"/bin/sh", "-c", "echo 2 tests failed; exit 3"},
	})
	assert.Equal(t, models.ExecutionFailed, out.Status)
	assert.Contains(t, out.Error, "exited with code 3")
	// Output survives the failure for diagnosis.
	assert.Contains(t, out.Result, "2 tests failed")
}

func TestRunCommandWatchdogTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/sh")
	}
	e := New(nil)
	start := time.Now()
	out := e.Run(context.Background(), Request{
		Kind:    subtask.KindRunCommand,
		Args:    []string{"/bin/sh", "-c", "sleep 30"},
		Timeout: 200 * time.Millisecond,
	})
	assert.Equal(t, models.ExecutionFailed, out.Status)
	assert.Contains(t, out.Error, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTruncate(t *testing.T) {
	long := make([]byte, commandOutputLimit+10)
	for i := range long {
		long[i] = 'x'
	}
	assert.Contains(t, truncate(long, commandOutputLimit), "[output truncated]")
	assert.Equal(t, "short", truncate([]byte("short"), commandOutputLimit))
}
