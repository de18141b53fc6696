package cleanup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/pkg/bus"
	"github.com/taskfleet/taskfleet/pkg/config"
	"github.com/taskfleet/taskfleet/pkg/database"
	"github.com/taskfleet/taskfleet/pkg/models"
	"github.com/taskfleet/taskfleet/pkg/store"
	"github.com/taskfleet/taskfleet/pkg/subtask"
)

func TestRunOncePrunesOldEntries(t *testing.T) {
	ctx := context.Background()
	client, err := database.NewClient(ctx, database.Config{
		Path: filepath.Join(t.TempDir(), "taskfleet.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	b := bus.New()
	t.Cleanup(b.Close)
	st := store.New(client.DB(), b, subtask.NewRegistry())

	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	require.NoError(t, st.AppendCommLog(ctx, &models.CommLogEntry{
		Timestamp: old, AgentName: "A1", Action: "subtask_dispatch", Message: "stale",
	}))
	require.NoError(t, st.AppendCommLog(ctx, &models.CommLogEntry{
		AgentName: "A1", Action: "subtask_dispatch", Message: "fresh",
	}))

	svc := New(st, config.RetentionConfig{
		CommLogRetention: 7 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
	})
	svc.runOnce(ctx)

	entries, err := st.CommLogs(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Message)
}
