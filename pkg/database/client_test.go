package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "taskfleet.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewClientAppliesMigrations(t *testing.T) {
	client := newTestClient(t)

	// All four tables exist after migration.
	for _, table := range []string{"tasks", "executions", "agents", "logs"} {
		var name string
		err := client.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestNewClientIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Path: filepath.Join(dir, "taskfleet.db")}

	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	// Reopening an already-migrated database is a no-op.
	client, err = NewClient(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, client.Close())
}

func TestNonTerminalUniqueIndex(t *testing.T) {
	client := newTestClient(t)
	db := client.DB()

	_, err := db.Exec(`INSERT INTO tasks (id, name, subtasks, created_at) VALUES (1, 't', '[]', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)

	insert := `INSERT INTO executions (id, task_id, subtask_name, subtask_order, agent_name, status, created_at)
	           VALUES (?, 1, 'get_hostname', 0, 'A1', ?, '2026-01-01T00:00:00Z')`

	_, err = db.Exec(insert, "row-1", "running")
	require.NoError(t, err)

	// Second non-terminal row for the same triple violates the partial index.
	_, err = db.Exec(insert, "row-2", "pending")
	require.Error(t, err)

	// A terminal row for the triple is fine.
	_, err = db.Exec(insert, "row-3", "completed")
	require.NoError(t, err)
}

func TestAssignmentBothOrNeitherCheck(t *testing.T) {
	client := newTestClient(t)
	db := client.DB()

	insert := `INSERT INTO agents (name, address, last_heartbeat, last_config_update, registered_at, current_task_id, current_subtask)
	           VALUES (?, '10.0.0.5:9090', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z', ?, ?)`

	_, err := db.Exec(insert, "A1", nil, nil)
	require.NoError(t, err)

	_, err = db.Exec(insert, "A2", 1, "get_hostname")
	require.NoError(t, err)

	// Half-set assignment is rejected by the CHECK constraint.
	_, err = db.Exec(insert, "A3", 1, nil)
	require.Error(t, err)
}
