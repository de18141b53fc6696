package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taskfleet/taskfleet/pkg/models"
)

func TestDerive(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	timeout := 90 * time.Second
	taskID := int64(7)
	subtask := "get_hostname"

	tests := []struct {
		name  string
		agent models.Agent
		want  models.Presence
	}{
		{
			name:  "fresh heartbeat, no assignment",
			agent: models.Agent{LastHeartbeat: now.Add(-10 * time.Second)},
			want:  models.PresenceFree,
		},
		{
			name: "fresh heartbeat, assigned",
			agent: models.Agent{
				LastHeartbeat: now.Add(-10 * time.Second),
				CurrentTaskID: &taskID, CurrentSubtask: &subtask,
			},
			want: models.PresenceBusy,
		},
		{
			name:  "stale heartbeat",
			agent: models.Agent{LastHeartbeat: now.Add(-2 * time.Minute)},
			want:  models.PresenceOffline,
		},
		{
			name: "stale heartbeat wins over assignment",
			agent: models.Agent{
				LastHeartbeat: now.Add(-2 * time.Minute),
				CurrentTaskID: &taskID, CurrentSubtask: &subtask,
			},
			want: models.PresenceOffline,
		},
		{
			name:  "exactly at the timeout boundary is still alive",
			agent: models.Agent{LastHeartbeat: now.Add(-timeout)},
			want:  models.PresenceFree,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(&tt.agent, now, timeout))
		})
	}
}

// P5: OFFLINE implies the heartbeat is actually stale.
func TestDeriveOfflineImpliesStale(t *testing.T) {
	now := time.Now().UTC()
	timeout := 90 * time.Second
	for age := time.Duration(0); age < 5*time.Minute; age += 13 * time.Second {
		a := &models.Agent{LastHeartbeat: now.Add(-age)}
		if Derive(a, now, timeout) == models.PresenceOffline {
			assert.Greater(t, now.Sub(a.LastHeartbeat), timeout)
		}
	}
}
