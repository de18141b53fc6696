// Package presence derives agent liveness from heartbeat age and the current
// assignment. Presence is never stored; every read recomputes it.
package presence

import (
	"time"

	"github.com/taskfleet/taskfleet/pkg/models"
)

// Derive computes the presence of an agent at the given instant:
//
//	now - last_heartbeat > timeout  → OFFLINE
//	assignment slot held            → BUSY
//	otherwise                       → FREE
//
// The agent's self-reported status never enters the computation.
func Derive(a *models.Agent, now time.Time, timeout time.Duration) models.Presence {
	if now.Sub(a.LastHeartbeat) > timeout {
		return models.PresenceOffline
	}
	if a.Assigned() {
		return models.PresenceBusy
	}
	return models.PresenceFree
}
