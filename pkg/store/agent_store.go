package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/taskfleet/taskfleet/pkg/bus"
	"github.com/taskfleet/taskfleet/pkg/models"
)

const agentColumns = `name, address, capabilities, fingerprint, last_heartbeat,
	last_config_update, registered_at, current_task_id, current_subtask`

// RegisterAgent creates the agent or, when the same (name, address) pair is
// already known, refreshes its capabilities and fingerprint. Re-registering a
// name under a different address returns ErrNameConflict. Returns whether the
// agent was newly created.
func (s *Store) RegisterAgent(ctx context.Context, a *models.Agent) (bool, error) {
	capsJSON, err := json.Marshal(emptyIfNil(a.Capabilities))
	if err != nil {
		return false, fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	now := s.now()

	var created bool
	err = s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		var address string
		err := tx.QueryRowContext(ctx, `SELECT address FROM agents WHERE name = ?`, a.Name).Scan(&address)
		switch {
		case err == sql.ErrNoRows:
			created = true
			_, err = tx.ExecContext(ctx, `
				INSERT INTO agents (name, address, capabilities, fingerprint, last_heartbeat,
					last_config_update, registered_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				a.Name, a.Address, string(capsJSON), fingerprintText(a.Fingerprint),
				fmtTime(now), fmtTime(now), fmtTime(now))
			if err != nil {
				return fmt.Errorf("failed to insert agent: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to read agent: %w", err)
		case address != a.Address:
			return fmt.Errorf("agent %s is registered at %s: %w", a.Name, address, ErrNameConflict)
		default:
			// Idempotent re-registration: refresh advisory fields, keep the
			// assignment so a reconnecting agent does not lose its slot.
			_, err = tx.ExecContext(ctx, `
				UPDATE agents SET capabilities = ?, fingerprint = ?, last_heartbeat = ?
				WHERE name = ?`,
				string(capsJSON), fingerprintText(a.Fingerprint), fmtTime(now), a.Name)
			if err != nil {
				return fmt.Errorf("failed to update agent: %w", err)
			}
		}
		events.add(bus.AgentEvent(bus.KindAgentRegistered, a.Name, a.Address))
		return nil
	})
	if err != nil {
		return false, err
	}
	a.LastHeartbeat = now
	return created, nil
}

// TouchHeartbeat records a heartbeat arrival, optionally refreshing the
// fingerprint sampled with it. The agent's self-reported status is advisory
// and not stored; presence is always derived on read.
func (s *Store) TouchHeartbeat(ctx context.Context, name string, fingerprint json.RawMessage) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		var res sql.Result
		var err error
		if fingerprint != nil {
			res, err = tx.ExecContext(ctx,
				`UPDATE agents SET last_heartbeat = ?, fingerprint = ? WHERE name = ?`,
				fmtTime(now), string(fingerprint), name)
		} else {
			res, err = tx.ExecContext(ctx,
				`UPDATE agents SET last_heartbeat = ? WHERE name = ?`, fmtTime(now), name)
		}
		if err != nil {
			return fmt.Errorf("failed to touch heartbeat: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		events.add(bus.AgentEvent(bus.KindHeartbeat, name, ""))
		return nil
	})
}

// UpdateAgentConfig refreshes the agent's fingerprint on the slower
// config-update cadence.
func (s *Store) UpdateAgentConfig(ctx context.Context, name string, fingerprint json.RawMessage) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE agents SET fingerprint = ?, last_config_update = ? WHERE name = ?`,
			fingerprintText(fingerprint), fmtTime(now), name)
		if err != nil {
			return fmt.Errorf("failed to update agent config: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		events.add(bus.AgentEvent(bus.KindAgentConfigUpdated, name, ""))
		return nil
	})
}

// SetAgentAssignment writes the agent's assignment slot. taskID and subtask
// must be both set or both nil; anything else is ErrBadAssignment.
func (s *Store) SetAgentAssignment(ctx context.Context, name string, taskID *int64, subtask *string) error {
	return s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		return setAgentAssignmentTx(ctx, tx, name, taskID, subtask)
	})
}

// setAgentAssignmentTx is the transaction body of SetAgentAssignment, shared
// with the dispatch and result paths that pair the assignment write with an
// execution row write.
func setAgentAssignmentTx(ctx context.Context, tx *sql.Tx, name string, taskID *int64, subtask *string) error {
	if (taskID == nil) != (subtask == nil) {
		return ErrBadAssignment
	}
	var res sql.Result
	var err error
	if taskID == nil {
		res, err = tx.ExecContext(ctx,
			`UPDATE agents SET current_task_id = NULL, current_subtask = NULL WHERE name = ?`, name)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE agents SET current_task_id = ?, current_subtask = ? WHERE name = ?`,
			*taskID, *subtask, name)
	}
	if err != nil {
		return fmt.Errorf("failed to set agent assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAgent returns the agent or nil when unknown.
func (s *Store) GetAgent(ctx context.Context, name string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListAgents returns every registered agent, ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent record.
func (s *Store) DeleteAgent(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("failed to delete agent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var a models.Agent
	var capsJSON, lastHeartbeat, lastConfigUpdate, registeredAt string
	var fingerprint sql.NullString
	var currentTaskID sql.NullInt64
	var currentSubtask sql.NullString

	err := row.Scan(&a.Name, &a.Address, &capsJSON, &fingerprint, &lastHeartbeat,
		&lastConfigUpdate, &registeredAt, &currentTaskID, &currentSubtask)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}

	if err := json.Unmarshal([]byte(capsJSON), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
	}
	if fingerprint.Valid && fingerprint.String != "" {
		a.Fingerprint = json.RawMessage(fingerprint.String)
	}
	if a.LastHeartbeat, err = parseTime(lastHeartbeat); err != nil {
		return nil, err
	}
	if a.LastConfigUpdate, err = parseTime(lastConfigUpdate); err != nil {
		return nil, err
	}
	if a.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return nil, err
	}
	if currentTaskID.Valid {
		a.CurrentTaskID = &currentTaskID.Int64
	}
	if currentSubtask.Valid {
		a.CurrentSubtask = &currentSubtask.String
	}
	return &a, nil
}

func fingerprintText(fp json.RawMessage) any {
	if fp == nil {
		return nil
	}
	return string(fp)
}
