package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskfleet/taskfleet/pkg/models"
)

// AppendCommLog writes one audit entry. Best-effort callers may ignore the
// error; the comm log is never authoritative state.
func (s *Store) AppendCommLog(ctx context.Context, entry *models.CommLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if entry.Level == "" {
		entry.Level = models.CommLogInfo
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (timestamp, agent_name, agent_address, action, message, level)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fmtTime(entry.Timestamp), entry.AgentName, entry.AgentAddress,
		entry.Action, entry.Message, string(entry.Level))
	if err != nil {
		return fmt.Errorf("failed to append comm log: %w", err)
	}
	return nil
}

// CommLogs returns recent entries, newest first, optionally filtered by agent
// address. limit <= 0 means the default of 100.
func (s *Store) CommLogs(ctx context.Context, agentAddress string, limit int) ([]*models.CommLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, agent_name, agent_address, action, message, level
		FROM logs
		WHERE (? = '' OR agent_address = ?)
		ORDER BY id DESC LIMIT ?`,
		agentAddress, agentAddress, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query comm logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.CommLogEntry
	for rows.Next() {
		var e models.CommLogEntry
		var ts, level string
		if err := rows.Scan(&e.ID, &ts, &e.AgentName, &e.AgentAddress, &e.Action, &e.Message, &level); err != nil {
			return nil, fmt.Errorf("failed to scan comm log: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		e.Level = models.CommLogLevel(level)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PruneCommLogs deletes entries older than the cutoff, returning the count.
func (s *Store) PruneCommLogs(ctx context.Context, before time.Time) (int64, error) {
	var pruned int64
	err := s.withTx(ctx, func(tx *sql.Tx, events *pendingEvents) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM logs WHERE timestamp < ?`, fmtTime(before))
		if err != nil {
			return fmt.Errorf("failed to prune comm logs: %w", err)
		}
		pruned, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		return nil
	})
	return pruned, err
}
