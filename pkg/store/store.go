// Package store is the durable source of truth for tasks, agents, execution
// rows, and the comm log. All mutations run in transactions against the
// embedded SQLite database; every mutation that changes externally observable
// state publishes a typed change event on the bus after commit.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskfleet/taskfleet/pkg/bus"
	"github.com/taskfleet/taskfleet/pkg/models"
)

// KindRegistry validates subtask definitions at task creation. Implemented by
// subtask.Registry; the store only needs the validation half.
type KindRegistry interface {
	ValidateSubtask(s *models.Subtask) error
}

// Store exposes the typed persistence API. Safe for concurrent use; the
// underlying connection pool serializes writers.
type Store struct {
	db       *sql.DB
	bus      *bus.Bus
	registry KindRegistry
	now      func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over the given database handle.
func New(db *sql.DB, eventBus *bus.Bus, registry KindRegistry, opts ...Option) *Store {
	s := &Store{
		db:       db,
		bus:      eventBus,
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// withTx runs fn inside a transaction and publishes the events fn queued
// only after a successful commit.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx, events *pendingEvents) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	events := &pendingEvents{}
	if err := fn(tx, events); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, ev := range events.queued {
		s.bus.Publish(ev)
	}
	return nil
}

// pendingEvents accumulates bus events inside a transaction so they are only
// visible after commit.
type pendingEvents struct {
	queued []bus.Event
}

func (p *pendingEvents) add(ev bus.Event) {
	p.queued = append(p.queued, ev)
}

// Timestamps are stored as RFC 3339 UTC text per the persisted-state layout.
// The fractional part is fixed-width: SQL compares these columns as strings,
// and variable-length fractions would break the order (".2" sorts after ".15").
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
