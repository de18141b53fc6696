// Package database provides the embedded SQLite client and migration utilities.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // register the pure-Go sqlite driver
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the *sql.DB handle for the embedded store.
type Client struct {
	db *sql.DB
}

// DB returns the underlying database handle for queries and health checks.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the database handle.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens (creating if necessary) the SQLite database at cfg.Path,
// applies pending migrations, and returns the client.
//
// The database is opened in WAL mode with a busy timeout. The connection pool
// is capped at one open connection: SQLite allows a single writer at a time,
// and funnelling every transaction through one connection gives the store its
// serializable single-writer contract without SQLITE_BUSY churn.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db}, nil
}

// dsn builds the modernc.org/sqlite connection string with the pragmas the
// store depends on.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + q.Encode()
}

// runMigrations applies pending schema migrations using golang-migrate with
// the SQL files embedded at compile time.
//
// The schema version lives in the schema_migrations table. Starting against a
// database whose version is newer than the embedded set (or dirty) is refused
// rather than patched best-effort.
func runMigrations(db *sql.DB) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found — binary may be built incorrectly")
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "taskfleet", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := refuseUnknownSchema(m, sourceDriver); err != nil {
		return err
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the
	// database driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// refuseUnknownSchema rejects databases written by a newer binary. A dirty
// version means a previous migration run died mid-flight and needs operator
// attention, not an automatic retry.
func refuseUnknownSchema(m *migrate.Migrate, src source.Driver) error {
	current, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil // fresh database
		}
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty; refusing to start", current)
	}
	latest, err := latestEmbeddedVersion(src)
	if err != nil {
		return err
	}
	if current > latest {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d); refusing to start", current, latest)
	}
	return nil
}

// latestEmbeddedVersion walks the embedded source to its highest version.
func latestEmbeddedVersion(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("failed to read first migration: %w", err)
	}
	for {
		next, err := src.Next(v)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return v, nil
			}
			return 0, fmt.Errorf("failed to walk migrations: %w", err)
		}
		v = next
	}
}

// hasEmbeddedMigrations checks that the embedded FS contains .sql files.
func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}
