// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Pure-Go modernc driver by default, cgo mattn driver optional; schema created on open

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, no cgo
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3, requires cgo
)

// timestampLayout is fixed-width so stored timestamps sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure-Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DriverModernc, path)
}

// Open creates a store with the named database/sql driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func Open(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver != DriverModernc && driver != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each pooled connection to :memory: would see its own empty database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "driver", driver, "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenant_settings (
			tenant_id     TEXT PRIMARY KEY,
			settings_json TEXT NOT NULL DEFAULT '{}',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tenant_settings_created ON tenant_settings(created_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id   TEXT PRIMARY KEY,
			actor      TEXT NOT NULL,
			action     TEXT NOT NULL,
			tenant_id  TEXT NOT NULL,
			target     TEXT NOT NULL DEFAULT '',
			ts         TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_log(tenant_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			// Early databases recorded audit rows without a target.
			table:  "audit_log",
			column: "target",
			apply:  `ALTER TABLE audit_log ADD COLUMN target TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
