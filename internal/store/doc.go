// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// Store is a single interface covering the two things this service persists:
//
//   - Tenant settings: one key/value record per tenant, stored as JSON. It
//     holds the tenant's gateway credentials (under either the current
//     waha_base_url/waha_api_key keys or the legacy wahaUrl/wahaApiKey keys)
//     and the tenant's session name once a session has been created.
//   - Audit log: append-only entries for emergency credential use, session
//     lifecycle commands and webhook corrections.
//
// SQLiteStore implements Store against database/sql. MockStore is an
// in-memory implementation for unit tests.
//
// # SQLite Configuration
//
// Two drivers are registered:
//
//   - "sqlite": modernc.org/sqlite, pure Go, the default
//   - "sqlite3": github.com/mattn/go-sqlite3, requires cgo
//
// The store enables WAL mode and a busy timeout on open:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// # Error Handling
//
//   - ErrNotFound: the tenant has no settings record
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
//	s := store.NewMockStore()
//	s.Err = errors.New("boom") // every call now fails
//
// Use NewSQLiteStore with a t.TempDir() path for integration tests.
package store
