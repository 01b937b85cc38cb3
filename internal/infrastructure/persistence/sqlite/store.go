// Package sqlite persists the studio queue and audit state. One database
// per repository (.deepatch/studio.db) holds jobs, run snapshots, ingested
// events and the approval audit trail; each run additionally keeps a small
// per-run symbol index database next to its state.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// dbExecutor is an interface for executing database queries
// Both *sql.DB and *sql.Tx implement this interface
type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Open opens (creating if needed) the studio database and applies the
// schema. Transactions take the write lock immediately so concurrent
// workers contend at BEGIN rather than at COMMIT, which is what makes the
// claim-next-job transaction exclusive.
func Open(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create studio database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open studio database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between goroutines
	db.SetMaxOpenConns(1)

	if err := NewMigrator(db).Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
