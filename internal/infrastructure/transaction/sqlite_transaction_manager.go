// Package transaction provides context-scoped SQLite transactions. A
// repository method picks the transaction up from the context when one is
// active and falls back to the raw connection otherwise.
package transaction

import (
	"context"
	"database/sql"
	"fmt"
)

// Manager wraps a SQLite connection with transactional execution. The studio
// database is opened with immediate transaction locking, so InTransaction
// doubles as the exclusive claim primitive for the job queue.
type Manager struct {
	db *sql.DB
}

// NewManager creates a transaction manager over db.
func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// InTransaction executes fn inside a transaction. The transaction is stored
// on the derived context so repository calls inside fn join it. Rollback on
// error, commit on success.
func (m *Manager) InTransaction(ctx context.Context, fn func(txCtx context.Context) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// txKey is used as a key for storing the transaction in context
type txKey struct{}

// GetTxFromContext retrieves the active transaction, if any. Repositories
// use this to join a caller's transaction.
func GetTxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}
