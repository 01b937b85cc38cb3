package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/symbol"
)

// IndexStore is the per-run symbol index cache (state/symbols.sqlite).
// Extraction results are cached per file keyed by content hash; a file's
// rows are replaced wholesale when its hash changes, so the last index of a
// path always wins.
type IndexStore struct {
	db *sql.DB
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS files (
    path       TEXT PRIMARY KEY,
    file_hash  TEXT NOT NULL,
    indexed_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS symbols (
    path       TEXT NOT NULL,
    qname      TEXT NOT NULL,
    kind       TEXT NOT NULL,
    start_line INTEGER NOT NULL,
    end_line   INTEGER NOT NULL,
    col        INTEGER NOT NULL,
    PRIMARY KEY (path, qname)
);
`

// OpenIndex opens (creating if needed) a symbol index database.
func OpenIndex(dbPath string) (*IndexStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open symbol index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create symbol index schema: %w", err)
	}
	return &IndexStore{db: db}, nil
}

// Close closes the underlying database.
func (s *IndexStore) Close() error {
	return s.db.Close()
}

// FileHash returns the hash a path was last indexed at, reporting whether
// the path has been indexed at all.
func (s *IndexStore) FileHash(ctx context.Context, path string) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT file_hash FROM files WHERE path = ?`, path).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup file hash for %s: %w", path, err)
	}
	return hash, true, nil
}

// ReplaceFile records a fresh extraction for a path, replacing any previous
// rows for it in one transaction.
func (s *IndexStore) ReplaceFile(ctx context.Context, path, fileHash, indexedAt string, syms []symbol.Symbol) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM symbols WHERE path = ?`, path); err != nil {
		return fmt.Errorf("clear symbols for %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO files (path, file_hash, indexed_at) VALUES (?, ?, ?)`,
		path, fileHash, indexedAt,
	); err != nil {
		return fmt.Errorf("record file %s: %w", path, err)
	}
	for _, sym := range syms {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO symbols (path, qname, kind, start_line, end_line, col)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			path, sym.QualifiedName, string(sym.Kind), sym.StartLine, sym.EndLine, sym.Column,
		); err != nil {
			return fmt.Errorf("record symbol %s in %s: %w", sym.QualifiedName, path, err)
		}
	}
	return tx.Commit()
}

// Symbols returns the cached symbols for a path in source order.
func (s *IndexStore) Symbols(ctx context.Context, path string) ([]symbol.Symbol, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT qname, kind, start_line, end_line, col
		 FROM symbols WHERE path = ?
		 ORDER BY start_line ASC, qname ASC`,
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("list symbols for %s: %w", path, err)
	}
	defer rows.Close()

	var out []symbol.Symbol
	for rows.Next() {
		var (
			sym  symbol.Symbol
			kind string
		)
		if err := rows.Scan(&sym.QualifiedName, &kind, &sym.StartLine, &sym.EndLine, &sym.Column); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		sym.Kind = symbol.Kind(kind)
		out = append(out, sym)
	}
	return out, rows.Err()
}

// Lookup returns one cached symbol by qualified name.
func (s *IndexStore) Lookup(ctx context.Context, path, qualifiedName string) (*symbol.Symbol, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT qname, kind, start_line, end_line, col
		 FROM symbols WHERE path = ? AND qname = ?`,
		path, qualifiedName,
	)
	var (
		sym  symbol.Symbol
		kind string
	)
	if err := row.Scan(&sym.QualifiedName, &kind, &sym.StartLine, &sym.EndLine, &sym.Column); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lookup symbol %s in %s: %w", qualifiedName, path, err)
	}
	sym.Kind = symbol.Kind(kind)
	return &sym, true, nil
}
