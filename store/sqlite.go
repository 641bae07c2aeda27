package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store over a local SQLite file, following the
// teacher pack's aictl/internal/session/sqlite.go convention: WAL mode for
// concurrent reads, a directory created on first open, errors wrapped with
// operation context.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultDBPath mirrors aictl's DefaultDBPath convention, namespaced for
// this runtime's state instead of chat sessions.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "chitragupta", "lifecycle.db"), nil
}

// OpenSQLite opens (or creates) a SQLite database at dbPath.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// OpenMemorySQLite opens an in-process, non-persistent SQLite database —
// handy for tests that want real SQL semantics without a file on disk.
func OpenMemorySQLite() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		return nil, fmt.Errorf("open in-memory sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Exec(ctx context.Context, query string) error {
	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Prepare(ctx context.Context, query string) (Statement, error) {
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	return &sqliteStatement{stmt: stmt}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteStatement struct {
	stmt *sql.Stmt
}

func (s *sqliteStatement) Run(ctx context.Context, args ...interface{}) (int64, error) {
	res, err := s.stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil // not every driver reports this; treat as best-effort.
	}
	return n, nil
}

func (s *sqliteStatement) All(ctx context.Context, args ...interface{}) ([]Row, error) {
	rows, err := s.stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *sqliteStatement) Get(ctx context.Context, args ...interface{}) (Row, error) {
	rows, err := s.stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	all, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrNoRows
	}
	return all[0], nil
}

func (s *sqliteStatement) Close() error {
	return s.stmt.Close()
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalizeSQLValue(vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalizeSQLValue unwraps driver-returned []byte into string, matching
// how modernc.org/sqlite returns TEXT columns.
func normalizeSQLValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
