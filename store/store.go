// Package store defines the durable facade Kaala and Vidhi depend on
// (C9, spec.md §4.7): exec to create tables, prepare+run for parametrized
// writes, prepare+all/get for reads returning plain row maps. Grounded on
// Easonliuliang-APEXION/aictl's internal/session/sqlite.go (database/sql
// over modernc.org/sqlite, WAL mode, JSON-blob columns), generalized from
// a single sessions table into the generic exec/prepare/run/all/get shape
// spec.md §4.7 specifies so both the heartbeats and vidhis tables (§6) can
// be driven through one interface.
package store

import (
	"context"

	"github.com/sriinnu/chitragupta/chierrors"
)

// ErrNoRows is returned by Statement.Get when no row matches.
var ErrNoRows = chierrors.ErrNotFound

// Row is one result row, column name to value.
type Row map[string]interface{}

// Statement is a parametrized, reusable prepared statement.
type Statement interface {
	// Run executes a write and returns rows affected.
	Run(ctx context.Context, args ...interface{}) (int64, error)
	// All executes a read and returns every matching row.
	All(ctx context.Context, args ...interface{}) ([]Row, error)
	// Get executes a read and returns the first matching row, or
	// (nil, chierrors.ErrNotFound) if none match.
	Get(ctx context.Context, args ...interface{}) (Row, error)
	// Close releases the statement.
	Close() error
}

// Store is the abstract durable facade. Implementations reuse prepared
// statements within a component and release them on Close (spec.md §5
// "resource acquisition").
type Store interface {
	// Exec runs a non-parametrized statement, typically CREATE TABLE IF
	// NOT EXISTS.
	Exec(ctx context.Context, sql string) error
	// Prepare compiles sql once for repeated Run/All/Get calls.
	Prepare(ctx context.Context, sql string) (Statement, error)
	// Close releases the store's resources.
	Close() error
}
