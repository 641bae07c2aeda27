package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store for tests and for hosts that don't need
// durability, grounded on the teacher's core.MockDiscovery: a mutex-guarded
// map standing in for the backing system, with defensive copies handed to
// callers. It understands a tiny, deliberately narrow subset of SQL — just
// enough to back the heartbeats/vidhis access patterns store.HeartbeatRepository /
// store.VidhiRepository issue — rather than a general SQL engine.
type MemStore struct {
	mu     sync.Mutex
	tables map[string]*memTable
}

type memTable struct {
	columns []string
	pk      string
	rows    map[string]Row // keyed by pk value
	order   []string       // insertion order of pk values
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{tables: make(map[string]*memTable)}
}

var createTableRE = regexp.MustCompile(`(?is)CREATE TABLE IF NOT EXISTS\s+(\w+)\s*\((.*)\)\s*;?\s*$`)

func (m *MemStore) Exec(_ context.Context, query string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, stmt := range splitStatements(query) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(stmt)), "CREATE INDEX") {
			continue // indexes are a no-op over a map.
		}
		match := createTableRE.FindStringSubmatch(stmt)
		if match == nil {
			return fmt.Errorf("memstore: unsupported exec statement: %s", stmt)
		}
		name := match[1]
		if _, exists := m.tables[name]; exists {
			continue
		}
		cols, pk := parseColumns(match[2])
		m.tables[name] = &memTable{columns: cols, pk: pk, rows: make(map[string]Row)}
	}
	return nil
}

func splitStatements(sqlText string) []string {
	return strings.Split(sqlText, ";\n")
}

func parseColumns(def string) (cols []string, pk string) {
	for _, part := range strings.Split(def, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		cols = append(cols, name)
		if strings.Contains(strings.ToUpper(part), "PRIMARY KEY") {
			pk = name
		}
	}
	return
}

func (m *MemStore) Prepare(_ context.Context, query string) (Statement, error) {
	return &memStatement{store: m, query: strings.TrimSpace(query)}, nil
}

func (m *MemStore) Close() error { return nil }

type memStatement struct {
	store *MemStore
	query string
}

func (s *memStatement) Close() error { return nil }

var (
	insertRE = regexp.MustCompile(`(?is)INSERT OR REPLACE INTO\s+(\w+)\s*\(([^)]*)\)\s*VALUES\s*\(([^)]*)\)`)
	deleteRE = regexp.MustCompile(`(?is)DELETE FROM\s+(\w+)\s+WHERE\s+(\w+)\s*=\s*\?`)
	selectRE = regexp.MustCompile(`(?is)SELECT\s+(.+?)\s+FROM\s+(\w+)(?:\s+WHERE\s+(.+?))?(?:\s+ORDER BY\s+(.+))?\s*$`)
)

func (s *memStatement) Run(_ context.Context, args ...interface{}) (int64, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if m := insertRE.FindStringSubmatch(s.query); m != nil {
		table := m[1]
		cols := splitCSV(m[2])
		t, ok := s.store.tables[table]
		if !ok {
			return 0, fmt.Errorf("memstore: unknown table %s", table)
		}
		if len(cols) != len(args) {
			return 0, fmt.Errorf("memstore: column/arg count mismatch for %s", table)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = args[i]
		}
		pkVal := fmt.Sprintf("%v", row[t.pk])
		if _, exists := t.rows[pkVal]; !exists {
			t.order = append(t.order, pkVal)
		}
		t.rows[pkVal] = row
		return 1, nil
	}

	if m := deleteRE.FindStringSubmatch(s.query); m != nil {
		table, col := m[1], m[2]
		t, ok := s.store.tables[table]
		if !ok {
			return 0, fmt.Errorf("memstore: unknown table %s", table)
		}
		if col != t.pk {
			return 0, fmt.Errorf("memstore: delete only supported on primary key")
		}
		key := fmt.Sprintf("%v", args[0])
		if _, exists := t.rows[key]; !exists {
			return 0, nil
		}
		delete(t.rows, key)
		for i, k := range t.order {
			if k == key {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
		return 1, nil
	}

	return 0, fmt.Errorf("memstore: unsupported write statement: %s", s.query)
}

func (s *memStatement) All(_ context.Context, args ...interface{}) ([]Row, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.query_(args)
}

func (s *memStatement) Get(ctx context.Context, args ...interface{}) (Row, error) {
	rows, err := s.All(ctx, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows[0], nil
}

func (s *memStatement) query_(args []interface{}) ([]Row, error) {
	m := selectRE.FindStringSubmatch(s.query)
	if m == nil {
		return nil, fmt.Errorf("memstore: unsupported read statement: %s", s.query)
	}
	selectCols := splitCSV(m[1])
	table := m[2]
	whereCol := strings.TrimSpace(m[3])
	orderBy := strings.TrimSpace(m[4])

	t, ok := s.store.tables[table]
	if !ok {
		return nil, fmt.Errorf("memstore: unknown table %s", table)
	}

	var keys []string
	if whereCol != "" {
		col := strings.TrimSuffix(strings.TrimSpace(whereCol), " = ?")
		if len(args) == 0 {
			return nil, fmt.Errorf("memstore: WHERE clause needs an argument")
		}
		want := fmt.Sprintf("%v", args[0])
		for _, k := range t.order {
			if fmt.Sprintf("%v", t.rows[k][col]) == want {
				keys = append(keys, k)
			}
		}
	} else {
		keys = append(keys, t.order...)
	}

	if orderBy != "" {
		col := strings.Fields(orderBy)[0]
		desc := strings.Contains(strings.ToUpper(orderBy), "DESC")
		sort.SliceStable(keys, func(i, j int) bool {
			a := fmt.Sprintf("%v", t.rows[keys[i]][col])
			b := fmt.Sprintf("%v", t.rows[keys[j]][col])
			if desc {
				return a > b
			}
			return a < b
		})
	}

	out := make([]Row, 0, len(keys))
	for _, k := range keys {
		full := t.rows[k]
		if len(selectCols) == 1 && selectCols[0] == "*" {
			out = append(out, cloneRow(full))
			continue
		}
		projected := make(Row, len(selectCols))
		for _, c := range selectCols {
			projected[c] = full[c]
		}
		out = append(out, projected)
	}
	return out, nil
}

func cloneRow(r Row) Row {
	cp := make(Row, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
