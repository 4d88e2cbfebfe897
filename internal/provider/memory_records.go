package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRecords is an in-process Records implementation.
type MemoryRecords struct {
	mu       sync.Mutex
	tables   map[string][]Record
	calls    map[string]int
	failures map[string]error
	now      func() time.Time
}

// NewMemoryRecords creates empty tables.
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{
		tables:   make(map[string][]Record),
		calls:    make(map[string]int),
		failures: make(map[string]error),
		now:      time.Now,
	}
}

// Put stores a row as is.
func (m *MemoryRecords) Put(table string, row Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append(m.tables[table], row.Clone())
}

// Fail makes every call of op ("read", "update", "insert") on table return err.
// A nil err clears the failure.
func (m *MemoryRecords) Fail(op, table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := op + ":" + table
	if err == nil {
		delete(m.failures, key)
		return
	}
	m.failures[key] = err
}

// Calls returns how many times op ran against table.
func (m *MemoryRecords) Calls(op, table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op+":"+table]
}

// Rows returns a copy of every row in table.
func (m *MemoryRecords) Rows(table string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.tables[table]))
	for _, row := range m.tables[table] {
		out = append(out, row.Clone())
	}
	return out
}

func (m *MemoryRecords) begin(op, table string) error {
	key := op + ":" + table
	m.calls[key]++
	return m.failures[key]
}

func (m *MemoryRecords) ReadRecord(_ context.Context, table string, filter Filter) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("read", table); err != nil {
		return nil, err
	}
	if i := m.find(table, filter); i >= 0 {
		return m.tables[table][i].Clone(), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryRecords) UpdateRecord(_ context.Context, table string, filter Filter, fields Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("update", table); err != nil {
		return nil, err
	}
	i := m.find(table, filter)
	if i < 0 {
		return nil, ErrNotFound
	}
	row := m.tables[table][i]
	for k, v := range fields {
		row[k] = v
	}
	return row.Clone(), nil
}

func (m *MemoryRecords) InsertRecord(_ context.Context, table string, fields Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("insert", table); err != nil {
		return nil, err
	}
	row := fields.Clone()
	if row == nil {
		row = Record{}
	}
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.NewString()
	}
	if table == TableProfiles {
		if i := m.find(table, Eq("user_id", row["user_id"])); i >= 0 {
			return nil, fmt.Errorf("%w: profile for user %v exists", ErrConflict, row["user_id"])
		}
	}
	now := m.now().UTC()
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = now
	}
	if _, ok := row["updated_at"]; !ok {
		row["updated_at"] = now
	}
	m.tables[table] = append(m.tables[table], row)
	return row.Clone(), nil
}

func (m *MemoryRecords) find(table string, filter Filter) int {
	want := fmt.Sprint(filter.Value)
	for i, row := range m.tables[table] {
		v, ok := row[filter.Column]
		if ok && v != nil && fmt.Sprint(v) == want {
			return i
		}
	}
	return -1
}
