// Package migrate applies the gatekeep schema (profiles, organizations,
// activity_logs) and its seed data from SQL files.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

// Bookkeeping tables. Each row is one applied file.
const (
	MigrationsTable = "gatekeep_migrations"
	SeedsTable      = "gatekeep_seeds"
)

var ErrNothingApplied = errors.New("migrate: no migrations applied")

// fileSet is one directory of SQL files and the table recording which ran.
type fileSet struct {
	kind   string
	table  string
	dir    string
	suffix string
}

// Entry is one migration as reported by Status.
type Entry struct {
	Name    string
	Applied bool
}

// Manager runs migrations and seeds read from fsys. A file and its
// bookkeeping row commit in the same transaction.
type Manager struct {
	db         *sql.DB
	fsys       fs.FS
	migrations fileSet
	seeds      fileSet
}

// NewManager reads migrationsDir and seedsDir from fsys, e.g. os.DirFS(".").
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string) *Manager {
	return &Manager{
		db:         db,
		fsys:       fsys,
		migrations: fileSet{kind: "migration", table: MigrationsTable, dir: migrationsDir, suffix: ".up.sql"},
		seeds:      fileSet{kind: "seed", table: SeedsTable, dir: seedsDir, suffix: ".sql"},
	}
}

// Up applies every pending migration in name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyPending(ctx, m.migrations)
}

// Seed applies every seed file not applied before.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyPending(ctx, m.seeds)
}

// Down rolls back the most recently applied migration using its .down.sql.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx, m.migrations.table)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return ErrNothingApplied
	}
	last := applied[len(applied)-1]
	downPath := path.Join(m.migrations.dir, strings.TrimSuffix(last, m.migrations.suffix)+".down.sql")
	if _, err := fs.Stat(m.fsys, downPath); err != nil {
		return fmt.Errorf("migrate: no down migration for %s", last)
	}
	err = m.run(ctx, downPath, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrations.table), last)
		return err
	})
	if err != nil {
		return fmt.Errorf("migrate: roll back %s: %w", last, err)
	}
	return nil
}

// Status lists migration files in order with whether each was applied.
// Applied names without a file are listed last.
func (m *Manager) Status(ctx context.Context) ([]Entry, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, m.migrations.table)
	if err != nil {
		return nil, err
	}
	files, err := m.list(m.migrations)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}
	entries := make([]Entry, 0, len(files))
	seen := make(map[string]bool, len(files))
	for _, name := range files {
		entries = append(entries, Entry{Name: name, Applied: done[name]})
		seen[name] = true
	}
	for _, name := range applied {
		if !seen[name] {
			entries = append(entries, Entry{Name: name, Applied: true})
		}
	}
	return entries, nil
}

func (m *Manager) applyPending(ctx context.Context, set fileSet) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx, set.table)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}
	files, err := m.list(set)
	if err != nil {
		return err
	}
	for _, name := range files {
		if done[name] {
			continue
		}
		err := m.run(ctx, path.Join(set.dir, name), func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s (name) values ($1)`, set.table), name)
			return err
		})
		if err != nil {
			return fmt.Errorf("migrate: apply %s %s: %w", set.kind, name, err)
		}
	}
	return nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{MigrationsTable, SeedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
	name text primary key,
	applied_at timestamptz not null default now()
)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: create %s: %w", table, err)
		}
	}
	return nil
}

// applied returns the names recorded in table, oldest first.
func (m *Manager) applied(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at, name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// list returns the file names of set, sorted. A missing directory is empty.
func (m *Manager) list(set fileSet) ([]string, error) {
	if set.dir == "" || m.fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(m.fsys, set.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), set.suffix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// run executes the statements of file, then record, in one transaction.
func (m *Manager) run(ctx context.Context, file string, record func(*sql.Tx) error) error {
	body, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// splitStatements splits SQL on semicolons outside quoted strings and $$
// bodies.
func splitStatements(src string) []string {
	var (
		stmts           []string
		cur             strings.Builder
		inQuote, inBody bool
	)
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '$' && !inQuote && i+1 < len(src) && src[i+1] == '$':
			cur.WriteString("$$")
			i++
			inBody = !inBody
			continue
		case c == '\'' && !inBody:
			inQuote = !inQuote
		case c == ';' && !inQuote && !inBody:
			cur.WriteByte(c)
			stmts = append(stmts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	if strings.TrimSpace(cur.String()) != "" {
		stmts = append(stmts, cur.String())
	}
	return stmts
}
