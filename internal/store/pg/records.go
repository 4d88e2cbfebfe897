package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"gatekeep.dev/internal/provider"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var (
	ErrUnknownTable  = errors.New("pg: unknown table")
	ErrUnknownColumn = errors.New("pg: unknown column")
)

// column describes how a column is read and written.
type column struct {
	name string
	cast string // cast applied when selecting, e.g. "::text"
	json bool
}

// schema is the allowlist of tables and columns reachable through Records.
var schema = map[string][]column{
	provider.TableProfiles: {
		{name: "id", cast: "::text"},
		{name: "user_id", cast: "::text"},
		{name: "email"},
		{name: "full_name"},
		{name: "avatar_url"},
		{name: "role"},
		{name: "tier"},
		{name: "organization_id", cast: "::text"},
		{name: "settings", cast: "::text", json: true},
		{name: "created_at"},
		{name: "updated_at"},
	},
	provider.TableOrganizations: {
		{name: "id", cast: "::text"},
		{name: "name"},
		{name: "slug"},
		{name: "tier"},
		{name: "settings", cast: "::text", json: true},
		{name: "created_at"},
		{name: "updated_at"},
	},
	provider.TableActivityLogs: {
		{name: "id", cast: "::text"},
		{name: "user_id", cast: "::text"},
		{name: "action"},
		{name: "resource_type"},
		{name: "resource_id"},
		{name: "metadata", cast: "::text", json: true},
		{name: "created_at"},
	},
}

func tableColumns(table string) ([]column, error) {
	cols, ok := schema[table]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return cols, nil
}

func lookupColumn(cols []column, name string) (column, error) {
	for _, c := range cols {
		if c.name == name {
			return c, nil
		}
	}
	return column{}, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
}

func selectList(cols []column) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		if c.cast == "" {
			parts[i] = c.name
			continue
		}
		parts[i] = c.name + c.cast + " as " + c.name
	}
	return strings.Join(parts, ", ")
}

// ReadRecord returns the first row where filter.Column equals filter.Value.
func (s *Store) ReadRecord(ctx context.Context, table string, filter provider.Filter) (provider.Record, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	cols, err := tableColumns(table)
	if err != nil {
		return nil, err
	}
	if _, err := lookupColumn(cols, filter.Column); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`select %s from %s where %s = $1 limit 1`, selectList(cols), table, filter.Column)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, filter.Value), cols)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, provider.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	return rec, nil
}

// UpdateRecord sets fields on the row matching filter and returns the row.
func (s *Store) UpdateRecord(ctx context.Context, table string, filter provider.Filter, fields provider.Record) (provider.Record, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	cols, err := tableColumns(table)
	if err != nil {
		return nil, err
	}
	if _, err := lookupColumn(cols, filter.Column); err != nil {
		return nil, err
	}
	names, args, err := writeArgs(cols, fields)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return s.ReadRecord(ctx, table, filter)
	}
	sets := make([]string, len(names))
	for i, name := range names {
		sets[i] = fmt.Sprintf("%s = %s", name, placeholder(cols, name, i+1))
	}
	args = append(args, filter.Value)
	query := fmt.Sprintf(`update %s set %s where %s = $%d returning %s`,
		table, strings.Join(sets, ", "), filter.Column, len(args), selectList(cols))
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...), cols)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, provider.ErrNotFound
	}
	if err != nil {
		return nil, mapWriteError(table, err)
	}
	return rec, nil
}

// InsertRecord inserts fields and returns the stored row, defaults included.
func (s *Store) InsertRecord(ctx context.Context, table string, fields provider.Record) (provider.Record, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	cols, err := tableColumns(table)
	if err != nil {
		return nil, err
	}
	names, args, err := writeArgs(cols, fields)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("insert %s: no columns", table)
	}
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = placeholder(cols, name, i+1)
	}
	query := fmt.Sprintf(`insert into %s (%s) values (%s) returning %s`,
		table, strings.Join(names, ", "), strings.Join(values, ", "), selectList(cols))
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...), cols)
	if err != nil {
		return nil, mapWriteError(table, err)
	}
	return rec, nil
}

// writeArgs orders the written columns by name and encodes json columns.
func writeArgs(cols []column, fields provider.Record) ([]string, []any, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		if _, err := lookupColumn(cols, name); err != nil {
			return nil, nil, err
		}
		names = append(names, name)
	}
	sort.Strings(names)
	args := make([]any, len(names))
	for i, name := range names {
		c, _ := lookupColumn(cols, name)
		v := fields[name]
		if c.json && v != nil {
			switch v.(type) {
			case string, []byte:
			default:
				data, err := json.Marshal(v)
				if err != nil {
					return nil, nil, fmt.Errorf("encode %s: %w", name, err)
				}
				v = string(data)
			}
		}
		args[i] = v
	}
	return names, args, nil
}

func placeholder(cols []column, name string, n int) string {
	c, _ := lookupColumn(cols, name)
	if c.json {
		return fmt.Sprintf("$%d::jsonb", n)
	}
	return fmt.Sprintf("$%d", n)
}

func scanRecord(row *sql.Row, cols []column) (provider.Record, error) {
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		return nil, err
	}
	rec := make(provider.Record, len(cols))
	for i, c := range cols {
		rec[c.name] = values[i]
	}
	return rec, nil
}

func mapWriteError(table string, err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s: %s", provider.ErrConflict, table, pgErr.ConstraintName)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s: %s", provider.ErrNotFound, table, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("write %s: %w", table, err)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
