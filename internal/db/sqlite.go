package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"schema_reconciler/internal/ddl"
)

// SQLiteBackend runs against a modernc.org/sqlite database. SQLite has no
// server-side functions that accept SQL, so only the direct channel exists.
type SQLiteBackend struct {
	sqlBackend
}

// NewSQLite wraps an open sqlite handle. The pool is limited to a single
// connection so in-memory databases stay one database.
func NewSQLite(conn *sql.DB) *SQLiteBackend {
	conn.SetMaxOpenConns(1)
	return &SQLiteBackend{sqlBackend{db: conn, provider: "sqlite", dialect: ddl.SQLite}}
}

func (s *SQLiteBackend) Call(ctx context.Context, ch Channel, statement string) error {
	if ch.Name != Direct {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, ch.Name)
	}
	return s.execDirect(ctx, statement)
}

func (s *SQLiteBackend) FetchSchema(ctx context.Context, _ string) (Schema, error) {
	result := Schema{Tables: map[string]Table{}}
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return result, err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return result, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, err
	}

	for _, name := range names {
		t, err := s.tableInfo(ctx, name)
		if err != nil {
			return result, err
		}
		result.Tables[name] = t
	}
	return result, nil
}

func (s *SQLiteBackend) tableInfo(ctx context.Context, name string) (Table, error) {
	t := Table{Name: name, Columns: map[string]Column{}, PrimaryKey: []string{}}
	rows, err := s.db.QueryContext(ctx, `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`, name)
	if err != nil {
		return t, err
	}
	defer rows.Close()

	type pkCol struct {
		name string
		pos  int
	}
	var pks []pkCol
	for rows.Next() {
		var (
			col, typ string
			notNull  int
			def      sql.NullString
			pk       int
		)
		if err := rows.Scan(&col, &typ, &notNull, &def, &pk); err != nil {
			return t, err
		}
		t.Columns[col] = Column{Name: col, DataType: typ, IsNullable: notNull == 0 && pk == 0, DefaultValue: def}
		if pk > 0 {
			pks = append(pks, pkCol{col, pk})
		}
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].pos < pks[j].pos })
	for _, p := range pks {
		t.PrimaryKey = append(t.PrimaryKey, p.name)
	}
	return t, rows.Err()
}
