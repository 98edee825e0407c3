package db

import (
	"context"
	"database/sql"
	"strings"

	"schema_reconciler/internal/ddl"
	"schema_reconciler/internal/expect"
)

// sqlBackend carries the parts shared by every database/sql target.
type sqlBackend struct {
	db       *sql.DB
	provider string
	dialect  ddl.Dialect
}

func (b *sqlBackend) Provider() string { return b.provider }

func (b *sqlBackend) Dialect() ddl.Dialect { return b.dialect }

func (b *sqlBackend) Close() error { return b.db.Close() }

func (b *sqlBackend) Ping(ctx context.Context) error { return b.db.PingContext(ctx) }

func (b *sqlBackend) ReadColumn(ctx context.Context, table, column string) error {
	rows, err := b.db.QueryContext(ctx, b.dialect.SelectColumn(table, column))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

func (b *sqlBackend) Backfill(ctx context.Context, table string, col expect.Column) (int64, error) {
	res, err := b.db.ExecContext(ctx, b.dialect.Backfill(table, col))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return -1, nil
	}
	return n, nil
}

func (b *sqlBackend) execDirect(ctx context.Context, statement string) error {
	_, err := b.db.ExecContext(ctx, statement)
	return err
}

// fetchInformationSchema reads tables, columns and primary keys from
// information_schema. typeColumn differs between engines: MySQL's
// column_type carries lengths, postgres only has data_type.
func fetchInformationSchema(ctx context.Context, db *sql.DB, schema string, placeholder func(int) string, typeColumn string) (Schema, error) {
	result := Schema{Tables: map[string]Table{}}

	tablesRows, err := db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema=`+placeholder(1)+` AND table_type='BASE TABLE'`, schema)
	if err != nil {
		return result, err
	}
	defer tablesRows.Close()

	for tablesRows.Next() {
		var name string
		if err := tablesRows.Scan(&name); err != nil {
			return result, err
		}
		result.Tables[name] = Table{
			Name:       name,
			Columns:    map[string]Column{},
			PrimaryKey: []string{},
		}
	}
	if err := tablesRows.Err(); err != nil {
		return result, err
	}

	colsRows, err := db.QueryContext(ctx, `
SELECT table_name, column_name, `+typeColumn+`, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema=`+placeholder(1), schema)
	if err != nil {
		return result, err
	}
	defer colsRows.Close()

	for colsRows.Next() {
		var tbl, col, dataType, nullable string
		var def sql.NullString
		if err := colsRows.Scan(&tbl, &col, &dataType, &nullable, &def); err != nil {
			return result, err
		}
		t, ok := result.Tables[tbl]
		if !ok {
			continue
		}
		t.Columns[col] = Column{
			Name:         col,
			DataType:     dataType,
			IsNullable:   strings.EqualFold(nullable, "YES"),
			DefaultValue: def,
		}
		result.Tables[tbl] = t
	}
	if err := colsRows.Err(); err != nil {
		return result, err
	}

	pkRows, err := db.QueryContext(ctx, `
SELECT tc.table_name, kcu.column_name, kcu.ordinal_position
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
 AND tc.table_name = kcu.table_name
WHERE tc.table_schema=`+placeholder(1)+` AND tc.constraint_type='PRIMARY KEY'
ORDER BY kcu.ordinal_position`, schema)
	if err != nil {
		return result, err
	}
	defer pkRows.Close()

	for pkRows.Next() {
		var tbl, col string
		var pos int
		if err := pkRows.Scan(&tbl, &col, &pos); err != nil {
			return result, err
		}
		t, ok := result.Tables[tbl]
		if !ok {
			continue
		}
		t.PrimaryKey = append(t.PrimaryKey, col)
		result.Tables[tbl] = t
	}
	return result, pkRows.Err()
}
