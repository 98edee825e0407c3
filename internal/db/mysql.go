package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"schema_reconciler/internal/ddl"
)

// MySQLBackend talks to MySQL or MariaDB. Channels are stored procedures.
type MySQLBackend struct {
	sqlBackend
}

// NewMySQL wraps an open go-sql-driver/mysql pool.
func NewMySQL(conn *sql.DB) *MySQLBackend {
	return &MySQLBackend{sqlBackend{db: conn, provider: "mysql", dialect: ddl.MySQL}}
}

func (m *MySQLBackend) Call(ctx context.Context, ch Channel, statement string) error {
	if ch.Name == Direct {
		return m.execDirect(ctx, statement)
	}
	_, err := m.db.ExecContext(ctx, fmt.Sprintf("CALL %s(?)", m.dialect.QuoteIdent(ch.Name)), statement)
	return channelError(err, ch)
}

func (m *MySQLBackend) FetchSchema(ctx context.Context, schema string) (Schema, error) {
	schemaName := strings.TrimSpace(schema)
	if schemaName == "" {
		if err := m.db.QueryRowContext(ctx, `SELECT DATABASE()`).Scan(&schemaName); err != nil {
			return Schema{Tables: map[string]Table{}}, err
		}
	}
	return fetchInformationSchema(ctx, m.db, schemaName, func(int) string { return "?" }, "column_type")
}
