package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"schema_reconciler/internal/ddl"
)

// PostgresBackend talks to PostgreSQL through the pgx stdlib driver.
// Channels are SQL functions taking the statement as their only argument.
type PostgresBackend struct {
	sqlBackend
}

// NewPostgres wraps an open pgx connection pool.
func NewPostgres(conn *sql.DB) *PostgresBackend {
	return &PostgresBackend{sqlBackend{db: conn, provider: "postgres", dialect: ddl.Postgres}}
}

func (p *PostgresBackend) Call(ctx context.Context, ch Channel, statement string) error {
	if ch.Name == Direct {
		return p.execDirect(ctx, statement)
	}
	// The ::text cast lets void, json and text returning functions scan alike.
	query := fmt.Sprintf("SELECT %s($1)::text", p.dialect.QuoteIdent(ch.Name))
	if ch.Arg != "" {
		query = fmt.Sprintf("SELECT %s(%s => $1)::text", p.dialect.QuoteIdent(ch.Name), p.dialect.QuoteIdent(ch.Arg))
	}
	var out sql.NullString
	if err := p.db.QueryRowContext(ctx, query, statement).Scan(&out); err != nil {
		return channelError(err, ch)
	}
	return resultError([]byte(out.String))
}

func (p *PostgresBackend) FetchSchema(ctx context.Context, schema string) (Schema, error) {
	if schema == "" {
		schema = "public"
	}
	return fetchInformationSchema(ctx, p.db, schema, func(i int) string { return "$" + strconv.Itoa(i) }, "data_type")
}
