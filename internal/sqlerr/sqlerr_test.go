package sqlerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, None},
		{"deadline", context.DeadlineExceeded, Deadline},
		{"wrapped cancel", fmt.Errorf("probe: %w", context.Canceled), Deadline},

		{"pg undefined column", &pgconn.PgError{Code: "42703", Message: `column "ship_date" does not exist`}, ColumnMissing},
		{"pg undefined table", &pgconn.PgError{Code: "42P01", Message: `relation "orders" does not exist`}, TableMissing},
		{"pg undefined function", &pgconn.PgError{Code: "42883", Message: "function exec_sql(unknown) does not exist"}, ChannelMissing},
		{"pg duplicate column", &pgconn.PgError{Code: "42701", Message: `column "tax_amount" of relation "orders" already exists`}, AlreadyExists},
		{"pg privilege", &pgconn.PgError{Code: "42501", Message: "permission denied for table orders"}, Permission},
		{"pg admin shutdown", &pgconn.PgError{Code: "57P01"}, Connection},
		{"pg connection class", &pgconn.PgError{Code: "08006"}, Connection},
		{"pg raised text", &pgconn.PgError{Code: "P0001", Message: `column "x" of relation "orders" already exists`}, AlreadyExists},
		{"pg other", &pgconn.PgError{Code: "22P02", Message: "invalid input syntax"}, Other},

		{"mysql unknown column", &mysql.MySQLError{Number: 1054, Message: "Unknown column 'ship_date' in 'field list'"}, ColumnMissing},
		{"mysql missing table", &mysql.MySQLError{Number: 1146, Message: "Table 'app.orders' doesn't exist"}, TableMissing},
		{"mysql missing procedure", &mysql.MySQLError{Number: 1305, Message: "PROCEDURE app.exec_sql does not exist"}, ChannelMissing},
		{"mysql duplicate column", &mysql.MySQLError{Number: 1060, Message: "Duplicate column name 'tax_amount'"}, AlreadyExists},
		{"mysql denied", &mysql.MySQLError{Number: 1142, Message: "ALTER command denied"}, Permission},
		{"mysql bad conn", mysql.ErrInvalidConn, Connection},

		{"postgrest missing rpc", &RemoteError{Status: 404, Code: "PGRST202", Message: "Could not find the function public.exec_sql(sql) in the schema cache"}, ChannelMissing},
		{"postgrest missing column in cache", &RemoteError{Status: 400, Code: "PGRST204", Message: "Could not find the 'ship_date' column of 'orders' in the schema cache"}, ColumnMissing},
		{"postgrest missing table in cache", &RemoteError{Status: 404, Code: "PGRST205", Message: "Could not find the table 'public.orders' in the schema cache"}, TableMissing},
		{"postgrest passthrough sqlstate", &RemoteError{Status: 400, Code: "42703", Message: "column orders.ship_date does not exist"}, ColumnMissing},
		{"postgrest jwt", &RemoteError{Status: 401, Code: "PGRST301", Message: "JWT expired"}, Permission},
		{"postgrest bad gateway", &RemoteError{Status: 502}, Connection},
		{"rpc body error", &RemoteError{Message: `column "tax_amount" of relation "orders" already exists`}, AlreadyExists},

		{"sqlite no such column", errors.New("SQL logic error: no such column: ship_date (1)"), ColumnMissing},
		{"sqlite no such table", errors.New("SQL logic error: no such table: orders (1)"), TableMissing},
		{"sqlite duplicate", errors.New("SQL logic error: duplicate column name: tax_amount (1)"), AlreadyExists},
		{"net error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, Connection},
		{"text connection", errors.New("dial tcp 10.0.0.1:5432: connect: connection refused"), Connection},
		{"unknown", errors.New("something odd"), Other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err), "got %s", Classify(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, IsTransient(&mysql.MySQLError{Number: 1213}))
	assert.True(t, IsTransient(&RemoteError{Status: 503}))
	assert.True(t, IsTransient(errors.New("read: connection reset by peer")))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(&pgconn.PgError{Code: "42703"}))
	assert.False(t, IsTransient(&RemoteError{Status: 404, Code: "PGRST202"}))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "permission denied", Message(fmt.Errorf("apply: %w", &pgconn.PgError{Code: "42501", Message: "permission denied"})))
	assert.Equal(t, "JWT expired", Message(&RemoteError{Status: 401, Message: "JWT expired"}))
	assert.Equal(t, "plain", Message(errors.New("plain")))
	assert.Equal(t, "", Message(nil))
}

func TestRemoteErrorString(t *testing.T) {
	err := &RemoteError{Status: 404, Code: "PGRST202", Message: "Could not find the function", Details: "Searched for exec_sql"}
	assert.Equal(t, "HTTP 404: Could not find the function (PGRST202): Searched for exec_sql", err.Error())
	assert.Equal(t, "remote error", (&RemoteError{}).Error())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "channel_missing", ChannelMissing.String())
	assert.Equal(t, "other", Kind(99).String())
}
