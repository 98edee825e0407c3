// Package sqlerr classifies errors coming back from the different database
// access paths into a closed set of kinds. The error taxonomy of the remote
// side is not contractually stable, so every code and message pattern the
// reconciler depends on lives here.
package sqlerr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is the classification of an error.
type Kind int

const (
	None Kind = iota
	ColumnMissing
	TableMissing
	ChannelMissing
	AlreadyExists
	Permission
	Connection
	Deadline
	Other
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case ColumnMissing:
		return "column_missing"
	case TableMissing:
		return "table_missing"
	case ChannelMissing:
		return "channel_missing"
	case AlreadyExists:
		return "already_exists"
	case Permission:
		return "permission"
	case Connection:
		return "connection"
	case Deadline:
		return "deadline"
	default:
		return "other"
	}
}

// RemoteError is an error payload returned over HTTP by a PostgREST-style
// gateway, or a failure reported inside a successful RPC response.
type RemoteError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	if e.Status != 0 {
		fmt.Fprintf(&b, "HTTP %d: ", e.Status)
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString("remote error")
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Details != "" {
		b.WriteString(": " + e.Details)
	}
	return b.String()
}

// Classify maps err to a Kind. Structured codes win over message text.
func Classify(err error) Kind {
	if err == nil {
		return None
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Deadline
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if k := classifySQLState(pgErr.Code); k != Other {
			return k
		}
		return classifyText(pgErr.Message)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if k := classifyMySQL(myErr.Number); k != Other {
			return k
		}
		return classifyText(myErr.Message)
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		return classifyRemote(remote)
	}

	if isConnectionError(err) {
		return Connection
	}
	return classifyText(err.Error())
}

// IsTransient reports whether retrying the same call may succeed.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213:
			return true
		}
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		switch remote.Status {
		case 429, 502, 503, 504:
			return true
		}
	}
	return Classify(err) == Connection
}

// Message returns the most human-readable text of err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Message
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Message
	}
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Message != "" {
		return remote.Message
	}
	return err.Error()
}

func classifySQLState(code string) Kind {
	switch code {
	case "42703":
		return ColumnMissing
	case "42P01", "3F000":
		return TableMissing
	case "42883":
		return ChannelMissing
	case "42701", "42P07", "42710":
		return AlreadyExists
	case "42501":
		return Permission
	case "57P01", "57P02", "57P03":
		return Connection
	}
	if strings.HasPrefix(code, "08") {
		return Connection
	}
	return Other
}

func classifyMySQL(number uint16) Kind {
	switch number {
	case 1054:
		return ColumnMissing
	case 1146, 1049:
		return TableMissing
	case 1305:
		return ChannelMissing
	case 1060, 1050, 1061, 1826:
		return AlreadyExists
	case 1044, 1045, 1142, 1143, 1227, 1370:
		return Permission
	case 1040, 1053, 2002, 2003, 2006, 2013:
		return Connection
	}
	return Other
}

func classifyRemote(e *RemoteError) Kind {
	switch e.Code {
	case "PGRST202":
		return ChannelMissing
	case "PGRST204":
		return ColumnMissing
	case "PGRST205", "PGRST106":
		return TableMissing
	case "PGRST300", "PGRST301", "PGRST302", "PGRST303":
		return Permission
	}
	if k := classifySQLState(e.Code); k != Other {
		return k
	}
	if k := classifyText(e.Message + " " + e.Details); k != Other {
		return k
	}
	switch e.Status {
	case 401, 403:
		return Permission
	case 502, 503, 504:
		return Connection
	}
	return Other
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

var connectionPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"i/o timeout",
	"failed to connect",
	"bad connection",
	"server closed the connection",
	"closed pool",
	"sql: database is closed",
}

func classifyText(msg string) Kind {
	s := strings.ToLower(msg)
	switch {
	case s == "":
		return Other
	case strings.Contains(s, "already exists"), strings.Contains(s, "duplicate column"):
		return AlreadyExists
	case (strings.Contains(s, "function") || strings.Contains(s, "procedure")) && strings.Contains(s, "does not exist"),
		strings.Contains(s, "could not find the function"),
		strings.Contains(s, "no such function"):
		return ChannelMissing
	case strings.Contains(s, "no such column"),
		strings.Contains(s, "unknown column"),
		strings.Contains(s, "column") && strings.Contains(s, "does not exist"),
		strings.Contains(s, "could not find the") && strings.Contains(s, "column"):
		return ColumnMissing
	case strings.Contains(s, "no such table"),
		strings.Contains(s, "relation") && strings.Contains(s, "does not exist"),
		strings.Contains(s, "table") && strings.Contains(s, "doesn't exist"),
		strings.Contains(s, "could not find the table"):
		return TableMissing
	case strings.Contains(s, "permission denied"),
		strings.Contains(s, "access denied"),
		strings.Contains(s, "insufficient privilege"),
		strings.Contains(s, "must be owner"):
		return Permission
	}
	for _, p := range connectionPatterns {
		if strings.Contains(s, p) {
			return Connection
		}
	}
	return Other
}
