// Package db hides the four ways the reconciler can reach a database: a
// PostgreSQL or MySQL connection, a SQLite file, or a PostgREST gateway that
// only exposes table reads and RPC functions.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"schema_reconciler/internal/config"
	"schema_reconciler/internal/ddl"
	"schema_reconciler/internal/expect"
	"schema_reconciler/internal/sqlerr"
)

var (
	// ErrChannelNotFound means the execution entry point does not exist on
	// the target. The next configured channel should be tried.
	ErrChannelNotFound = errors.New("execution channel not found")
	// ErrCatalogUnavailable is returned when the target cannot describe its
	// own tables.
	ErrCatalogUnavailable = errors.New("catalog unavailable")
)

// Direct is the reserved channel name that runs a statement on the backend
// connection itself.
const Direct = "direct"

// Backend is one reachable database.
type Backend interface {
	Provider() string
	Dialect() ddl.Dialect
	Close() error
	// Ping fails when the target cannot be reached at all.
	Ping(ctx context.Context) error
	// ReadColumn performs the minimal read of column. The raw error is
	// returned for classification.
	ReadColumn(ctx context.Context, table, column string) error
	// Call runs statement through ch. A missing entry point wraps
	// ErrChannelNotFound.
	Call(ctx context.Context, ch Channel, statement string) error
	// Backfill sets null values of col to its default and returns the number
	// of rows touched, or -1 when the target does not say.
	Backfill(ctx context.Context, table string, col expect.Column) (int64, error)
	FetchSchema(ctx context.Context, schema string) (Schema, error)
}

// Channel is one candidate execution entry point. Arg names the parameter the
// statement is passed as, where the target supports named arguments.
type Channel struct {
	Name string `json:"name"`
	Arg  string `json:"arg,omitempty"`
}

func (c Channel) String() string {
	if c.Arg == "" {
		return c.Name
	}
	return c.Name + ":" + c.Arg
}

var channelName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ParseChannels reads "name" or "name:arg" entries, keeping their order.
func ParseChannels(specs []string) ([]Channel, error) {
	out := make([]Channel, 0, len(specs))
	seen := map[string]bool{}
	for _, s := range specs {
		name, arg, _ := strings.Cut(strings.TrimSpace(s), ":")
		name, arg = strings.TrimSpace(name), strings.TrimSpace(arg)
		if !channelName.MatchString(name) {
			return nil, fmt.Errorf("invalid channel %q", s)
		}
		if arg != "" && !channelName.MatchString(arg) {
			return nil, fmt.Errorf("invalid channel argument %q", s)
		}
		if seen[name] {
			return nil, fmt.Errorf("channel %s listed twice", name)
		}
		seen[name] = true
		out = append(out, Channel{Name: name, Arg: arg})
	}
	return out, nil
}

// DefaultChannels are used when a target lists none.
func DefaultChannels(provider string) []Channel {
	switch strings.ToLower(provider) {
	case "sqlite":
		return []Channel{{Name: Direct}}
	case "postgrest":
		return []Channel{{Name: "exec_sql", Arg: "sql"}, {Name: "execute_sql", Arg: "query"}, {Name: "run_sql", Arg: "sql"}}
	default:
		return []Channel{{Name: "exec_sql"}, {Name: "execute_sql"}, {Name: Direct}}
	}
}

// Open builds a backend for the given target.
func Open(cfg config.TargetConfig) (Backend, error) {
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "postgres":
		conn, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, err
		}
		conn.SetConnMaxIdleTime(5 * time.Minute)
		conn.SetMaxOpenConns(5)
		return NewPostgres(conn), nil
	case "mysql":
		// Validate DSN early to provide actionable errors.
		if _, err := mysql.ParseDSN(cfg.DSN); err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		conn, err := sql.Open("mysql", cfg.DSN)
		if err != nil {
			return nil, err
		}
		conn.SetConnMaxIdleTime(5 * time.Minute)
		conn.SetMaxOpenConns(5)
		return NewMySQL(conn), nil
	case "sqlite":
		conn, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewSQLite(conn), nil
	case "postgrest":
		client := &http.Client{Timeout: cfg.Timeout}
		return NewPostgREST(cfg.URL, cfg.ServiceKey, cfg.Schema, client)
	default:
		return nil, fmt.Errorf("unsupported provider %s", cfg.Provider)
	}
}

// Channels returns the parsed channel list of cfg, or the provider default.
func Channels(cfg config.TargetConfig) ([]Channel, error) {
	if len(cfg.Channels) == 0 {
		return DefaultChannels(cfg.Provider), nil
	}
	return ParseChannels(cfg.Channels)
}

// missingEntryPoint reports whether err says the channel itself is absent,
// as opposed to the statement failing inside an existing channel.
func missingEntryPoint(err error, ch Channel) bool {
	if sqlerr.Classify(err) != sqlerr.ChannelMissing {
		return false
	}
	name := strings.ToLower(ch.Name)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.Contains(strings.ToLower(err.Error()), name)
}

func channelError(err error, ch Channel) error {
	if err == nil {
		return nil
	}
	if missingEntryPoint(err, ch) {
		return fmt.Errorf("%w: %s: %w", ErrChannelNotFound, ch.Name, err)
	}
	return err
}
