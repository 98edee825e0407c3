package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"

	"schema_reconciler/internal/db"
	"schema_reconciler/internal/ddl"
	"schema_reconciler/internal/expect"
)

// fakeBackend is an in-memory postgres-shaped target. Statements sent
// through a working channel are interpreted just enough to change state.
type fakeBackend struct {
	mu      sync.Mutex
	dialect ddl.Dialect
	// tables maps table -> column -> number of null rows.
	tables map[string]map[string]int
	// working channels run statements; silent ones accept without effect.
	working map[string]bool
	silent  map[string]bool
	// rejecting channels exist but fail every statement.
	rejecting map[string]error
	readErr   map[string]error
	backfill  func(table string, col expect.Column) (int64, error)
	// nullsOnAdd is the null row count a column gets when added.
	nullsOnAdd map[string]int
	down      bool
	pingErr   error
	onCall    func()

	reads []string
	calls []string
}

func newFake() *fakeBackend {
	return &fakeBackend{
		dialect:    ddl.Postgres,
		tables:     map[string]map[string]int{},
		working:    map[string]bool{},
		silent:     map[string]bool{},
		rejecting:  map[string]error{},
		readErr:    map[string]error{},
		nullsOnAdd: map[string]int{},
	}
}

func (f *fakeBackend) withTable(name string, cols ...string) *fakeBackend {
	f.tables[name] = map[string]int{}
	for _, c := range cols {
		f.tables[name][c] = 0
	}
	return f
}

func (f *fakeBackend) Provider() string { return "fake" }
func (f *fakeBackend) Dialect() ddl.Dialect { return f.dialect }
func (f *fakeBackend) Close() error { return nil }
func (f *fakeBackend) FetchSchema(context.Context, string) (db.Schema, error) {
	return db.Schema{}, db.ErrCatalogUnavailable
}

var errRefused = &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

func (f *fakeBackend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errRefused
	}
	return f.pingErr
}

func (f *fakeBackend) ReadColumn(ctx context.Context, table, column string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, table+"."+column)
	if f.down {
		return errRefused
	}
	if err, ok := f.readErr[table+"."+column]; ok {
		return err
	}
	cols, ok := f.tables[table]
	if !ok {
		return &pgconn.PgError{Code: "42P01", Message: fmt.Sprintf("relation %q does not exist", table)}
	}
	if _, ok := cols[column]; !ok {
		return &pgconn.PgError{Code: "42703", Message: fmt.Sprintf("column %q does not exist", column)}
	}
	return nil
}

var (
	addColumnStmt = regexp.MustCompile(`^ALTER TABLE (\S+) ADD COLUMN (IF NOT EXISTS )?(\S+)`)
	updateStmt    = regexp.MustCompile(`^UPDATE (\S+) SET (\S+) = `)
)

func (f *fakeBackend) Call(ctx context.Context, ch db.Channel, statement string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls = append(f.calls, ch.Name+": "+statement)
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		defer hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errRefused
	}
	if err, ok := f.rejecting[ch.Name]; ok {
		return err
	}
	if f.silent[ch.Name] {
		return nil
	}
	if !f.working[ch.Name] {
		return fmt.Errorf("%w: %s", db.ErrChannelNotFound, ch.Name)
	}

	if m := addColumnStmt.FindStringSubmatch(statement); m != nil {
		cols, ok := f.tables[m[1]]
		if !ok {
			return &pgconn.PgError{Code: "42P01", Message: fmt.Sprintf("relation %q does not exist", m[1])}
		}
		if _, exists := cols[m[3]]; exists {
			if m[2] != "" {
				return nil
			}
			return &pgconn.PgError{Code: "42701", Message: fmt.Sprintf("column %q of relation %q already exists", m[3], m[1])}
		}
		cols[m[3]] = f.nullsOnAdd[m[1]+"."+m[3]]
		return nil
	}
	if m := updateStmt.FindStringSubmatch(statement); m != nil {
		if cols, ok := f.tables[m[1]]; ok {
			cols[m[2]] = 0
		}
		return nil
	}
	return fmt.Errorf("fake cannot run %q", statement)
}

func (f *fakeBackend) Backfill(ctx context.Context, table string, col expect.Column) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if f.backfill != nil {
		return f.backfill(table, col)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cols, ok := f.tables[table]
	if !ok {
		return 0, &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}
	}
	n, ok := cols[col.Name]
	if !ok {
		return 0, &pgconn.PgError{Code: "42703", Message: "column does not exist"}
	}
	cols[col.Name] = 0
	return int64(n), nil
}

func (f *fakeBackend) setNulls(table, column string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table][column] = n
}

func (f *fakeBackend) has(table, column string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tables[table][column]
	return ok
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
