// Package reconcile brings a live schema up to a declared expectation using
// additive statements only. Every operation is idempotent against the
// database itself; nothing is remembered between runs.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"schema_reconciler/internal/db"
	"schema_reconciler/internal/ddl"
	"schema_reconciler/internal/expect"
	"schema_reconciler/internal/logging"
	"schema_reconciler/internal/retry"
	"schema_reconciler/internal/sqlerr"
)

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Reconciler runs probes and additive statements against one backend. It
// holds no per-run state, so concurrent runs from different callers only
// share the backend.
type Reconciler struct {
	backend  db.Backend
	channels []db.Channel
	target   string
	logger   Logger
	retry    *retry.Config
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger. The default discards output.
func WithLogger(l Logger) Option { return func(r *Reconciler) { r.logger = l } }

// WithRetry sets the retry policy for transient failures.
func WithRetry(cfg *retry.Config) Option { return func(r *Reconciler) { r.retry = cfg } }

// WithClock replaces time.Now in reports.
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

// WithTarget names the target in reports and logs.
func WithTarget(name string) Option { return func(r *Reconciler) { r.target = name } }

// New builds a Reconciler. Channels are tried in the given order.
func New(backend db.Backend, channels []db.Channel, opts ...Option) *Reconciler {
	r := &Reconciler{
		backend:  backend,
		channels: channels,
		logger:   logging.Discard(),
		retry:    retry.DefaultConfig(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ProbeResult is the outcome of ProbeColumn. Err is a *ProbeError when State
// is Unknown.
type ProbeResult struct {
	State ProbeState
	Kind  sqlerr.Kind
	Err   error
}

// ProbeColumn reads column from table with a minimal SELECT. A missing
// column is Absent, a missing table or any other failure is Unknown.
func (r *Reconciler) ProbeColumn(ctx context.Context, table, column string) ProbeResult {
	err := retry.Do(ctx, r.retry, sqlerr.IsTransient, func() error {
		return r.backend.ReadColumn(ctx, table, column)
	})
	kind := sqlerr.Classify(err)
	r.logger.Debug("probe", "table", table, "column", column, "kind", kind.String())
	switch kind {
	case sqlerr.None:
		return ProbeResult{State: Present, Kind: kind}
	case sqlerr.ColumnMissing:
		return ProbeResult{State: Absent, Kind: kind}
	default:
		return ProbeResult{State: Unknown, Kind: kind, Err: &ProbeError{Table: table, Column: column, Kind: kind, Err: err}}
	}
}

// PlannedColumn is a declared column found absent.
type PlannedColumn struct {
	Table  string
	Column expect.Column
}

// BlockedColumn is a declared column whose state could not be determined.
type BlockedColumn struct {
	Table  string
	Column expect.Column
	Probe  ProbeResult
}

// Plan is the result of PlanMissingColumns.
type Plan struct {
	Dialect ddl.Dialect
	Present []expect.ColumnRef
	Missing []PlannedColumn
	Blocked []BlockedColumn
	// MissingTables are tables that do not exist at all.
	MissingTables []string
	// Lost is set when connectivity dropped while planning.
	Lost error

	expectation *expect.Expectation
	probes      map[expect.ColumnRef]ProbeResult
}

// Empty reports whether nothing is missing or blocked.
func (p *Plan) Empty() bool {
	return len(p.Missing) == 0 && len(p.Blocked) == 0
}

// ManualSQL renders the statements the plan would need, for dry runs.
func (p *Plan) ManualSQL() []string {
	var out []string
	created := map[string]bool{}
	for _, name := range p.MissingTables {
		if t, ok := p.expectation.Table(name); ok {
			out = append(out, p.Dialect.CreateTable(t))
			created[name] = true
		}
	}
	for _, m := range p.Missing {
		out = append(out, p.Dialect.AddColumn(m.Table, m.Column))
		if m.Column.WantsBackfill() {
			out = append(out, p.Dialect.Backfill(m.Table, m.Column))
		}
	}
	for _, b := range p.Blocked {
		if created[b.Table] {
			continue
		}
		out = append(out, p.Dialect.AddColumn(b.Table, b.Column))
	}
	return out
}

// ManualScript renders ManualSQL as a console-ready script.
func (p *Plan) ManualScript() string {
	return renderScript(p.ManualSQL(), fmt.Sprintf("plan: %d missing, %d blocked", len(p.Missing), len(p.Blocked)))
}

// PlanMissingColumns probes every declared column in declaration order.
// Once a table is known to be missing its remaining columns are blocked
// without further reads.
func (r *Reconciler) PlanMissingColumns(ctx context.Context, exp *expect.Expectation) *Plan {
	plan := &Plan{
		Dialect:     r.backend.Dialect(),
		expectation: exp,
		probes:      map[expect.ColumnRef]ProbeResult{},
	}
	for _, t := range exp.Tables {
		tableMissing := false
		for _, c := range t.Columns {
			ref := expect.ColumnRef{Table: t.Name, Column: c.Name}
			var res ProbeResult
			switch {
			case plan.Lost != nil:
				res = ProbeResult{State: Unknown, Kind: sqlerr.Connection, Err: plan.Lost}
			case tableMissing:
				res = ProbeResult{State: Unknown, Kind: sqlerr.TableMissing, Err: &ProbeError{Table: t.Name, Column: c.Name, Kind: sqlerr.TableMissing, Err: errTableMissing}}
			case ctx.Err() != nil:
				res = ProbeResult{State: Unknown, Kind: sqlerr.Deadline, Err: ctx.Err()}
			default:
				res = r.ProbeColumn(ctx, t.Name, c.Name)
				if res.Kind == sqlerr.Connection && r.lost(ctx) {
					plan.Lost = fmt.Errorf("%w: %w", ErrConnectivity, res.Err)
				}
			}
			plan.probes[ref] = res

			switch res.State {
			case Present:
				plan.Present = append(plan.Present, ref)
			case Absent:
				plan.Missing = append(plan.Missing, PlannedColumn{Table: t.Name, Column: c})
			default:
				if res.Kind == sqlerr.TableMissing && !tableMissing {
					tableMissing = true
					plan.MissingTables = append(plan.MissingTables, t.Name)
				}
				plan.Blocked = append(plan.Blocked, BlockedColumn{Table: t.Name, Column: c, Probe: res})
			}
		}
	}
	return plan
}

var errTableMissing = errors.New("table does not exist")

// lost pings the backend after a connection-class failure.
func (r *Reconciler) lost(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	err := r.backend.Ping(ctx)
	return err != nil && sqlerr.Classify(err) == sqlerr.Connection
}

// ApplyResult is the outcome of ApplyColumn.
type ApplyResult struct {
	Outcome   Outcome
	Channel   string
	Statement string
	Attempts  []Attempt
	// Err is an *ApplyError when Outcome is Failed.
	Err error
}

// Reason is the human text of a failed apply.
func (a ApplyResult) Reason() string {
	if a.Err == nil {
		return ""
	}
	var ae *ApplyError
	if errors.As(a.Err, &ae) {
		if errors.Is(ae.Err, errNoChannel) {
			return ae.Err.Error()
		}
		return sqlerr.Message(ae.Err)
	}
	return a.Err.Error()
}

// ApplyColumn issues the additive statement for col through the configured
// channels in order. It stops at the first channel that exists. Failures are
// returned as data.
func (r *Reconciler) ApplyColumn(ctx context.Context, table string, col expect.Column) ApplyResult {
	stmt := r.backend.Dialect().AddColumn(table, col)
	res := ApplyResult{Statement: stmt}

	for _, ch := range r.channels {
		err := retry.Do(ctx, r.retry, sqlerr.IsTransient, func() error {
			return r.backend.Call(ctx, ch, stmt)
		})
		if err == nil {
			r.logger.Debug("apply", "table", table, "column", col.Name, "channel", ch.Name, "result", "ok")
			res.Attempts = append(res.Attempts, Attempt{Channel: ch.String()})
			res.Outcome = Applied
			res.Channel = ch.String()
			return res
		}

		// Only the backend can tell a missing channel from a function
		// missing inside one; the latter is an ordinary failure.
		kind := sqlerr.Classify(err)
		switch {
		case errors.Is(err, db.ErrChannelNotFound):
			kind = sqlerr.ChannelMissing
		case kind == sqlerr.ChannelMissing:
			kind = sqlerr.Other
		}
		r.logger.Debug("apply", "table", table, "column", col.Name, "channel", ch.Name, "result", kind.String())
		res.Attempts = append(res.Attempts, Attempt{Channel: ch.String(), Kind: kind.String(), Error: sqlerr.Message(err)})

		switch kind {
		case sqlerr.ChannelMissing:
			continue
		case sqlerr.AlreadyExists:
			res.Outcome = AlreadyPresent
			res.Channel = ch.String()
			return res
		default:
			res.Outcome = Failed
			res.Channel = ch.String()
			res.Err = &ApplyError{Table: table, Column: col.Name, Channel: ch.String(), Statement: stmt, Err: err}
			return res
		}
	}

	tried := make([]string, 0, len(r.channels))
	for _, ch := range r.channels {
		tried = append(tried, ch.String())
	}
	res.Outcome = Failed
	res.Err = &ApplyError{
		Table:     table,
		Column:    col.Name,
		Statement: stmt,
		Err:       fmt.Errorf("%w (tried: %s)", errNoChannel, strings.Join(tried, ", ")),
	}
	if len(tried) == 0 {
		res.Err = &ApplyError{Table: table, Column: col.Name, Statement: stmt, Err: fmt.Errorf("%w (none configured)", errNoChannel)}
	}
	return res
}

// BackfillResult is the outcome of BackfillDefaults. Rows is -1 when the
// target did not report a count.
type BackfillResult struct {
	Rows      int64
	Statement string
	Ran       bool
	Err       error
}

// BackfillDefaults sets rows where col is null to its declared default.
// Columns without a default are left alone. When the backend cannot write
// the default itself, the UPDATE goes through the channels instead.
func (r *Reconciler) BackfillDefaults(ctx context.Context, table string, col expect.Column) BackfillResult {
	if !col.WantsBackfill() {
		return BackfillResult{}
	}
	stmt := r.backend.Dialect().Backfill(table, col)
	res := BackfillResult{Statement: stmt, Ran: true}

	rows, err := retry.DoWithResult(ctx, r.retry, sqlerr.IsTransient, func() (int64, error) {
		return r.backend.Backfill(ctx, table, col)
	})
	if err == nil {
		res.Rows = rows
		return res
	}
	if !errors.Is(err, ddl.ErrLiteralNotPortable) && sqlerr.Classify(err) != sqlerr.ColumnMissing {
		res.Err = &BackfillError{Table: table, Column: col.Name, Statement: stmt, Err: err}
		return res
	}

	// The REST layer can lag behind a column added moments ago, and
	// expression defaults cannot travel as JSON.
	for _, ch := range r.channels {
		cerr := retry.Do(ctx, r.retry, sqlerr.IsTransient, func() error {
			return r.backend.Call(ctx, ch, stmt)
		})
		if cerr == nil {
			res.Rows = -1
			return res
		}
		if errors.Is(cerr, db.ErrChannelNotFound) {
			continue
		}
		err = cerr
		break
	}
	res.Err = &BackfillError{Table: table, Column: col.Name, Statement: stmt, Err: err}
	return res
}

// Reconcile plans, applies, verifies and backfills every declared column,
// one column at a time in declaration order. The returned error is non-nil
// only when the target is unreachable; everything else is in the report.
func (r *Reconciler) Reconcile(ctx context.Context, exp *expect.Expectation) (*Report, error) {
	report := r.newReport()
	start := time.Now()

	if err := r.backend.Ping(ctx); err != nil && ctx.Err() == nil {
		if sqlerr.Classify(err) == sqlerr.Connection {
			cause := fmt.Errorf("%w: %w", ErrConnectivity, err)
			r.abort(report, exp, cause)
			r.logger.Error("target unreachable", "target", r.target, "error", err)
			return report, cause
		}
		r.logger.Warn("ping failed, continuing", "target", r.target, "error", sqlerr.Message(err))
	}

	plan := r.PlanMissingColumns(ctx, exp)
	if plan.Lost != nil {
		r.abort(report, exp, plan.Lost)
		r.logger.Error("connectivity lost while planning", "target", r.target, "error", plan.Lost)
		return report, plan.Lost
	}

	missingTables := map[string]bool{}
	for _, name := range plan.MissingTables {
		missingTables[name] = true
	}

	var lost error
	for i := range exp.Tables {
		t := &exp.Tables[i]
		tr := TableReport{Name: t.Name, Missing: missingTables[t.Name], Spec: t}
		for _, c := range t.Columns {
			ref := expect.ColumnRef{Table: t.Name, Column: c.Name}
			probe := plan.probes[ref]
			entry := Entry{Table: t.Name, Column: c.Name, Spec: c, Probe: probe.State, Backfilled: 0}

			switch {
			case lost != nil:
				entry.Status = StatusBlocked
				entry.Reason = "connectivity lost"
				entry.Err = lost
			case probe.State == Unknown:
				r.blocked(&entry, probe)
			case ctx.Err() != nil:
				r.interrupted(ctx, &entry)
			case probe.State == Present:
				entry.Status = StatusPresent
				r.backfill(ctx, &entry)
			default:
				lost = r.resolve(ctx, &entry)
			}
			r.logEntry(entry)
			tr.Columns = append(tr.Columns, entry)
		}
		report.Tables = append(report.Tables, tr)
	}

	if lost != nil {
		report.Aborted = true
		report.AbortReason = lost.Error()
		report.abortErr = lost
	}
	r.finish(report)
	r.logger.Info("reconcile finished",
		"target", r.target,
		"run_id", report.RunID.String(),
		"outcome", string(report.State),
		"summary", report.Message,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if lost != nil {
		return report, lost
	}
	return report, nil
}

// resolve applies, verifies and backfills one absent column. It returns a
// connectivity error when the target went away mid-run.
func (r *Reconciler) resolve(ctx context.Context, entry *Entry) error {
	applied := r.ApplyColumn(ctx, entry.Table, entry.Spec)
	entry.Outcome = applied.Outcome
	entry.Channel = applied.Channel
	entry.Statement = applied.Statement
	entry.Attempts = applied.Attempts

	if applied.Outcome == Failed {
		if ctx.Err() != nil {
			r.interrupted(ctx, entry)
			return nil
		}
		entry.Status = StatusUnresolved
		entry.Reason = applied.Reason()
		entry.Err = applied.Err
		if sqlerr.Classify(applied.Err) == sqlerr.Connection && r.lost(ctx) {
			entry.Reason = "connectivity lost"
			return fmt.Errorf("%w: %w", ErrConnectivity, applied.Err)
		}
		return nil
	}

	verify := r.ProbeColumn(ctx, entry.Table, entry.Column)
	if verify.State != Present {
		if verify.Kind == sqlerr.Deadline {
			r.interrupted(ctx, entry)
			return nil
		}
		if verify.Kind == sqlerr.Connection && r.lost(ctx) {
			entry.Status = StatusUnresolved
			entry.Reason = "connectivity lost"
			entry.Err = verify.Err
			return fmt.Errorf("%w: %w", ErrConnectivity, verify.Err)
		}
		entry.Status = StatusUnresolved
		entry.Reason = "verification failed"
		entry.Err = &VerificationMismatch{Table: entry.Table, Column: entry.Column, Channel: applied.Channel, Probe: verify.State, Err: verify.Err}
		return nil
	}
	entry.Status = StatusConfirmed
	r.backfill(ctx, entry)
	return nil
}

func (r *Reconciler) backfill(ctx context.Context, entry *Entry) {
	res := r.BackfillDefaults(ctx, entry.Table, entry.Spec)
	if !res.Ran {
		return
	}
	entry.BackfillStatement = res.Statement
	entry.Backfilled = res.Rows
	if res.Err != nil {
		entry.BackfillFailed = true
		entry.BackfillErr = res.Err
		if entry.Reason == "" {
			entry.Reason = "backfill failed: " + sqlerr.Message(res.Err)
		}
	}
}

func (r *Reconciler) blocked(entry *Entry, probe ProbeResult) {
	if probe.Kind == sqlerr.Deadline {
		entry.Status = StatusUnresolved
		entry.Reason = "deadline exceeded"
		entry.Err = probe.Err
		return
	}
	entry.Status = StatusBlocked
	entry.Err = probe.Err
	if probe.Kind == sqlerr.TableMissing {
		entry.Reason = errTableMissing.Error()
		return
	}
	entry.Reason = "probe failed: " + sqlerr.Message(probe.Err)
}

// interrupted marks entry unresolved because the caller's deadline passed.
func (r *Reconciler) interrupted(ctx context.Context, entry *Entry) {
	entry.Status = StatusUnresolved
	entry.Reason = "deadline exceeded"
	entry.Err = ctx.Err()
	if entry.Statement == "" && entry.Probe != Present {
		entry.Statement = r.backend.Dialect().AddColumn(entry.Table, entry.Spec)
	}
}

// abort fills a report in which every declared column is unknown.
func (r *Reconciler) abort(report *Report, exp *expect.Expectation, cause error) {
	for i := range exp.Tables {
		t := &exp.Tables[i]
		tr := TableReport{Name: t.Name, Spec: t}
		for _, c := range t.Columns {
			tr.Columns = append(tr.Columns, Entry{
				Table: t.Name, Column: c.Name, Spec: c,
				Probe: Unknown, Status: StatusBlocked,
				Reason: "target unreachable", Err: cause,
			})
		}
		report.Tables = append(report.Tables, tr)
	}
	report.Aborted = true
	report.AbortReason = cause.Error()
	report.abortErr = cause
	r.finish(report)
}

func (r *Reconciler) newReport() *Report {
	chs := make([]string, 0, len(r.channels))
	for _, ch := range r.channels {
		chs = append(chs, ch.String())
	}
	return &Report{
		RunID:     uuid.New(),
		Target:    r.target,
		Provider:  r.backend.Provider(),
		Dialect:   r.backend.Dialect(),
		Channels:  chs,
		StartedAt: r.now().UTC(),
	}
}

func (r *Reconciler) finish(report *Report) {
	report.FinishedAt = r.now().UTC()
	report.State = report.Outcome()
	report.Message = report.Summary()
}

func (r *Reconciler) logEntry(e Entry) {
	args := []any{"target", r.target, "table", e.Table, "column", e.Column, "status", string(e.Status)}
	if e.Outcome != "" {
		args = append(args, "outcome", string(e.Outcome), "channel", e.Channel)
	}
	if e.Backfilled != 0 {
		args = append(args, "backfilled", e.Backfilled)
	}
	if e.Reason != "" {
		args = append(args, "reason", e.Reason)
	}
	switch e.Status {
	case StatusUnresolved, StatusBlocked:
		r.logger.Warn("column needs attention", args...)
	default:
		if e.BackfillFailed {
			r.logger.Warn("backfill failed", args...)
			return
		}
		r.logger.Info("column reconciled", args...)
	}
}
