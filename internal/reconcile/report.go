package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"schema_reconciler/internal/ddl"
	"schema_reconciler/internal/expect"
)

// ProbeState is the tri-state result of reading a column.
type ProbeState string

const (
	Present ProbeState = "present"
	Absent  ProbeState = "absent"
	Unknown ProbeState = "unknown"
)

// Outcome is what applying one column produced.
type Outcome string

const (
	Applied        Outcome = "applied"
	AlreadyPresent Outcome = "already_present"
	Failed         Outcome = "failed"
)

// Status is the final state of a column in a report.
type Status string

const (
	// StatusPresent columns existed before the run.
	StatusPresent Status = "present"
	// StatusConfirmed columns were applied and read back.
	StatusConfirmed Status = "confirmed"
	// StatusUnresolved columns need manual SQL.
	StatusUnresolved Status = "unresolved"
	// StatusBlocked columns could not be probed, usually because the table
	// itself is missing.
	StatusBlocked Status = "blocked"
)

// RunOutcome summarises a whole run.
type RunOutcome string

const (
	NothingNeeded  RunOutcome = "nothing_needed"
	Resolved       RunOutcome = "resolved"
	ManualRequired RunOutcome = "manual_required"
	Aborted        RunOutcome = "aborted"
)

// Attempt records one channel call.
type Attempt struct {
	Channel string `json:"channel"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Entry is the report line for one declared column.
type Entry struct {
	Table             string        `json:"table"`
	Column            string        `json:"column"`
	Spec              expect.Column `json:"spec"`
	Probe             ProbeState    `json:"probe"`
	Status            Status        `json:"status"`
	Outcome           Outcome       `json:"outcome,omitempty"`
	Channel           string        `json:"channel,omitempty"`
	Statement         string        `json:"statement,omitempty"`
	Attempts          []Attempt     `json:"attempts,omitempty"`
	BackfillStatement string        `json:"backfill_statement,omitempty"`
	Backfilled        int64         `json:"backfilled"`
	BackfillFailed    bool          `json:"backfill_failed,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	Err               error         `json:"-"`
	BackfillErr       error         `json:"-"`
}

// Ref returns the table.column pair of e.
func (e Entry) Ref() expect.ColumnRef {
	return expect.ColumnRef{Table: e.Table, Column: e.Column}
}

// NeedsManualSQL reports whether an operator still has to act on e.
func (e Entry) NeedsManualSQL() bool {
	return e.Status == StatusUnresolved || e.Status == StatusBlocked || e.BackfillFailed
}

// TableReport groups the entries of one table in declaration order.
type TableReport struct {
	Name    string        `json:"name"`
	Missing bool          `json:"missing"`
	Columns []Entry       `json:"columns"`
	Spec    *expect.Table `json:"-"`
}

// Absent lists columns the plan found missing.
func (t TableReport) Absent() []string {
	return t.columnsWhere(func(e Entry) bool { return e.Probe == Absent })
}

// Attempted lists the add statements that were sent to a channel.
func (t TableReport) Attempted() []string {
	var out []string
	for _, e := range t.Columns {
		if len(e.Attempts) > 0 {
			out = append(out, e.Statement)
		}
	}
	return out
}

// Succeeded lists columns that were applied and confirmed.
func (t TableReport) Succeeded() []string {
	return t.columnsWhere(func(e Entry) bool { return e.Status == StatusConfirmed })
}

// Unresolved lists columns still requiring manual SQL.
func (t TableReport) Unresolved() []string {
	return t.columnsWhere(func(e Entry) bool { return e.Status == StatusUnresolved })
}

func (t TableReport) columnsWhere(keep func(Entry) bool) []string {
	var out []string
	for _, e := range t.Columns {
		if keep(e) {
			out = append(out, e.Column)
		}
	}
	return out
}

// Report is the result of one reconciliation run. It is built fresh for
// every run and never shared.
type Report struct {
	RunID       uuid.UUID     `json:"run_id"`
	Target      string        `json:"target,omitempty"`
	Provider    string        `json:"provider"`
	Dialect     ddl.Dialect   `json:"dialect"`
	Channels    []string      `json:"channels"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Tables      []TableReport `json:"tables"`
	Aborted     bool          `json:"aborted"`
	AbortReason string        `json:"abort_reason,omitempty"`
	State       RunOutcome    `json:"outcome"`
	Message     string        `json:"summary"`

	abortErr error
}

// Counts tallies entries by status.
type Counts struct {
	Tables         int   `json:"tables"`
	Columns        int   `json:"columns"`
	Present        int   `json:"present"`
	Confirmed      int   `json:"confirmed"`
	Unresolved     int   `json:"unresolved"`
	Blocked        int   `json:"blocked"`
	BackfillFailed int   `json:"backfill_failed"`
	Backfilled     int64 `json:"backfilled_rows"`
}

// Entries returns every entry in declaration order.
func (r *Report) Entries() []Entry {
	var out []Entry
	for _, t := range r.Tables {
		out = append(out, t.Columns...)
	}
	return out
}

// Counts tallies the report.
func (r *Report) Counts() Counts {
	c := Counts{Tables: len(r.Tables)}
	for _, e := range r.Entries() {
		c.Columns++
		switch e.Status {
		case StatusPresent:
			c.Present++
		case StatusConfirmed:
			c.Confirmed++
		case StatusUnresolved:
			c.Unresolved++
		case StatusBlocked:
			c.Blocked++
		}
		if e.BackfillFailed {
			c.BackfillFailed++
		}
		if e.Backfilled > 0 {
			c.Backfilled += e.Backfilled
		}
	}
	return c
}

// Confirmed lists columns applied during this run and read back.
func (r *Report) Confirmed() []expect.ColumnRef { return r.refs(StatusConfirmed) }

// Unresolved lists columns that need manual SQL.
func (r *Report) Unresolved() []expect.ColumnRef { return r.refs(StatusUnresolved) }

// Blocked lists columns whose state could not be determined.
func (r *Report) Blocked() []expect.ColumnRef { return r.refs(StatusBlocked) }

func (r *Report) refs(s Status) []expect.ColumnRef {
	var out []expect.ColumnRef
	for _, e := range r.Entries() {
		if e.Status == s {
			out = append(out, e.Ref())
		}
	}
	return out
}

// Outcome classifies the run for programmatic decisions.
func (r *Report) Outcome() RunOutcome {
	if r.Aborted {
		return Aborted
	}
	c := r.Counts()
	switch {
	case c.Unresolved > 0 || c.Blocked > 0 || c.BackfillFailed > 0:
		return ManualRequired
	case c.Confirmed > 0 || c.Backfilled > 0:
		return Resolved
	default:
		return NothingNeeded
	}
}

// Succeeded reports whether the live schema now matches the expectation.
func (r *Report) Succeeded() bool {
	o := r.Outcome()
	return o == NothingNeeded || o == Resolved
}

// Summary is the one-line human form of Outcome.
func (r *Report) Summary() string {
	c := r.Counts()
	switch r.Outcome() {
	case Aborted:
		return fmt.Sprintf("aborted: %s", r.AbortReason)
	case NothingNeeded:
		return "nothing needed"
	case Resolved:
		return fmt.Sprintf("fully resolved automatically (%s added, %s backfilled)", plural(c.Confirmed, "column"), plural(int(c.Backfilled), "row"))
	default:
		n := len(r.manualEntries())
		if n == 1 {
			return "1 column requires manual SQL"
		}
		return fmt.Sprintf("%d columns require manual SQL", n)
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// Err joins every per-column error. It is nil for a clean run.
func (r *Report) Err() error {
	var errs []error
	if r.abortErr != nil {
		errs = append(errs, r.abortErr)
	}
	for _, e := range r.Entries() {
		if e.Err != nil {
			errs = append(errs, e.Err)
		}
		if e.BackfillErr != nil {
			errs = append(errs, e.BackfillErr)
		}
	}
	return errors.Join(errs...)
}

func (r *Report) manualEntries() []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.NeedsManualSQL() {
			out = append(out, e)
		}
	}
	return out
}

// ManualSQL lists the statements an operator still has to run, in
// declaration order. Missing tables produce a CREATE TABLE; other columns
// their add and backfill statements.
func (r *Report) ManualSQL() []string {
	var out []string
	for _, t := range r.Tables {
		if t.Missing && t.Spec != nil {
			out = append(out, r.Dialect.CreateTable(*t.Spec))
			continue
		}
		for _, e := range t.Columns {
			if !e.NeedsManualSQL() {
				continue
			}
			if e.Status != StatusPresent && e.Status != StatusConfirmed {
				out = append(out, r.Dialect.AddColumn(t.Name, e.Spec))
			}
			if e.Spec.WantsBackfill() {
				out = append(out, r.Dialect.Backfill(t.Name, e.Spec))
			}
		}
	}
	return out
}

// ManualScript renders ManualSQL as a script ready for a SQL console.
func (r *Report) ManualScript() string {
	return renderScript(r.ManualSQL(), fmt.Sprintf("run %s, %s", r.RunID, r.Summary()))
}

func renderScript(stmts []string, header string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- %s\n", header)
	if len(stmts) == 0 {
		b.WriteString("-- no statements required\n")
		return b.String()
	}
	for _, s := range stmts {
		b.WriteString(s)
		b.WriteString(";\n")
	}
	return b.String()
}
