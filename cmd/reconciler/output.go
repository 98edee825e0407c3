package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"schema_reconciler/internal/expect"
	"schema_reconciler/internal/reconcile"
	"schema_reconciler/internal/storage"
)

type planOutput struct {
	Target        string             `json:"target"`
	Present       []expect.ColumnRef `json:"present"`
	Missing       []expect.ColumnRef `json:"missing"`
	Blocked       []string           `json:"blocked"`
	MissingTables []string           `json:"missing_tables"`
	Statements    []string           `json:"statements"`
}

func planView(target string, plan *reconcile.Plan) planOutput {
	out := planOutput{
		Target:        target,
		Present:       plan.Present,
		Missing:       []expect.ColumnRef{},
		Blocked:       []string{},
		MissingTables: plan.MissingTables,
		Statements:    plan.ManualSQL(),
	}
	for _, m := range plan.Missing {
		out.Missing = append(out.Missing, expect.ColumnRef{Table: m.Table, Column: m.Column.Name})
	}
	for _, b := range plan.Blocked {
		out.Blocked = append(out.Blocked, b.Table+"."+b.Column.Name+": "+blockedReason(b))
	}
	return out
}

func blockedReason(b reconcile.BlockedColumn) string {
	if b.Probe.Err != nil {
		return b.Probe.Err.Error()
	}
	return b.Probe.Kind.String()
}

func renderPlan(w io.Writer, plan *reconcile.Plan) error {
	table := tablewriter.NewTable(w)
	table.Header("Table", "Column", "State", "Detail")
	for _, ref := range plan.Present {
		if err := table.Append(ref.Table, ref.Column, string(reconcile.Present), ""); err != nil {
			return err
		}
	}
	for _, m := range plan.Missing {
		if err := table.Append(m.Table, m.Column.Name, string(reconcile.Absent), plan.Dialect.AddColumn(m.Table, m.Column)); err != nil {
			return err
		}
	}
	for _, b := range plan.Blocked {
		if err := table.Append(b.Table, b.Column.Name, string(reconcile.Unknown), blockedReason(b)); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	switch {
	case plan.Empty():
		fmt.Fprintln(w, "nothing needed")
	default:
		fmt.Fprintf(w, "%d missing, %d undetermined\n", len(plan.Missing), len(plan.Blocked))
	}
	return nil
}

func renderReport(w io.Writer, report *reconcile.Report) error {
	fmt.Fprintf(w, "run %s on %s (%s)\n", report.RunID, report.Target, report.Provider)
	table := tablewriter.NewTable(w)
	table.Header("Table", "Column", "Probe", "Status", "Channel", "Backfilled", "Reason")
	for _, e := range report.Entries() {
		backfilled := ""
		switch {
		case e.BackfillFailed:
			backfilled = "failed"
		case e.BackfillStatement != "":
			backfilled = strconv.FormatInt(e.Backfilled, 10)
		}
		if err := table.Append(e.Table, e.Column, string(e.Probe), string(e.Status), e.Channel, backfilled, e.Reason); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintln(w, report.Summary())
	return nil
}

func renderRuns(w io.Writer, runs []storage.RunRecord) error {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no exported runs")
		return nil
	}
	table := tablewriter.NewTable(w)
	table.Header("Run", "Target", "Outcome", "Started", "Statements", "Summary")
	for _, r := range runs {
		if err := table.Append(r.ID, r.Target, r.Outcome, r.StartedAt.UTC().Format(time.RFC3339), strconv.Itoa(r.Statements), r.Summary); err != nil {
			return err
		}
	}
	return table.Render()
}
