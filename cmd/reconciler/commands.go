package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"schema_reconciler/internal/config"
	"schema_reconciler/internal/diff"
	"schema_reconciler/internal/expect"
	httpserver "schema_reconciler/internal/http"
	"schema_reconciler/internal/reconcile"
	"schema_reconciler/internal/storage"
)

// targetFlags are shared by every command that talks to a database.
type targetFlags struct {
	name   string
	tables []string
	json   bool
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.name, "target", "t", "", "target name from config (default: first target)")
	cmd.Flags().StringSliceVar(&f.tables, "tables", nil, "limit to these tables")
	cmd.Flags().BoolVar(&f.json, "json", false, "print JSON instead of a table")
}

func (f *targetFlags) scope(exp expect.Expectation) (expect.Expectation, error) {
	return exp.Only(f.tables...)
}

func newInitConfigCmd(opts *globalOptions) *cobra.Command {
	var path, outputDir string
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a starter config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				path = opts.configPath
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.Sample(outputDir)), 0o600); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sample config written to", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "where to write the sample config (default: --config)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "./runs", "directory for exported runs")
	return cmd
}

func newPlanCmd(opts *globalOptions) *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Probe the target and list missing columns without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			exp, err := tf.scope(e.exp)
			if err != nil {
				return err
			}
			session, err := opts.session(e, tf.name)
			if err != nil {
				return err
			}
			defer session.Close()

			plan := session.Reconciler.PlanMissingColumns(cmd.Context(), &exp)
			if plan.Lost != nil {
				return plan.Lost
			}
			if tf.json {
				return printJSON(cmd.OutOrStdout(), planView(session.Target.Name, plan))
			}
			return renderPlan(cmd.OutOrStdout(), plan)
		},
	}
	tf.register(cmd)
	return cmd
}

func newReconcileCmd(opts *globalOptions) *cobra.Command {
	var (
		tf      targetFlags
		timeout time.Duration
		export  bool
		outDir  string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Add missing columns, verify them and backfill defaults",
		Long: `reconcile runs one full reconciliation against a target. Columns are handled
one at a time in declaration order. Exit status is 0 when nothing is left to
do, 2 when manual SQL is required and 1 on a fatal error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			if timeout > 0 {
				e.cfg.RunTimeout = timeout
			}
			if outDir != "" {
				e.cfg.OutputDir = outDir
				export = true
			}
			exp, err := tf.scope(e.exp)
			if err != nil {
				return err
			}
			session, err := opts.session(e, tf.name)
			if err != nil {
				return err
			}
			defer session.Close()

			ctx, cancel := session.RunContext(cmd.Context())
			defer cancel()

			report, runErr := session.Reconciler.Reconcile(ctx, &exp)

			if export {
				record, err := storage.WriteRun(e.cfg.OutputDir, report)
				if err != nil {
					return fmt.Errorf("export run: %w", err)
				}
				e.logger.Info("run exported", "run_id", record.ID, "path", record.ManualFile)
			}

			out := cmd.OutOrStdout()
			if tf.json {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else if err := renderReport(out, report); err != nil {
				return err
			}

			if runErr != nil {
				return runErr
			}
			if report.Outcome() == reconcile.ManualRequired {
				if !tf.json {
					fmt.Fprintln(out)
					fmt.Fprint(out, report.ManualScript())
				}
				return errManualRequired
			}
			return nil
		},
	}
	tf.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall run deadline (default: run_timeout from config)")
	cmd.Flags().BoolVar(&export, "export", false, "write report and manual SQL under output_dir")
	cmd.Flags().StringVar(&outDir, "out", "", "export to this directory instead of output_dir")
	return cmd
}

func newManualSQLCmd(opts *globalOptions) *cobra.Command {
	var (
		tf    targetFlags
		runID string
	)
	cmd := &cobra.Command{
		Use:   "manual-sql",
		Short: "Print the SQL an operator would run to add missing columns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if runID != "" {
				script, err := storage.LoadManualSQL(e.cfg.OutputDir, runID)
				if err != nil {
					return err
				}
				_, err = io.WriteString(out, script)
				return err
			}
			exp, err := tf.scope(e.exp)
			if err != nil {
				return err
			}
			session, err := opts.session(e, tf.name)
			if err != nil {
				return err
			}
			defer session.Close()

			plan := session.Reconciler.PlanMissingColumns(cmd.Context(), &exp)
			if plan.Lost != nil {
				return plan.Lost
			}
			_, err = io.WriteString(out, plan.ManualScript())
			return err
		},
	}
	tf.register(cmd)
	cmd.Flags().StringVar(&runID, "run", "", "print the script stored for an exported run")
	return cmd
}

func newInspectCmd(opts *globalOptions) *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Compare the target catalog with the expectation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			exp, err := tf.scope(e.exp)
			if err != nil {
				return err
			}
			session, err := opts.session(e, tf.name)
			if err != nil {
				return err
			}
			defer session.Close()

			live, err := session.Backend.FetchSchema(cmd.Context(), session.Target.Schema)
			if err != nil {
				return fmt.Errorf("read catalog: %w", err)
			}
			d := diff.Compare(exp, live)
			if tf.json {
				return printJSON(cmd.OutOrStdout(), d)
			}
			fmt.Fprintln(cmd.OutOrStdout(), diff.Describe(d))
			return nil
		},
	}
	tf.register(cmd)
	return cmd
}

func newRunsCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List exported runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			runs, err := storage.ListRuns(e.cfg.OutputDir)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			return renderRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				e.cfg.HTTPAddress = addr
			}
			if err := storage.EnsureBase(e.cfg.OutputDir); err != nil {
				return err
			}
			server := httpserver.New(e.cfg, e.logger,
				httpserver.NewTargetHandler(e.cfg, e.exp, opts.open, e.logger),
				httpserver.NewRunHandler(e.cfg.OutputDir, e.logger),
			)
			return server.Start(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: http_addr from config)")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
