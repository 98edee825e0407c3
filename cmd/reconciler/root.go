package main

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"schema_reconciler/internal/config"
	"schema_reconciler/internal/expect"
	"schema_reconciler/internal/logging"
	"schema_reconciler/internal/target"
)

// errManualRequired is returned when a run finished but left columns for an
// operator to add by hand.
var errManualRequired = errors.New("manual SQL required")

type globalOptions struct {
	configPath  string
	logLevel    string
	logFormat   string
	expectation string

	// open replaces db.Open in tests.
	open   target.Opener
	stderr io.Writer
}

// env is what every command needs after startup.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	exp    expect.Expectation
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{stderr: stderr}
	root := &cobra.Command{
		Use:   "reconciler",
		Short: "Bring a live database up to the expected set of columns",
		Long: `reconciler probes a live database for the columns the application expects,
adds the missing ones through the configured execution channels, verifies each
addition by reading it back and backfills declared defaults.

Anything it cannot fix is reported together with the SQL an operator has to
run by hand.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			loadEnvFiles()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "config.yaml", "path to config file (environment only when missing)")
	flags.StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "override log format (json, text)")
	flags.StringVar(&opts.expectation, "expectation", "", "expectation file (default: config value or embedded schema)")

	root.AddCommand(
		newInitConfigCmd(opts),
		newPlanCmd(opts),
		newReconcileCmd(opts),
		newManualSQLCmd(opts),
		newInspectCmd(opts),
		newRunsCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// loadEnvFiles reads .env.local then .env. godotenv never overwrites a set
// variable, so the process environment wins, then .env.local, then .env.
func loadEnvFiles() {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err == nil {
			_ = godotenv.Load(name)
		}
	}
}

func (o *globalOptions) load() (*env, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	level, format := cfg.LogLevel, cfg.LogFormat
	if o.logLevel != "" {
		level = o.logLevel
	}
	if o.logFormat != "" {
		format = o.logFormat
	}
	logger := logging.New(o.stderr, level, format)

	path := cfg.Expectation
	if o.expectation != "" {
		path = o.expectation
	}
	exp, err := expect.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, exp: exp}, nil
}

func (o *globalOptions) session(e *env, name string) (*target.Session, error) {
	return target.Open(e.cfg, name, o.open, e.logger)
}
