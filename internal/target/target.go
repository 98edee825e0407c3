// Package target turns a configured target into a ready Reconciler. Every
// call opens a fresh backend so runs never share connection state.
package target

import (
	"context"
	"fmt"
	"time"

	"schema_reconciler/internal/config"
	"schema_reconciler/internal/db"
	"schema_reconciler/internal/reconcile"
)

// Opener builds a backend from a resolved target configuration.
type Opener func(config.TargetConfig) (db.Backend, error)

// Session is one opened target.
type Session struct {
	Target     config.TargetConfig
	Backend    db.Backend
	Channels   []db.Channel
	Reconciler *reconcile.Reconciler

	runTimeout time.Duration
}

// Open resolves name in cfg and connects to it. open defaults to db.Open.
func Open(cfg *config.Config, name string, open Opener, logger reconcile.Logger) (*Session, error) {
	tc, err := cfg.Target(name)
	if err != nil {
		return nil, err
	}
	channels, err := db.Channels(tc)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", tc.Name, err)
	}
	if open == nil {
		open = db.Open
	}
	backend, err := open(tc)
	if err != nil {
		return nil, fmt.Errorf("open target %s: %w", tc.Name, err)
	}
	opts := []reconcile.Option{
		reconcile.WithTarget(tc.Name),
		reconcile.WithRetry(cfg.Retry.Policy()),
	}
	if logger != nil {
		opts = append(opts, reconcile.WithLogger(logger))
	}
	return &Session{
		Target:     tc,
		Backend:    backend,
		Channels:   channels,
		Reconciler: reconcile.New(backend, channels, opts...),
		runTimeout: cfg.RunTimeout,
	}, nil
}

// Close releases the backend.
func (s *Session) Close() error {
	return s.Backend.Close()
}

// RunContext applies the configured run timeout, if any. An exceeded
// deadline leaves the remaining columns unresolved.
func (s *Session) RunContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.runTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.runTimeout)
}
