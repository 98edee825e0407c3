package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Exit codes. A run that leaves manual SQL behind is not a crash, but scripts
// need to tell it apart from a clean run.
const (
	exitOK             = 0
	exitError          = 1
	exitManualRequired = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	err := root.ExecuteContext(ctx)
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errManualRequired):
		return exitManualRequired
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitError
	}
}
