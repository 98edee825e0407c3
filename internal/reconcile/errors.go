package reconcile

import (
	"errors"
	"fmt"

	"schema_reconciler/internal/sqlerr"
)

// ErrConnectivity is the only error Reconcile returns: the target could not
// be reached at all.
var ErrConnectivity = errors.New("target unreachable")

// ProbeError means the state of a column could not be determined.
type ProbeError struct {
	Table  string
	Column string
	Kind   sqlerr.Kind
	Err    error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s.%s: %s: %v", e.Table, e.Column, e.Kind, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ApplyError means no channel added the column: either none was available
// or the statement was rejected for a reason other than pre-existence.
type ApplyError struct {
	Table     string
	Column    string
	Channel   string
	Statement string
	Err       error
}

func (e *ApplyError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("apply %s.%s: %v", e.Table, e.Column, e.Err)
	}
	return fmt.Sprintf("apply %s.%s via %s: %v", e.Table, e.Column, e.Channel, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// errNoChannel is wrapped by ApplyError when every channel was missing.
var errNoChannel = errors.New("no execution channel available")

// VerificationMismatch means a channel accepted the statement but the column
// still does not read back.
type VerificationMismatch struct {
	Table   string
	Column  string
	Channel string
	Probe   ProbeState
	Err     error
}

func (e *VerificationMismatch) Error() string {
	msg := fmt.Sprintf("verification failed: %s.%s is %s after apply", e.Table, e.Column, e.Probe)
	if e.Channel != "" {
		msg += " via " + e.Channel
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VerificationMismatch) Unwrap() error { return e.Err }

// BackfillError is recorded when a present column could not be filled with
// its default.
type BackfillError struct {
	Table     string
	Column    string
	Statement string
	Err       error
}

func (e *BackfillError) Error() string {
	return fmt.Sprintf("backfill %s.%s: %v", e.Table, e.Column, e.Err)
}

func (e *BackfillError) Unwrap() error { return e.Err }
