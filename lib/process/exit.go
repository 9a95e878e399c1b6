// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Exit statuses.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitInterrupted = 130
)

// UsageError marks an error caused by bad command-line input.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors where the structured logger may not be initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(ExitFailure)
}

// Exit reports err on stderr and terminates with the status from
// [Status].
func Exit(err error) {
	os.Exit(Report(os.Stderr, err))
}

// Report writes err to w when it is worth reporting and returns the
// exit status for it.
func Report(w io.Writer, err error) int {
	status := Status(err)
	if status == ExitFailure || status == ExitUsage {
		fmt.Fprintf(w, "error: %v\n", err)
	}
	return status
}

// Status maps the error returned by a command to an exit status. A
// cancellation from a signal is an interruption, not a failure.
func Status(err error) int {
	var usage *UsageError
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &usage):
		return ExitUsage
	default:
		return ExitFailure
	}
}
