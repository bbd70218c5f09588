// Package skerr provides the error wrapping helpers used throughout this
// repository. Errors are annotated with a stack trace at the point they first
// cross a package boundary; re-wrapping an already-wrapped error is a no-op
// for the stack, so callers can Wrap unconditionally.
package skerr

import (
	"github.com/pkg/errors"
)

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Fmt creates a new error with a stack trace, using fmt.Sprintf semantics.
func Fmt(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Wrap annotates err with a stack trace unless it already carries one.
// Returns nil if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(stackTracer); ok {
		return err
	}
	return errors.WithStack(err)
}

// Wrapf annotates err with a message and, if not already present, a stack
// trace. Returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// Unwrap returns the innermost error in the chain.
func Unwrap(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
