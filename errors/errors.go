// Package errors is the single error package used across jobkeeper.
//
// It re-exports github.com/cockroachdb/errors so that every error created or
// wrapped inside the scheduler carries a stack trace, and adds the handful of
// sentinels the scheduler core and its CLI branch on.
//
//	if err := store.DeleteDescriptor(ctx, id); err != nil {
//	    return errors.Wrapf(err, "delete descriptor %d", id)
//	}
//
// Bookkeeping failures that must not hide a job failure are combined with
// WithSecondaryError so both survive into logs and incident reports.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessagef = crdb.WithMessagef
)

// Attached context
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
	GetAllHints        = crdb.GetAllHints
	GetAllDetails      = crdb.GetAllDetails
	FlattenDetails     = crdb.FlattenDetails
)

// Inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
	Mark      = crdb.Mark
)

// GetStack returns the reportable stack trace recorded when err was created.
var GetStack = crdb.GetReportableStackTrace

// AssertionFailedf reports an internal invariant violation.
var AssertionFailedf = crdb.AssertionFailedf

// Sentinels shared by stores, the scheduler facade and the CLI.
// Wrap them to add context; test them with Is.
var (
	// ErrNotFound indicates the requested row does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates a malformed argument from the caller
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a uniqueness violation (e.g. duplicate job name)
	ErrConflict = New("resource conflict")

	// ErrTimeout indicates a bounded wait expired
	ErrTimeout = New("operation timed out")
)

// IsNotFoundError reports whether err is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflictError reports whether err is or wraps ErrConflict.
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// NewNotFoundError creates an ErrNotFound-marked error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequestError creates an ErrInvalidRequest-marked error with a formatted message.
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// NewConflictError creates an ErrConflict-marked error with a formatted message.
func NewConflictError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConflict)
}
