package async

import (
	"context"

	"github.com/teranos/jobkeeper/db"
	"github.com/teranos/jobkeeper/errors"
)

// ErrorCode classifies a failed isolated task for logs and incident reports.
type ErrorCode string

const (
	ErrorCodeBusy          ErrorCode = "database_busy"
	ErrorCodeClosed        ErrorCode = "database_closed"
	ErrorCodeTimeout       ErrorCode = "timeout"
	ErrorCodeNotStarted    ErrorCode = "not_started"
	ErrorCodeInterrupted   ErrorCode = "interrupted"
	ErrorCodeDatabaseError ErrorCode = "database_error"
)

// ErrorContext is the classification of a task error.
type ErrorContext struct {
	Code      ErrorCode
	Message   string
	Retryable bool
}

// ClassifyError categorizes an isolated task error. Only transient lock
// contention is retryable: everything else would fail the same way again.
func ClassifyError(err error) ErrorContext {
	if err == nil {
		return ErrorContext{}
	}
	ec := ErrorContext{Message: err.Error()}

	switch {
	case errors.Is(err, ErrWaitInterrupted):
		ec.Code = ErrorCodeInterrupted
	case errors.Is(err, ErrNotStarted):
		ec.Code = ErrorCodeNotStarted
	case db.IsDatabaseClosed(err):
		ec.Code = ErrorCodeClosed
	case errors.Is(err, context.DeadlineExceeded):
		ec.Code = ErrorCodeTimeout
	case db.IsBusy(err):
		ec.Code = ErrorCodeBusy
		ec.Retryable = true
	default:
		ec.Code = ErrorCodeDatabaseError
	}
	return ec
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return ClassifyError(err).Retryable
}
