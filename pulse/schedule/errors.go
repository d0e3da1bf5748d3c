package schedule

import (
	"fmt"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/tenant"
)

// ErrOrphanJob is returned by BeforeExecute when the firing's descriptor no
// longer exists. The stale trigger has been deregistered; the job body is not run.
var ErrOrphanJob = errors.New("orphan job: descriptor no longer exists")

// ErrTenantNotBound is returned by facade operations called without a tenant.
var ErrTenantNotBound = tenant.ErrNotBound

// CallerContractError reports a caller mistake (missing name, empty trigger,
// cross-tenant access). It is surfaced immediately and never retried.
type CallerContractError struct {
	Op     string
	Reason string
	Err    error
}

func newCallerContractError(op, format string, args ...any) *CallerContractError {
	return &CallerContractError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

func (e *CallerContractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *CallerContractError) Unwrap() error { return e.Err }

// SchedulingBackendError reports that the executor rejected a request.
// Rows already committed for the request are not compensated.
type SchedulingBackendError struct {
	Op  string
	Job string
	Err error
}

func (e *SchedulingBackendError) Error() string {
	return fmt.Sprintf("scheduler backend %s %s: %v", e.Op, e.Job, e.Err)
}

func (e *SchedulingBackendError) Unwrap() error { return e.Err }

// JobExecutionError is a failure of the job itself (including a fatal
// lifecycle dispatch). Recorded is set once the failure-log write has been
// arranged, so later bookkeeping does not record it twice.
type JobExecutionError struct {
	Job      Identifier
	Err      error
	Recorded bool
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.Job, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }

// Format renders the cause with its stack trace for %+v.
func (e *JobExecutionError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "job %s failed: %+v", e.Job, e.Err)
		return
	}
	fmt.Fprint(s, e.Error())
}

// BookkeepingError is a failure to record a job's outcome. It carries the job
// failure it was recording, is escalated to the incident sink and is never
// returned to the executor.
type BookkeepingError struct {
	Job      Identifier
	Original error
	Err      error
}

func (e *BookkeepingError) Error() string {
	return fmt.Sprintf("record failure of %s: %v", e.Job, e.Err)
}

func (e *BookkeepingError) Unwrap() error { return e.Err }

// IsRecorded reports whether err is a job failure whose log write was already arranged.
func IsRecorded(err error) bool {
	var execErr *JobExecutionError
	return errors.As(err, &execErr) && execErr.Recorded
}
