package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/logger"
	"github.com/teranos/jobkeeper/pulse/txn"
	"github.com/teranos/jobkeeper/tenant"
)

// State is a step of a single job execution.
type State int

const (
	StatePending State = iota
	StateBinding
	StateExecuting
	StateSucceeded
	StateFailed
	StateCleanedUp
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateBinding:
		return "BINDING"
	case StateExecuting:
		return "EXECUTING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateCleanedUp:
		return "CLEANED_UP"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Wrapper executes one job under tenant binding, lifecycle events and the
// failure-isolation protocol.
//
// On failure the ambient transaction is marked rollback-only and an
// after-completion synchronization is registered; once the transaction has
// rolled back it hands the failure to the Isolator, which writes the job log
// on a separate transaction and blocks until done. Execute opens a
// transaction itself when ctx carries none.
type Wrapper struct {
	tm       *txn.Manager
	binder   tenant.Binder
	events   *Events
	isolator *Isolator
	logger   *zap.SugaredLogger

	// OnState, when set, observes every state transition.
	OnState func(id Identifier, s State)
}

// NewWrapper creates a job execution wrapper.
func NewWrapper(tm *txn.Manager, binder tenant.Binder, events *Events, isolator *Isolator, logger *zap.SugaredLogger) *Wrapper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Wrapper{tm: tm, binder: binder, events: events, isolator: isolator, logger: logger}
}

func (w *Wrapper) transition(id Identifier, s State) {
	if w.OnState != nil {
		w.OnState(id, s)
	}
}

// Execute runs job for id. A bind failure is returned as is. Any other
// failure is returned as a *JobExecutionError whose log write has completed
// by the time the outermost transaction returns.
func (w *Wrapper) Execute(ctx context.Context, id Identifier, job Job) error {
	if !w.tm.Active(ctx) {
		return w.tm.RunInTransaction(ctx, func(ctx context.Context) error {
			return w.Execute(ctx, id, job)
		})
	}

	w.transition(id, StatePending)
	w.transition(id, StateBinding)
	ctx, release, err := w.binder.Bind(ctx, id.TenantID)
	if err != nil {
		return errors.Wrapf(err, "bind tenant for job %s", id)
	}

	start := time.Now()
	firingID := firingIDFrom(ctx)
	var outcome error
	defer func() {
		w.events.Notify(ctx, Event{
			Kind:     EventJobCompleted,
			Job:      id,
			FiringID: firingID,
			Err:      outcome,
			Duration: time.Since(start),
		})
		release()
		w.transition(id, StateCleanedUp)
	}()

	w.transition(id, StateExecuting)
	if err := w.events.Dispatch(ctx, Event{Kind: EventJobExecuting, Job: id, FiringID: firingID}); err != nil {
		outcome = w.fail(ctx, id, errors.Wrap(err, "dispatch job executing"))
		return outcome
	}

	if err := runJob(ctx, job); err != nil {
		outcome = w.fail(ctx, id, err)
		return outcome
	}

	// Buffered writes must hit the database before the job counts as succeeded
	if err := w.tm.Flush(ctx); err != nil {
		outcome = w.fail(ctx, id, errors.Wrap(err, "flush job writes"))
		return outcome
	}

	w.transition(id, StateSucceeded)
	return nil
}

// fail arranges for cause to be recorded after the transaction rolls back.
func (w *Wrapper) fail(ctx context.Context, id Identifier, cause error) error {
	w.transition(id, StateFailed)
	execErr := &JobExecutionError{Job: id, Err: cause}

	w.events.Notify(ctx, Event{Kind: EventJobFailed, Job: id, FiringID: firingIDFrom(ctx), Err: execErr})

	tenantCtx := ctx
	sync := txn.AfterCompletionFunc(func(ctx context.Context, _ txn.Status) {
		// ctx is the caller's context from before the transaction began; keep
		// the firing's log fields from the job context.
		w.isolator.RecordFailure(withFiringID(ctx, firingIDFrom(tenantCtx)), id, execErr)
	})
	if err := w.tm.RegisterSynchronization(ctx, sync); err != nil {
		return errors.WithSecondaryError(execErr, err)
	}
	if err := w.tm.MarkRollbackOnly(ctx); err != nil {
		return errors.WithSecondaryError(execErr, err)
	}
	execErr.Recorded = true

	logger.WithContext(w.logger, ctx).Infow("Job failed, transaction marked rollback-only",
		logger.FieldJobName, id.JobName,
		logger.FieldError, cause)
	return execErr
}

// runJob calls job.Execute, converting a panic into an error.
func runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.WithDetail(
				errors.Newf("job %s panicked: %v", job.Name(), p),
				string(debug.Stack()))
		}
	}()
	return job.Execute(ctx)
}
