package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/logger"
	"github.com/teranos/jobkeeper/pulse/incident"
	"github.com/teranos/jobkeeper/pulse/txn"
	"github.com/teranos/jobkeeper/tenant"
)

// Firing is one execution of a job between BeforeExecute and AfterExecute.
type Firing struct {
	ID         string
	Job        Identifier
	Descriptor *Descriptor
	Started    time.Time

	ctx     context.Context
	release func()
}

// Context returns the tenant-bound context of the firing.
func (f *Firing) Context() context.Context { return f.ctx }

// Listener holds the hooks run around every firing: orphan detection before,
// job log reconciliation after.
type Listener struct {
	store    *Store
	recorder *Recorder
	executor Executor
	binder    tenant.Binder
	tm        *txn.Manager
	incidents incident.Sink
	logger    *zap.SugaredLogger
}

// NewListener creates the lifecycle listener. Failures it cannot record are
// reported to incidents.
func NewListener(store *Store, recorder *Recorder, executor Executor, binder tenant.Binder, tm *txn.Manager, incidents incident.Sink, logger *zap.SugaredLogger) *Listener {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if incidents == nil {
		incidents = incident.NewLogSink(logger)
	}
	return &Listener{store: store, recorder: recorder, executor: executor, binder: binder, tm: tm, incidents: incidents, logger: logger}
}

// BeforeExecute binds the tenant and loads the descriptor. When the
// descriptor is gone the firing is an orphan: its trigger is deregistered
// (unless the name now belongs to a newer descriptor) and ErrOrphanJob is
// returned; the job must not run. On success the caller owns the returned
// Firing and must pass it to AfterExecute.
func (l *Listener) BeforeExecute(ctx context.Context, id Identifier) (*Firing, error) {
	firingID := uuid.NewString()
	ctx = withFiringID(logger.WithJobID(ctx, id.JobName), firingID)

	ctx, release, err := l.binder.Bind(ctx, id.TenantID)
	if err != nil {
		return nil, errors.Wrapf(err, "bind tenant for job %s", id)
	}

	d, err := l.store.GetDescriptor(ctx, id.ID)
	if err == nil && d.TenantID == id.TenantID {
		return &Firing{
			ID:         firingID,
			Job:        id,
			Descriptor: d,
			Started:    time.Now(),
			ctx:        ctx,
			release:    release,
		}, nil
	}
	defer release()

	if err != nil && !errors.IsNotFoundError(err) {
		return nil, errors.Wrapf(err, "load descriptor for job %s", id)
	}
	return nil, l.handleOrphan(ctx, id)
}

func (l *Listener) handleOrphan(ctx context.Context, id Identifier) error {
	log := logger.WithContext(l.logger, ctx)
	orphan := errors.Wrapf(ErrOrphanJob, "job %s", id)

	// A job re-created under the same name owns the trigger now
	if current, err := l.store.FindDescriptor(ctx, id.TenantID, id.JobName); err == nil && current.ID != id.ID {
		log.Warnw("Stale firing for replaced job skipped",
			logger.FieldDescriptorID, id.ID,
			"current_descriptor_id", current.ID)
		return orphan
	}

	if err := l.executor.Delete(ctx, id.TenantID, id.JobName); err != nil {
		log.Errorw("Orphan job trigger could not be deregistered",
			logger.FieldDescriptorID, id.ID,
			logger.FieldError, err)
		return errors.WithSecondaryError(orphan, &SchedulingBackendError{Op: "delete", Job: id.JobName, Err: err})
	}
	log.Warnw("Orphan job firing, trigger deregistered", logger.FieldDescriptorID, id.ID)
	return orphan
}

// AfterExecute reconciles the job log with the outcome in its own
// transaction: a failure not already recorded by the wrapper is recorded,
// a success clears the log (and may remove an exhausted descriptor). The
// tenant binding of the firing is always released. A failure that cannot be
// recorded is escalated to the incident sink and returned as a
// *BookkeepingError.
func (l *Listener) AfterExecute(f *Firing, outcome error) error {
	defer f.release()

	if outcome != nil {
		if IsRecorded(outcome) {
			return nil
		}
		err := l.tm.RunInTransaction(f.ctx, func(ctx context.Context) error {
			return l.recorder.RecordFailure(ctx, f.Job.ID, outcome)
		})
		if err != nil {
			return escalate(f.ctx, l.incidents, l.logger, "after-execute", f.Job, outcome, err)
		}
		return nil
	}

	err := l.tm.RunInTransaction(f.ctx, func(ctx context.Context) error {
		return l.recorder.RecordSuccess(ctx, f.Job.ID)
	})
	if err != nil {
		return errors.Wrapf(err, "after execute %s", f.Job)
	}
	return nil
}
