package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/logger"
	"github.com/teranos/jobkeeper/pulse/txn"
)

type firingKey struct{}

func withFiringID(ctx context.Context, firingID string) context.Context {
	if firingID == "" {
		return ctx
	}
	return logger.WithFiringID(context.WithValue(ctx, firingKey{}, firingID), firingID)
}

func firingIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(firingKey{}).(string)
	return id
}

// Firer is the callback the executor invokes for every firing. It runs the
// listener hooks around the job, and the job inside a transaction.
type Firer struct {
	listener *Listener
	wrapper  *Wrapper
	store    *Store
	registry *Registry
	tm       *txn.Manager
	logger   *zap.SugaredLogger
}

// NewFirer wires the firing pipeline.
func NewFirer(listener *Listener, wrapper *Wrapper, store *Store, registry *Registry, tm *txn.Manager, logger *zap.SugaredLogger) *Firer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Firer{listener: listener, wrapper: wrapper, store: store, registry: registry, tm: tm, logger: logger}
}

// Fire executes the job identified by id once. The job's own failure is
// returned for the executor's retry policy; ErrOrphanJob means the job was
// not run because its descriptor is gone.
func (f *Firer) Fire(ctx context.Context, id Identifier) error {
	firing, err := f.listener.BeforeExecute(ctx, id)
	if err != nil {
		return err
	}

	log := logger.WithContext(f.logger, firing.Context())
	log.Debugw("Job firing",
		logger.FieldDescriptorID, id.ID,
		logger.FieldHandler, firing.Descriptor.HandlerName)

	outcome := f.tm.RunInTransaction(firing.Context(), func(ctx context.Context) error {
		params, err := f.store.GetParameters(ctx, id.ID)
		if err != nil {
			return errors.Wrap(err, "load job parameters")
		}
		job, err := f.registry.New(firing.Descriptor.HandlerName, params)
		if err != nil {
			return errors.Wrapf(err, "construct job %s", id.JobName)
		}
		return f.wrapper.Execute(ctx, id, job)
	})

	afterErr := f.listener.AfterExecute(firing, outcome)
	durationMS := time.Since(firing.Started).Milliseconds()

	if outcome != nil {
		log.Errorw("Job FAILED",
			logger.FieldDescriptorID, id.ID,
			logger.FieldDurationMS, durationMS,
			logger.FieldError, outcome)
	} else {
		log.Infow("Job OK",
			logger.FieldDescriptorID, id.ID,
			logger.FieldDurationMS, durationMS)
	}

	if afterErr != nil {
		var bk *BookkeepingError
		if !errors.As(afterErr, &bk) {
			log.Errorw("Job bookkeeping failed", logger.FieldError, afterErr)
		}
		if outcome == nil {
			return afterErr
		}
		return errors.WithSecondaryError(outcome, afterErr)
	}
	return outcome
}
