package schedule

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/logger"
	"github.com/teranos/jobkeeper/pulse/async"
	"github.com/teranos/jobkeeper/pulse/incident"
	"github.com/teranos/jobkeeper/pulse/txn"
	"github.com/teranos/jobkeeper/tenant"
)

// IsolationConfig bounds the failure-log write.
type IsolationConfig struct {
	RetryAttempts uint          // total attempts, default 3
	RetryDelay    time.Duration // base backoff delay, default 50ms
}

// Isolator records job failures on their own unit of work.
//
// It is called after the failed job's transaction has rolled back. The write
// runs on a bounded worker goroutine, re-bound to the job's tenant, inside a
// brand-new transaction, and the caller blocks until it is done. Failures of
// the write are logged and escalated to the incident sink, never returned.
type Isolator struct {
	runner    *async.Runner
	tm        *txn.Manager
	binder    tenant.Binder
	recorder  *Recorder
	incidents incident.Sink
	cfg       IsolationConfig
	logger    *zap.SugaredLogger
}

// NewIsolator wires the isolation protocol.
func NewIsolator(runner *async.Runner, tm *txn.Manager, binder tenant.Binder, recorder *Recorder, incidents incident.Sink, cfg IsolationConfig, logger *zap.SugaredLogger) *Isolator {
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if incidents == nil {
		incidents = incident.NewLogSink(logger)
	}
	return &Isolator{
		runner:    runner,
		tm:        tm,
		binder:    binder,
		recorder:  recorder,
		incidents: incidents,
		cfg:       cfg,
		logger:    logger,
	}
}

// RecordFailure durably records jobErr for id and returns once the write has
// finished, failed, or the wait on ctx was abandoned.
func (i *Isolator) RecordFailure(ctx context.Context, id Identifier, jobErr error) {
	log := logger.WithContext(i.logger, ctx)

	err := i.runner.Run(ctx, func(taskCtx context.Context) error {
		if err := i.write(txn.Detach(taskCtx), id, jobErr); err != nil {
			i.escalate(taskCtx, id, jobErr, err)
			return err
		}
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, async.ErrWaitInterrupted):
		log.Warnw("Stopped waiting for failure log write",
			logger.FieldJobName, id.JobName,
			logger.FieldError, err)
	case errors.IsAny(err, async.ErrNotStarted, async.ErrClosed):
		i.escalate(ctx, id, jobErr, err)
	}
	// Errors from the write itself were escalated inside the task.
}

func (i *Isolator) write(ctx context.Context, id Identifier, jobErr error) error {
	ctx, release, err := i.binder.Bind(ctx, id.TenantID)
	if err != nil {
		return errors.Wrap(err, "bind tenant for failure log")
	}
	defer release()

	log := logger.WithContext(i.logger, ctx)
	return retry.New(
		retry.Attempts(i.cfg.RetryAttempts),
		retry.Delay(i.cfg.RetryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryableWrite),
		retry.OnRetry(func(n uint, err error) {
			log.Warnw("Retrying failure log write",
				logger.FieldJobName, id.JobName,
				logger.FieldAttempt, n+1,
				logger.FieldError, err)
		}),
	).Do(func() error {
		return i.tm.RunInTransaction(ctx, func(ctx context.Context) error {
			return i.recorder.RecordFailure(ctx, id.ID, jobErr)
		})
	})
}

func (i *Isolator) escalate(ctx context.Context, id Identifier, jobErr, err error) {
	escalate(ctx, i.incidents, i.logger, "failure-isolation", id, jobErr, err)
}

// retryableWrite allows another attempt only when the failed attempt cannot
// have committed: a retry after an ambiguous COMMIT could count the failure twice.
func retryableWrite(err error) bool {
	return !errors.Is(err, txn.ErrCommitUnknown) && async.IsRetryable(err)
}

// escalate logs a bookkeeping failure at error level, reports it to sink
// with both errors attached and returns it.
func escalate(ctx context.Context, sink incident.Sink, log *zap.SugaredLogger, source string, id Identifier, jobErr, err error) *BookkeepingError {
	bk := &BookkeepingError{Job: id, Original: jobErr, Err: err}
	code := async.ClassifyError(err).Code

	logger.WithContext(log, ctx).Errorw("Job failure could not be recorded",
		logger.FieldIncidentSource, source,
		logger.FieldJobName, id.JobName,
		logger.FieldDescriptorID, id.ID,
		"code", string(code),
		logger.FieldError, errors.WithSecondaryError(bk, jobErr),
		logger.FieldOriginalError, jobErr)

	sink.Report(ctx, id.TenantID, incident.Incident{
		Source:       source,
		JobName:      id.JobName,
		DescriptorID: id.ID,
		FiringID:     firingIDFrom(ctx),
		Err:          bk,
		Original:     jobErr,
		Time:         time.Now(),
	})
	return bk
}
