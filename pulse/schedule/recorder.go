package schedule

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobkeeper/db"
	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/internal/util"
	"github.com/teranos/jobkeeper/logger"
)

// MaxLogMessageBytes bounds the stored failure trace.
const MaxLogMessageBytes = 4000

// Recorder maintains job logs: one row per failing descriptor, removed on success.
type Recorder struct {
	store    *Store
	executor Executor
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewRecorder creates a recorder. executor answers IsStillScheduled after a success.
func NewRecorder(store *Store, executor Executor, logger *zap.SugaredLogger) *Recorder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Recorder{store: store, executor: executor, logger: logger, now: time.Now}
}

// RecordFailure creates the descriptor's job log with retry number 0, or
// increments the retry number of the existing one. A descriptor deleted
// concurrently is logged and skipped.
func (r *Recorder) RecordFailure(ctx context.Context, descriptorID int64, cause error) error {
	log := logger.WithContext(r.logger, ctx)

	if _, err := r.store.GetDescriptor(ctx, descriptorID); err != nil {
		if errors.IsNotFoundError(err) {
			log.Warnw("Job descriptor gone, failure not recorded",
				logger.FieldDescriptorID, descriptorID,
				logger.FieldError, cause)
			return nil
		}
		return err
	}

	message := FormatFailure(cause)
	existing, err := r.store.GetLog(ctx, descriptorID)
	switch {
	case errors.IsNotFoundError(err):
		entry := &JobLog{
			DescriptorID:   descriptorID,
			LastMessage:    message,
			LastUpdateDate: r.now(),
			RetryNumber:    0,
		}
		if err := r.store.CreateLog(ctx, entry); err != nil {
			if db.IsForeignKeyViolation(err) {
				log.Warnw("Job descriptor deleted while recording failure",
					logger.FieldDescriptorID, descriptorID)
				return nil
			}
			return err
		}
		log.Infow("Job failure recorded",
			logger.FieldDescriptorID, descriptorID,
			logger.FieldRetryNumber, 0)
		return nil

	case err != nil:
		return err
	}

	existing.LastMessage = message
	existing.LastUpdateDate = r.now()
	existing.RetryNumber++
	if err := r.store.UpdateLog(ctx, existing); err != nil {
		return err
	}
	log.Infow("Job failure recorded",
		logger.FieldDescriptorID, descriptorID,
		logger.FieldRetryNumber, existing.RetryNumber)
	return nil
}

// RecordSuccess clears the descriptor's failure history, then asks the
// executor whether the job is still scheduled and deletes the descriptor when
// it is not (an exhausted one-shot job).
func (r *Recorder) RecordSuccess(ctx context.Context, descriptorID int64) error {
	log := logger.WithContext(r.logger, ctx)

	cleared, err := r.store.DeleteLogs(ctx, descriptorID)
	if err != nil {
		return err
	}
	if cleared > 0 {
		log.Infow("Job recovered, failure log cleared", logger.FieldDescriptorID, descriptorID)
	}

	d, err := r.store.GetDescriptor(ctx, descriptorID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil
		}
		return err
	}

	still, err := r.executor.IsStillScheduled(ctx, d.TenantID, d.JobName)
	if err != nil {
		return &SchedulingBackendError{Op: "is-still-scheduled", Job: d.JobName, Err: err}
	}
	if still {
		return nil
	}

	if _, err := r.store.DeleteDescriptor(ctx, descriptorID); err != nil {
		return err
	}
	log.Infow("Job no longer scheduled, descriptor removed",
		logger.FieldDescriptorID, descriptorID,
		logger.FieldJobName, d.JobName)
	return nil
}

// FormatFailure renders err with its stack trace, bounded to MaxLogMessageBytes.
func FormatFailure(err error) string {
	if err == nil {
		return ""
	}
	return util.Truncate(fmt.Sprintf("%+v", err), MaxLogMessageBytes, "\n[truncated]")
}

