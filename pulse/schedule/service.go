package schedule

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/logger"
	"github.com/teranos/jobkeeper/pulse/txn"
	"github.com/teranos/jobkeeper/tenant"
)

// Service is the tenant-facing scheduler API. Every operation acts on the
// tenant bound to ctx and fails with ErrTenantNotBound without one.
//
// Writes are committed before the executor is told about them. When the
// executor then rejects the request a *SchedulingBackendError is returned and
// the committed rows stay in place.
type Service struct {
	store    *Store
	executor Executor
	tm       *txn.Manager
	registry *Registry
	logger   *zap.SugaredLogger
}

// NewService creates the scheduler facade. registry may be nil, in which case
// handler names are not checked at schedule time.
func NewService(store *Store, executor Executor, tm *txn.Manager, registry *Registry, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{store: store, executor: executor, tm: tm, registry: registry, logger: logger}
}

// ScheduledJob is a descriptor with its executor registration and last failure.
type ScheduledJob struct {
	Descriptor *Descriptor
	Status     *JobStatus // nil when the executor does not know the job
	Log        *JobLog    // nil when the last attempt succeeded or none ran
}

// Schedule persists d and params and registers trigger with the executor.
// A nil trigger requests an immediate one-shot run, like ExecuteNow.
func (s *Service) Schedule(ctx context.Context, d Descriptor, params map[string]string, trigger *Trigger) (*Descriptor, error) {
	const op = "schedule"
	if trigger == nil {
		return s.ExecuteNow(ctx, d, params)
	}
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if err := trigger.Validate(); err != nil {
		return nil, &CallerContractError{Op: op, Reason: "invalid trigger", Err: err}
	}
	if v, ok := s.executor.(TriggerValidator); ok {
		if err := v.ValidateTrigger(*trigger); err != nil {
			return nil, &CallerContractError{Op: op, Reason: "invalid trigger", Err: err}
		}
	}

	created, err := s.persist(ctx, op, tenantID, d, params)
	if err != nil {
		return nil, err
	}
	if err := s.executor.Schedule(ctx, created.Identifier(), *trigger, created.DisallowConcurrent); err != nil {
		return created, &SchedulingBackendError{Op: op, Job: created.JobName, Err: err}
	}

	logger.WithContext(s.logger, ctx).Infow("Job scheduled",
		logger.FieldJobName, created.JobName,
		logger.FieldDescriptorID, created.ID,
		logger.FieldHandler, created.HandlerName,
		"trigger", trigger.String())
	return created, nil
}

// ExecuteNow persists d and params and asks the executor for one immediate run.
func (s *Service) ExecuteNow(ctx context.Context, d Descriptor, params map[string]string) (*Descriptor, error) {
	const op = "execute-now"
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	created, err := s.persist(ctx, op, tenantID, d, params)
	if err != nil {
		return nil, err
	}
	if err := s.executor.ExecuteNow(ctx, created.Identifier(), created.DisallowConcurrent); err != nil {
		return created, &SchedulingBackendError{Op: op, Job: created.JobName, Err: err}
	}

	logger.WithContext(s.logger, ctx).Infow("Job submitted for immediate execution",
		logger.FieldJobName, created.JobName,
		logger.FieldDescriptorID, created.ID)
	return created, nil
}

func (s *Service) persist(ctx context.Context, op, tenantID string, d Descriptor, params map[string]string) (*Descriptor, error) {
	d.JobName = strings.TrimSpace(d.JobName)
	if d.JobName == "" {
		return nil, newCallerContractError(op, "job name is empty")
	}
	if d.HandlerName == "" {
		return nil, newCallerContractError(op, "job %s has no handler", d.JobName)
	}
	if s.registry != nil && !s.registry.Has(d.HandlerName) {
		return nil, &CallerContractError{Op: op, Reason: "job " + d.JobName, Err: errors.Wrapf(ErrUnknownHandler, "handler %q", d.HandlerName)}
	}
	if d.TenantID != "" && d.TenantID != tenantID {
		return nil, newCallerContractError(op, "job %s belongs to tenant %s, bound tenant is %s", d.JobName, d.TenantID, tenantID)
	}
	d.TenantID = tenantID
	d.ID = 0

	err := s.tm.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.store.CreateDescriptor(ctx, &d); err != nil {
			return err
		}
		return s.store.SetParameters(ctx, d.ID, params)
	})
	if err != nil {
		if errors.IsConflictError(err) {
			return nil, &CallerContractError{Op: op, Reason: "job " + d.JobName + " already exists; delete it first", Err: err}
		}
		return nil, errors.Wrapf(err, "%s %s", op, d.JobName)
	}
	return &d, nil
}

// Delete removes the executor registration of jobName, then its descriptor
// (parameters and log cascade). Deleting an unknown job is not an error.
func (s *Service) Delete(ctx context.Context, jobName string) error {
	const op = "delete"
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return errors.Wrap(err, op)
	}
	jobName = strings.TrimSpace(jobName)
	if jobName == "" {
		return newCallerContractError(op, "job name is empty")
	}

	if err := s.executor.Delete(ctx, tenantID, jobName); err != nil {
		return &SchedulingBackendError{Op: op, Job: jobName, Err: err}
	}

	var deleted bool
	err = s.tm.RunInTransaction(ctx, func(ctx context.Context) error {
		deleted, err = s.store.DeleteDescriptorByName(ctx, tenantID, jobName)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "%s %s", op, jobName)
	}
	if deleted {
		logger.WithContext(s.logger, ctx).Infow("Job deleted", logger.FieldJobName, jobName)
	}
	return nil
}

// DeleteAllJobs removes every registration and descriptor of the bound tenant.
func (s *Service) DeleteAllJobs(ctx context.Context) error {
	const op = "delete-all"
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return errors.Wrap(err, op)
	}

	if err := s.executor.DeleteJobs(ctx, tenantID); err != nil {
		return &SchedulingBackendError{Op: op, Job: "*", Err: err}
	}

	var n int64
	err = s.tm.RunInTransaction(ctx, func(ctx context.Context) error {
		n, err = s.store.DeleteAllDescriptors(ctx, tenantID)
		return err
	})
	if err != nil {
		return errors.Wrap(err, op)
	}
	logger.WithContext(s.logger, ctx).Infow("All jobs deleted", logger.FieldCount, n)
	return nil
}

// Pause suspends firings of tenantID, which must be the bound tenant
// (empty means the bound tenant).
func (s *Service) Pause(ctx context.Context, tenantID string) error {
	tenantID, err := s.actingTenant(ctx, "pause", tenantID)
	if err != nil {
		return err
	}
	if err := s.executor.PauseJobs(ctx, tenantID); err != nil {
		return &SchedulingBackendError{Op: "pause", Job: "*", Err: err}
	}
	logger.WithContext(s.logger, ctx).Infow("Tenant jobs paused")
	return nil
}

// Resume restarts firings of tenantID; see Pause.
func (s *Service) Resume(ctx context.Context, tenantID string) error {
	tenantID, err := s.actingTenant(ctx, "resume", tenantID)
	if err != nil {
		return err
	}
	if err := s.executor.ResumeJobs(ctx, tenantID); err != nil {
		return &SchedulingBackendError{Op: "resume", Job: "*", Err: err}
	}
	logger.WithContext(s.logger, ctx).Infow("Tenant jobs resumed")
	return nil
}

func (s *Service) actingTenant(ctx context.Context, op, requested string) (string, error) {
	bound, err := tenant.Require(ctx)
	if err != nil {
		return "", errors.Wrap(err, op)
	}
	requested = strings.TrimSpace(requested)
	if requested != "" && requested != bound {
		return "", newCallerContractError(op, "tenant %s is not the bound tenant %s", requested, bound)
	}
	return bound, nil
}

// GetJobs lists the bound tenant's descriptors with their executor status and last failure.
func (s *Service) GetJobs(ctx context.Context) ([]ScheduledJob, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get jobs")
	}

	descriptors, err := s.store.ListDescriptors(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	logs, err := s.store.ListLogs(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	statuses, err := s.executor.GetJobs(ctx, tenantID)
	if err != nil {
		return nil, &SchedulingBackendError{Op: "get-jobs", Job: "*", Err: err}
	}

	byName := make(map[string]*JobStatus, len(statuses))
	for i := range statuses {
		byName[statuses[i].Job.JobName] = &statuses[i]
	}
	byDescriptor := make(map[int64]*JobLog, len(logs))
	for _, l := range logs {
		byDescriptor[l.DescriptorID] = l
	}

	out := make([]ScheduledJob, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, ScheduledJob{
			Descriptor: d,
			Status:     byName[d.JobName],
			Log:        byDescriptor[d.ID],
		})
	}
	return out, nil
}

// SetJobParameters replaces the parameters of one of the bound tenant's descriptors.
func (s *Service) SetJobParameters(ctx context.Context, descriptorID int64, params map[string]string) error {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return errors.Wrap(err, "set job parameters")
	}
	return s.tm.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.ownedDescriptor(ctx, tenantID, descriptorID); err != nil {
			return err
		}
		return s.store.SetParameters(ctx, descriptorID, params)
	})
}

// GetJobParameters returns the parameters of one of the bound tenant's descriptors.
func (s *Service) GetJobParameters(ctx context.Context, descriptorID int64) (map[string]string, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get job parameters")
	}
	if _, err := s.ownedDescriptor(ctx, tenantID, descriptorID); err != nil {
		return nil, err
	}
	return s.store.GetParameters(ctx, descriptorID)
}

// ListJobLogs returns the bound tenant's current failure logs.
func (s *Service) ListJobLogs(ctx context.Context) ([]*JobLog, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list job logs")
	}
	return s.store.ListLogs(ctx, tenantID)
}

// ownedDescriptor hides other tenants' descriptors behind ErrNotFound.
func (s *Service) ownedDescriptor(ctx context.Context, tenantID string, id int64) (*Descriptor, error) {
	d, err := s.store.GetDescriptor(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.TenantID != tenantID {
		return nil, errors.NewNotFoundError("job descriptor %d not found", id)
	}
	return d, nil
}
