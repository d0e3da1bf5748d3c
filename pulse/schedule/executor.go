package schedule

import (
	"context"
	"time"
)

// Executor evaluates triggers and fires jobs. The core registers, removes and
// queries triggers through it; the executor calls back (see Firer) per firing.
// Delete and DeleteJobs are idempotent.
type Executor interface {
	Schedule(ctx context.Context, id Identifier, trigger Trigger, exclusive bool) error
	ExecuteNow(ctx context.Context, id Identifier, exclusive bool) error
	Delete(ctx context.Context, tenantID, jobName string) error
	DeleteJobs(ctx context.Context, tenantID string) error
	PauseJobs(ctx context.Context, tenantID string) error
	ResumeJobs(ctx context.Context, tenantID string) error
	IsStillScheduled(ctx context.Context, tenantID, jobName string) (bool, error)
	GetJobs(ctx context.Context, tenantID string) ([]JobStatus, error)
	GetAllJobs(ctx context.Context) ([]JobStatus, error)
}

// JobStatus is the executor's view of one registration.
type JobStatus struct {
	Job       Identifier
	Trigger   string
	OneShot   bool
	Exclusive bool
	Paused    bool
	Next      time.Time // zero when unknown or paused
	Prev      time.Time
}

// TriggerValidator is implemented by executors that can check a trigger
// (e.g. cron syntax) before anything is persisted.
type TriggerValidator interface {
	ValidateTrigger(trigger Trigger) error
}
