// Package schedule is the transactional, multi-tenant job scheduler core.
//
// It persists job descriptors, their parameters and failure logs, wraps each
// firing in a transaction with tenant binding and lifecycle events, and
// records failures on an isolated unit of work so that a rolled back job
// still leaves a durable trace. Trigger evaluation is delegated to an
// Executor (see pulse/cronexec).
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/teranos/jobkeeper/errors"
)

// Descriptor is the durable record of a schedulable job.
type Descriptor struct {
	ID                 int64
	TenantID           string
	JobName            string // unique per tenant; the executor's handle
	HandlerName        string // registry key used to construct the Job
	Description        string
	DisallowConcurrent bool // advisory, enforced by the executor
	CreatedAt          time.Time
}

// Identifier returns the ephemeral identity threaded through a firing.
func (d *Descriptor) Identifier() Identifier {
	return Identifier{ID: d.ID, TenantID: d.TenantID, JobName: d.JobName}
}

// Parameter is one key/value argument replayed into the job at execution time.
type Parameter struct {
	ID           int64
	DescriptorID int64
	Key          string
	Value        string
}

// JobLog is the most recent failure of a descriptor. At most one exists per
// descriptor; it is removed by the first success after a failure.
type JobLog struct {
	ID             int64
	DescriptorID   int64
	LastMessage    string
	LastUpdateDate time.Time
	RetryNumber    int

	// JobName is filled by ListLogs for display.
	JobName string
}

// Identifier names one job for the duration of a firing.
type Identifier struct {
	ID       int64
	TenantID string
	JobName  string
}

func (id Identifier) String() string {
	return fmt.Sprintf("%s/%s#%d", id.TenantID, id.JobName, id.ID)
}

// Trigger describes when a job fires. Exactly one of Cron and Every may be
// set; StartAt alone means a single firing at that time, and combined with
// Cron or Every it delays the first firing.
type Trigger struct {
	Cron    string
	Every   time.Duration
	StartAt time.Time
}

// IsZero reports whether the trigger specifies nothing.
func (t Trigger) IsZero() bool {
	return strings.TrimSpace(t.Cron) == "" && t.Every == 0 && t.StartAt.IsZero()
}

// OneShot reports whether the trigger fires once.
func (t Trigger) OneShot() bool {
	return strings.TrimSpace(t.Cron) == "" && t.Every == 0 && !t.StartAt.IsZero()
}

// Validate checks the trigger is well formed. Cron syntax is checked by the executor.
func (t Trigger) Validate() error {
	if t.IsZero() {
		return errors.NewInvalidRequestError("trigger is empty")
	}
	if strings.TrimSpace(t.Cron) != "" && t.Every != 0 {
		return errors.NewInvalidRequestError("trigger sets both cron %q and every %s", t.Cron, t.Every)
	}
	if t.Every < 0 {
		return errors.NewInvalidRequestError("trigger interval %s is negative", t.Every)
	}
	return nil
}

func (t Trigger) String() string {
	var parts []string
	if c := strings.TrimSpace(t.Cron); c != "" {
		parts = append(parts, "cron "+c)
	}
	if t.Every > 0 {
		parts = append(parts, "every "+t.Every.String())
	}
	if !t.StartAt.IsZero() {
		parts = append(parts, "at "+t.StartAt.UTC().Format(time.RFC3339))
	}
	if len(parts) == 0 {
		return "now"
	}
	return strings.Join(parts, ", ")
}
