// Package cronexec is the scheduling backend: it evaluates triggers with
// robfig/cron and calls back into the scheduler core for every firing.
//
// Registrations are persisted in job_trigger so a daemon restores them on
// start, and periodically re-synced so jobs added from another process (the
// CLI) are picked up without a restart.
package cronexec

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/logger"
	"github.com/teranos/jobkeeper/pulse/schedule"
)

// FireFunc runs one firing of a job; (*schedule.Firer).Fire in production.
type FireFunc func(ctx context.Context, id schedule.Identifier) error

// ErrNotRunning is returned by Stop on an executor that was never started.
var ErrNotRunning = errors.New("executor not running")

// Config controls the executor.
type Config struct {
	// Seconds accepts an optional leading seconds field in cron specs.
	Seconds bool
	// SyncInterval is how often registrations are reloaded from the database. Zero disables it.
	SyncInterval time.Duration
	// Location evaluates cron specs; defaults to time.Local.
	Location *time.Location
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{Seconds: true, SyncInterval: 5 * time.Second}
}

type registration struct {
	rec      Record
	schedule cron.Schedule // nil for one-shots
	entryID  cron.EntryID
	timer    *time.Timer
	due      bool // one-shot whose time came while it could not fire
}

func (r *registration) matches(rec Record) bool {
	return r.rec.Job == rec.Job &&
		r.rec.Exclusive == rec.Exclusive &&
		r.rec.Trigger.Cron == rec.Trigger.Cron &&
		r.rec.Trigger.Every == rec.Trigger.Every &&
		r.rec.Trigger.StartAt.Equal(rec.Trigger.StartAt)
}

// Executor implements schedule.Executor on robfig/cron.
type Executor struct {
	cron     *cron.Cron
	parser   cron.Parser
	triggers *TriggerStore
	cfg      Config
	logger   *zap.SugaredLogger
	cronLog  cron.Logger

	mu      sync.Mutex
	jobs    map[string]*registration
	paused  map[string]bool
	fire    FireFunc
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup // one-shot firings in flight

	syncCancel context.CancelFunc
	syncDone   chan struct{}

	// Local changes, stamped with gen, that a Sync reading rows listed
	// before the stamp must not undo. consuming holds one-shots whose row
	// is being deleted.
	syncMu        sync.Mutex
	gen           uint64
	touched       map[string]uint64
	touchedTenant map[string]uint64
	consuming     map[string]int
}

var (
	_ schedule.Executor         = (*Executor)(nil)
	_ schedule.TriggerValidator = (*Executor)(nil)
)

// New creates an executor. Registrations made before Start are kept and
// begin firing once it is started.
func New(triggers *TriggerStore, cfg Config, log *zap.SugaredLogger) *Executor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	fields := cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor
	if cfg.Seconds {
		fields |= cron.SecondOptional
	}
	parser := cron.NewParser(fields)
	cronLog := zapCronLogger{log: log.Named("cron")}

	return &Executor{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		parser:   parser,
		triggers: triggers,
		cfg:      cfg,
		logger:   log,
		cronLog:  cronLog,
		jobs:     make(map[string]*registration),
		paused:   make(map[string]bool),

		touched:       make(map[string]uint64),
		touchedTenant: make(map[string]uint64),
		consuming:     make(map[string]int),
	}
}

func key(tenantID, jobName string) string { return tenantID + "/" + jobName }

func (e *Executor) touchLocked(k string) {
	e.gen++
	e.touched[k] = e.gen
}

func (e *Executor) touchTenantLocked(tenantID string) {
	e.gen++
	e.touchedTenant[tenantID] = e.gen
}

// changedSinceLocked reports whether k was changed locally after gen since,
// or is being consumed right now.
func (e *Executor) changedSinceLocked(k, tenantID string, since uint64) bool {
	return e.consuming[k] > 0 || e.touched[k] > since || e.touchedTenant[tenantID] > since
}

// ValidateTrigger checks cron syntax and the minimum interval.
func (e *Executor) ValidateTrigger(t schedule.Trigger) error {
	_, err := e.buildSchedule(t)
	return err
}

func (e *Executor) buildSchedule(t schedule.Trigger) (cron.Schedule, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.OneShot() {
		return nil, nil
	}

	var sched cron.Schedule
	if t.Cron != "" {
		parsed, err := e.parser.Parse(t.Cron)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "cron spec %q", t.Cron), errors.ErrInvalidRequest)
		}
		sched = parsed
	} else {
		if t.Every < time.Second {
			return nil, errors.NewInvalidRequestError("interval %s is below one second", t.Every)
		}
		sched = cron.Every(t.Every)
	}
	if !t.StartAt.IsZero() {
		sched = delayedSchedule{start: t.StartAt, inner: sched}
	}
	return sched, nil
}

// delayedSchedule holds back a recurring schedule until start.
type delayedSchedule struct {
	start time.Time
	inner cron.Schedule
}

func (d delayedSchedule) Next(t time.Time) time.Time {
	if t.Before(d.start) {
		t = d.start.Add(-time.Nanosecond)
	}
	return d.inner.Next(t)
}

// Schedule persists and registers a trigger, replacing any previous one for the job.
func (e *Executor) Schedule(ctx context.Context, id schedule.Identifier, trigger schedule.Trigger, exclusive bool) error {
	return e.add(ctx, Record{Job: id, Trigger: trigger, Exclusive: exclusive})
}

// ExecuteNow registers a one-shot firing due immediately.
func (e *Executor) ExecuteNow(ctx context.Context, id schedule.Identifier, exclusive bool) error {
	return e.add(ctx, Record{Job: id, Trigger: schedule.Trigger{StartAt: time.Now()}, Exclusive: exclusive})
}

func (e *Executor) add(ctx context.Context, rec Record) error {
	reg, err := e.newRegistration(rec)
	if err != nil {
		return err
	}
	if err := e.triggers.Save(ctx, rec); err != nil {
		return err
	}

	e.mu.Lock()
	e.registerLocked(reg)
	e.touchLocked(key(rec.Job.TenantID, rec.Job.JobName))
	e.mu.Unlock()

	logger.WithContext(e.logger, ctx).Debugw("Trigger registered",
		logger.FieldJobName, rec.Job.JobName,
		"trigger", rec.Trigger.String(),
		"exclusive", rec.Exclusive)
	return nil
}

func (e *Executor) newRegistration(rec Record) (*registration, error) {
	sched, err := e.buildSchedule(rec.Trigger)
	if err != nil {
		return nil, err
	}
	return &registration{rec: rec, schedule: sched}, nil
}

func (e *Executor) registerLocked(reg *registration) {
	k := key(reg.rec.Job.TenantID, reg.rec.Job.JobName)
	e.unregisterLocked(k)
	e.jobs[k] = reg

	if reg.schedule == nil {
		if e.started {
			e.armLocked(k, reg)
		}
		return
	}

	var job cron.Job = cron.FuncJob(func() { e.fireRecurring(reg) })
	if reg.rec.Exclusive {
		job = cron.NewChain(cron.SkipIfStillRunning(e.cronLog)).Then(job)
	}
	reg.entryID = e.cron.Schedule(reg.schedule, job)
}

func (e *Executor) unregisterLocked(k string) bool {
	reg, ok := e.jobs[k]
	if !ok {
		return false
	}
	delete(e.jobs, k)
	if reg.entryID != 0 {
		e.cron.Remove(reg.entryID)
	}
	if reg.timer != nil {
		reg.timer.Stop()
	}
	return true
}

func (e *Executor) armLocked(k string, reg *registration) {
	reg.due = false
	delay := time.Until(reg.rec.Trigger.StartAt)
	if delay < 0 {
		delay = 0
	}
	reg.timer = time.AfterFunc(delay, func() { e.fireOneShot(k, reg) })
}

func (e *Executor) fireRecurring(reg *registration) {
	e.mu.Lock()
	paused := e.paused[reg.rec.Job.TenantID]
	fire, ctx := e.fire, e.ctx
	e.mu.Unlock()

	if paused {
		e.logger.Debugw("Tenant paused, firing skipped",
			logger.FieldTenantID, reg.rec.Job.TenantID,
			logger.FieldJobName, reg.rec.Job.JobName)
		return
	}
	if fire == nil {
		return
	}
	e.invoke(ctx, fire, reg.rec.Job)
}

// fireOneShot consumes the registration before firing, so the job's success
// bookkeeping sees it as no longer scheduled.
func (e *Executor) fireOneShot(k string, reg *registration) {
	e.mu.Lock()
	if current, ok := e.jobs[k]; !ok || current != reg {
		e.mu.Unlock()
		return
	}
	if !e.started || e.paused[reg.rec.Job.TenantID] {
		reg.due = true
		e.mu.Unlock()
		return
	}
	delete(e.jobs, k)
	e.consuming[k]++
	fire, ctx := e.fire, e.ctx
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	if _, err := e.triggers.Delete(ctx, reg.rec.Job.TenantID, reg.rec.Job.JobName); err != nil {
		e.logger.Warnw("Consumed one-shot trigger not removed",
			logger.FieldJobName, reg.rec.Job.JobName,
			logger.FieldError, err)
	}

	e.mu.Lock()
	if e.consuming[k]--; e.consuming[k] <= 0 {
		delete(e.consuming, k)
	}
	e.touchLocked(k)
	e.mu.Unlock()

	e.invoke(ctx, fire, reg.rec.Job)
}

func (e *Executor) invoke(ctx context.Context, fire FireFunc, id schedule.Identifier) {
	err := fire(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, schedule.ErrOrphanJob):
		e.logger.Debugw("Orphan firing dropped",
			logger.FieldTenantID, id.TenantID,
			logger.FieldJobName, id.JobName)
	default:
		e.logger.Debugw("Firing returned error",
			logger.FieldTenantID, id.TenantID,
			logger.FieldJobName, id.JobName,
			logger.FieldError, err)
	}
}

// Delete removes a job's registration. Unknown jobs are ignored.
func (e *Executor) Delete(ctx context.Context, tenantID, jobName string) error {
	if _, err := e.triggers.Delete(ctx, tenantID, jobName); err != nil {
		return err
	}
	k := key(tenantID, jobName)
	e.mu.Lock()
	removed := e.unregisterLocked(k)
	e.touchLocked(k)
	e.mu.Unlock()

	if removed {
		logger.WithContext(e.logger, ctx).Debugw("Trigger removed",
			logger.FieldTenantID, tenantID,
			logger.FieldJobName, jobName)
	}
	return nil
}

// DeleteJobs removes every registration of a tenant.
func (e *Executor) DeleteJobs(ctx context.Context, tenantID string) error {
	if _, err := e.triggers.DeleteTenant(ctx, tenantID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, reg := range e.jobs {
		if reg.rec.Job.TenantID == tenantID {
			e.unregisterLocked(k)
		}
	}
	e.touchTenantLocked(tenantID)
	return nil
}

// PauseJobs suspends a tenant. Recurring firings are skipped while paused;
// due one-shots wait for ResumeJobs.
func (e *Executor) PauseJobs(ctx context.Context, tenantID string) error {
	if err := e.triggers.Pause(ctx, tenantID); err != nil {
		return err
	}
	e.mu.Lock()
	e.paused[tenantID] = true
	e.mu.Unlock()
	return nil
}

// ResumeJobs lifts a tenant's pause and fires one-shots that became due meanwhile.
func (e *Executor) ResumeJobs(ctx context.Context, tenantID string) error {
	if err := e.triggers.Resume(ctx, tenantID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumeLocked(tenantID)
	return nil
}

func (e *Executor) resumeLocked(tenantID string) {
	delete(e.paused, tenantID)
	if !e.started {
		return
	}
	for k, reg := range e.jobs {
		if reg.due && reg.rec.Job.TenantID == tenantID {
			e.armLocked(k, reg)
		}
	}
}

// IsStillScheduled reports whether the job has a registration that can fire again.
func (e *Executor) IsStillScheduled(_ context.Context, tenantID, jobName string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.jobs[key(tenantID, jobName)]
	return ok, nil
}

// GetJobs returns the registrations of a tenant.
func (e *Executor) GetJobs(_ context.Context, tenantID string) ([]schedule.JobStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []schedule.JobStatus
	for _, reg := range e.jobs {
		if reg.rec.Job.TenantID == tenantID {
			out = append(out, e.statusLocked(reg))
		}
	}
	sortStatuses(out)
	return out, nil
}

// GetAllJobs returns every registration.
func (e *Executor) GetAllJobs(_ context.Context) ([]schedule.JobStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]schedule.JobStatus, 0, len(e.jobs))
	for _, reg := range e.jobs {
		out = append(out, e.statusLocked(reg))
	}
	sortStatuses(out)
	return out, nil
}

func (e *Executor) statusLocked(reg *registration) schedule.JobStatus {
	st := schedule.JobStatus{
		Job:       reg.rec.Job,
		Trigger:   reg.rec.Trigger.String(),
		OneShot:   reg.schedule == nil,
		Exclusive: reg.rec.Exclusive,
		Paused:    e.paused[reg.rec.Job.TenantID],
	}
	if st.Paused {
		return st
	}
	if reg.schedule == nil {
		st.Next = reg.rec.Trigger.StartAt
		return st
	}
	if reg.entryID != 0 {
		entry := e.cron.Entry(reg.entryID)
		st.Next, st.Prev = entry.Next, entry.Prev
	}
	if st.Next.IsZero() {
		st.Next = reg.schedule.Next(time.Now().In(e.cfg.Location))
	}
	return st
}
