package cronexec

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/logger"
	"github.com/teranos/jobkeeper/pulse/schedule"
)

// Start restores registrations from the database, then begins firing through
// fire. Firings run with a context derived from ctx that Stop cancels.
func (e *Executor) Start(ctx context.Context, fire FireFunc) error {
	if fire == nil {
		return errors.AssertionFailedf("cronexec: Start requires a fire func")
	}
	if err := e.Sync(ctx); err != nil {
		return errors.Wrap(err, "restore triggers")
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("executor already started")
	}
	e.started = true
	e.fire = fire
	e.ctx, e.cancel = context.WithCancel(ctx)
	for k, reg := range e.jobs {
		if reg.schedule == nil {
			e.armLocked(k, reg)
		}
	}
	if e.cfg.SyncInterval > 0 {
		syncCtx, syncCancel := context.WithCancel(ctx)
		e.syncCancel = syncCancel
		e.syncDone = make(chan struct{})
		go e.run(syncCtx, e.syncDone)
	}
	n := len(e.jobs)
	e.mu.Unlock()

	e.cron.Start()
	e.logger.Infow("Executor started",
		logger.FieldCount, n,
		"sync_interval", e.cfg.SyncInterval)
	return nil
}

// Stop stops firing and waits for running firings until ctx is done, then
// cancels whatever is still running.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return errors.WithStack(ErrNotRunning)
	}
	e.started = false
	for _, reg := range e.jobs {
		if reg.timer != nil {
			reg.timer.Stop()
		}
	}
	cancel, syncCancel, syncDone := e.cancel, e.syncCancel, e.syncDone
	e.syncCancel, e.syncDone = nil, nil
	e.mu.Unlock()

	if syncCancel != nil {
		syncCancel()
		<-syncDone
	}

	cronDone := e.cron.Stop()
	finished := make(chan struct{})
	go func() {
		<-cronDone.Done()
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		cancel()
		e.logger.Infow("Executor stopped")
		return nil
	case <-ctx.Done():
		cancel()
		e.logger.Warnw("Executor stopped with firings cancelled")
		return errors.Wrap(ctx.Err(), "stop executor")
	}
}

// Sync reconciles in-memory registrations and paused tenants with the
// database. Registrations added or changed elsewhere are (re)registered,
// deleted ones are removed. Keys changed in this process after the rows
// were read are left alone, so a consumed one-shot or a deleted trigger is
// never brought back by a stale read.
func (e *Executor) Sync(ctx context.Context) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	e.mu.Lock()
	since := e.gen
	e.mu.Unlock()

	records, err := e.triggers.List(ctx)
	if err != nil {
		return err
	}
	paused, err := e.triggers.Paused(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var added, removed int
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		k := key(rec.Job.TenantID, rec.Job.JobName)
		seen[k] = true
		if e.changedSinceLocked(k, rec.Job.TenantID, since) {
			continue
		}
		if current, ok := e.jobs[k]; ok && current.matches(rec) {
			continue
		}
		reg, err := e.newRegistration(rec)
		if err != nil {
			e.logger.Warnw("Stored trigger skipped",
				logger.FieldTenantID, rec.Job.TenantID,
				logger.FieldJobName, rec.Job.JobName,
				logger.FieldError, err)
			continue
		}
		e.registerLocked(reg)
		added++
	}
	for k, reg := range e.jobs {
		if !seen[k] && !e.changedSinceLocked(k, reg.rec.Job.TenantID, since) {
			e.unregisterLocked(k)
			removed++
		}
	}

	stillPaused := make(map[string]bool, len(paused))
	for _, tenantID := range paused {
		stillPaused[tenantID] = true
		e.paused[tenantID] = true
	}
	for tenantID := range e.paused {
		if !stillPaused[tenantID] {
			e.resumeLocked(tenantID)
		}
	}

	// Syncs are serialized, so stamps this one has seen cannot matter to the next
	for k, g := range e.touched {
		if g <= since {
			delete(e.touched, k)
		}
	}
	for tenantID, g := range e.touchedTenant {
		if g <= since {
			delete(e.touchedTenant, tenantID)
		}
	}

	if added > 0 || removed > 0 {
		e.logger.Infow("Triggers synced", "added", added, "removed", removed, "total", len(e.jobs))
	}
	return nil
}

// run is the sync loop.
func (e *Executor) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Sync(ctx); err != nil {
				// Don't spam logs on a busy database
				e.logger.Warnw("Trigger sync error", logger.FieldError, err)
			}
		}
	}
}

func sortStatuses(st []schedule.JobStatus) {
	sort.Slice(st, func(i, j int) bool {
		if st[i].Job.TenantID != st[j].Job.TenantID {
			return st[i].Job.TenantID < st[j].Job.TenantID
		}
		return st[i].Job.JobName < st[j].Job.JobName
	})
}

// zapCronLogger adapts a zap logger to cron.Logger. Cron's chatter goes to debug.
type zapCronLogger struct {
	log *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, logger.FieldError, err)...)
}
