package commands

import (
	"context"
	"database/sql"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/jobkeeper/am"
	"github.com/teranos/jobkeeper/db"
	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/internal/httpclient"
	"github.com/teranos/jobkeeper/logger"
	"github.com/teranos/jobkeeper/pulse/async"
	"github.com/teranos/jobkeeper/pulse/cronexec"
	"github.com/teranos/jobkeeper/pulse/incident"
	"github.com/teranos/jobkeeper/pulse/jobs"
	"github.com/teranos/jobkeeper/pulse/schedule"
	"github.com/teranos/jobkeeper/pulse/txn"
	"github.com/teranos/jobkeeper/tenant"
)

// app is the fully wired scheduler. serve starts its executor; the jobs
// commands use the facade against the same database and leave firing to
// whichever daemon picks the triggers up on its next sync.
type app struct {
	cfg      *am.Config
	db       *sql.DB
	tm       *txn.Manager
	store    *schedule.Store
	executor *cronexec.Executor
	runner   *async.Runner
	service  *schedule.Service
	firer    *schedule.Firer
	registry *schedule.Registry
	log      *zap.SugaredLogger

	incidentLog *incident.FileSink
}

// openDatabase opens and migrates the configured database.
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.Logger.Named("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// openApp wires every scheduler component from cfg.
func openApp(cfg *am.Config) (*app, error) {
	log := logger.Logger

	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		database.Close()
		return nil, errors.Wrap(err, "scheduler timezone")
	}

	a := &app{cfg: cfg, db: database, log: log}
	a.tm = txn.NewManager(database, log.Named("txn"))
	a.store = schedule.NewStore(a.tm)

	a.executor = cronexec.New(cronexec.NewTriggerStore(a.tm), cronexec.Config{
		Seconds:      cfg.Scheduler.CronSeconds,
		SyncInterval: cfg.Scheduler.SyncInterval(),
		Location:     loc,
	}, log.Named("cronexec"))

	var sink incident.Sink = incident.NewLogSink(log.Named("incident"))
	if cfg.Incident.Path != "" {
		a.incidentLog, err = incident.NewFileSink(incident.FileConfig{
			Path:       cfg.Incident.Path,
			MaxSizeMB:  cfg.Incident.MaxSizeMB,
			MaxBackups: cfg.Incident.MaxBackups,
			MaxAgeDays: cfg.Incident.MaxAgeDays,
			Compress:   cfg.Incident.Compress,
			PerSecond:  cfg.Incident.PerSecond,
			Burst:      cfg.Incident.Burst,
		}, log.Named("incident"))
		if err != nil {
			database.Close()
			return nil, errors.Wrap(err, "open incident log")
		}
		sink = incident.MultiSink{sink, a.incidentLog}
	}

	binder := tenant.NewContextBinder()
	recorder := schedule.NewRecorder(a.store, a.executor, log.Named("schedule.recorder"))
	a.runner = async.NewRunner(async.Config{
		Workers:     cfg.Scheduler.IsolationWorkers,
		TaskTimeout: cfg.Scheduler.IsolationTimeout(),
	}, log.Named("async"))
	isolator := schedule.NewIsolator(a.runner, a.tm, binder, recorder, sink, schedule.IsolationConfig{
		RetryAttempts: uint(cfg.Scheduler.IsolationRetryAttempts),
		RetryDelay:    cfg.Scheduler.IsolationRetryDelay(),
	}, log.Named("schedule.isolation"))

	events := schedule.NewEvents(log.Named("schedule.events"))
	events.Add(schedule.ObserverFunc(func(ctx context.Context, ev schedule.Event) error {
		logger.WithContext(log, ctx).Debugw("Job event",
			logger.FieldState, ev.Kind.String(),
			logger.FieldJobName, ev.Job.JobName,
			logger.FieldDurationMS, ev.Duration.Milliseconds())
		return nil
	}))

	wrapper := schedule.NewWrapper(a.tm, binder, events, isolator, log.Named("schedule.wrapper"))
	listener := schedule.NewListener(a.store, recorder, a.executor, binder, a.tm, sink, log.Named("schedule.listener"))

	a.registry = schedule.NewRegistry()
	client := httpclient.New(httpclient.Options{
		Timeout:      cfg.Webhook.Timeout(),
		MaxRedirects: cfg.Webhook.MaxRedirects,
		AllowPrivate: cfg.Webhook.AllowPrivate,
	})
	jobs.Register(a.registry, a.tm, client, log.Named("jobs"))

	a.firer = schedule.NewFirer(listener, wrapper, a.store, a.registry, a.tm, log.Named("schedule.firer"))
	a.service = schedule.NewService(a.store, a.executor, a.tm, a.registry, log.Named("schedule.service"))
	return a, nil
}

// Close releases the worker, incident log and database. The executor must be stopped first.
func (a *app) Close(ctx context.Context) error {
	var errs error
	if err := a.runner.Close(ctx); err != nil {
		errs = errors.Wrap(err, "close isolation worker")
	}
	if a.incidentLog != nil {
		if err := a.incidentLog.Close(); err != nil && errs == nil {
			errs = errors.Wrap(err, "close incident log")
		}
	}
	if err := a.db.Close(); err != nil && errs == nil {
		errs = errors.Wrap(err, "close database")
	}
	return errs
}

// openTenantApp opens the app for a jobs subcommand: loads registrations so
// queries see the daemon's view, and binds the acting tenant.
func openTenantApp(cmd *cobra.Command) (context.Context, *app, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}
	a, err := openApp(cfg)
	if err != nil {
		return nil, nil, err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.executor.Sync(ctx); err != nil {
		a.Close(ctx)
		return nil, nil, errors.Wrap(err, "load triggers")
	}

	tenantID, err := actingTenant(cmd)
	if err != nil {
		a.Close(ctx)
		return nil, nil, err
	}
	return tenant.WithID(ctx, tenantID), a, nil
}

// actingTenant reads --tenant, falling back to JOBKEEPER_TENANT.
func actingTenant(cmd *cobra.Command) (string, error) {
	tenantID, _ := cmd.Flags().GetString("tenant")
	if tenantID == "" {
		tenantID = am.GetString("tenant")
	}
	if tenantID == "" {
		return "", errors.WithHint(errors.WithStack(tenant.ErrNotBound), "pass --tenant or set JOBKEEPER_TENANT")
	}
	return tenantID, nil
}
