package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobkeeper/am"
	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/logger"
)

// ServeCmd runs the scheduler daemon
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	Long: `Run the scheduler daemon in the foreground.

The daemon will:
- Restore every tenant's triggers from the database
- Fire jobs inside transactions and record failures in isolation
- Pick up jobs added or removed by other jobkeeper processes
- Reload log.level when the active config file changes
- Wait for running jobs on Ctrl+C (up to scheduler.stop_timeout_seconds)`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.executor.Start(ctx, a.firer.Fire); err != nil {
		a.Close(context.Background())
		return errors.Wrap(err, "start executor")
	}

	if path := am.ActiveConfigPath(); path != "" {
		if watcher, err := am.NewConfigWatcher(path, logger.Logger); err != nil {
			logger.Warnw("Config watching disabled", logger.FieldPath, path, logger.FieldError, err)
		} else {
			watcher.OnReload(func(next *am.Config) error {
				return logger.SetLevel(next.Log.Level)
			})
			am.SetGlobalWatcher(watcher)
			watcher.Start()
			defer func() {
				am.SetGlobalWatcher(nil)
				watcher.Stop()
			}()
		}
	}

	statuses, _ := a.executor.GetAllJobs(ctx)
	pterm.Success.Printfln("jobkeeper serving %s", cfg.GetDatabasePath())
	pterm.Printfln("  Triggers: %d", len(statuses))
	pterm.Printfln("  Isolation workers: %d", cfg.Scheduler.IsolationWorkers)
	pterm.Printfln("  Sync interval: %v", cfg.Scheduler.SyncInterval())
	pterm.Println()
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")

	<-ctx.Done()
	pterm.Info.Println("Shutting down, waiting for running jobs...")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.StopTimeout())
	defer cancel()

	stopErr := a.executor.Stop(stopCtx)
	if err := a.Close(stopCtx); err != nil {
		if stopErr == nil {
			stopErr = err
		} else {
			stopErr = errors.WithSecondaryError(stopErr, err)
		}
	}
	if stopErr != nil {
		return stopErr
	}

	pterm.Success.Println("jobkeeper stopped")
	return nil
}
