package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/jobkeeper/am"
	"github.com/teranos/jobkeeper/cmd/jobkeeper/commands"
	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/logger"
)

var rootCmd = &cobra.Command{
	Use:   "jobkeeper",
	Short: "jobkeeper - transactional multi-tenant job scheduler",
	Long: `jobkeeper - transactional, multi-tenant job scheduler.

Jobs are persisted per tenant with their parameters, fired by cron, interval
or one-shot triggers, and run inside a database transaction. A failed firing
rolls back its own writes but always leaves a failure log behind.

Available commands:
  serve   - Run the scheduler daemon
  jobs    - Schedule, run and inspect jobs
  db      - Manage the database
  config  - Show and edit configuration

Examples:
  jobkeeper serve -v
  jobkeeper --tenant acme jobs add nightly --cron "0 2 * * *" --param message=hello
  jobkeeper --tenant acme jobs ls
  jobkeeper config init`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// config init must work even when the current config does not load
		if cmd.Name() == "init" {
			return logger.Initialize(false, "")
		}

		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		level := cfg.Log.Level
		if verbosity, _ := cmd.Flags().GetCount("verbose"); verbosity > 0 {
			level = logger.VerbosityToLevel(verbosity).String()
		}
		if err := logger.Initialize(jsonOutput || cfg.Log.JSON, level); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().Bool("json", false, "Log JSON lines instead of console output")
	rootCmd.PersistentFlags().String("tenant", "", "Acting tenant (default $JOBKEEPER_TENANT)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
