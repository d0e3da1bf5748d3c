package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobkeeper/am"
	"github.com/teranos/jobkeeper/errors"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the jobkeeper database",
	Long: `Manage the jobkeeper database.

Examples:
  jobkeeper db migrate    # Apply pending schema migrations
  jobkeeper db stats      # Count descriptors, failure logs and triggers`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		pterm.Success.Printfln("Database %s is up to date", cfg.GetDatabasePath())
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts per tenant",
	Args:  cobra.NoArgs,
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	rows, err := database.QueryContext(cmd.Context(), `
		SELECT d.tenant_id,
		       COUNT(*),
		       COUNT(l.id),
		       (SELECT COUNT(*) FROM job_trigger t WHERE t.tenant_id = d.tenant_id),
		       EXISTS(SELECT 1 FROM tenant_pause p WHERE p.tenant_id = d.tenant_id)
		FROM job_descriptor d
		LEFT JOIN job_log l ON l.job_descriptor_id = d.id
		GROUP BY d.tenant_id
		ORDER BY d.tenant_id`)
	if err != nil {
		return errors.Wrap(err, "failed to query stats")
	}
	defer rows.Close()

	data := pterm.TableData{{"TENANT", "JOBS", "FAILING", "TRIGGERS", "PAUSED"}}
	for rows.Next() {
		var tenantID string
		var jobs, failing, triggers int
		var paused bool
		if err := rows.Scan(&tenantID, &jobs, &failing, &triggers, &paused); err != nil {
			return errors.Wrap(err, "failed to scan stats")
		}
		data = append(data, []string{tenantID, itoa(jobs), itoa(failing), itoa(triggers), yesNo(paused)})
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "failed to read stats")
	}

	pterm.DefaultSection.Println(cfg.GetDatabasePath())
	if len(data) == 1 {
		pterm.Info.Println("No jobs")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
