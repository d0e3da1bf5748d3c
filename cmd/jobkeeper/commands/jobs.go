package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/internal/util"
	"github.com/teranos/jobkeeper/pulse/jobs"
	"github.com/teranos/jobkeeper/pulse/schedule"
	"github.com/teranos/jobkeeper/tenant"
)

// JobsCmd groups the per-tenant job commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Schedule, run and inspect jobs",
	Long: `Schedule, run and inspect the acting tenant's jobs.

Every subcommand acts on the tenant given by --tenant or JOBKEEPER_TENANT.
Changes are written to the database; a running "jobkeeper serve" picks them
up on its next sync.

Examples:
  jobkeeper jobs add nightly --cron "0 2 * * *" --param message=hello
  jobkeeper jobs add heartbeat --every 30s --exclusive
  jobkeeper jobs add cleanup --handler sql --now --param "statement=DELETE FROM scratch"
  jobkeeper jobs ls
  jobkeeper jobs run nightly
  jobkeeper jobs logs`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs with their next firing and last failure",
	Args:  cobra.NoArgs,
	RunE:  runJobsLs,
}

var jobsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Schedule a job",
	Long: `Schedule a job under <name>.

Exactly one trigger is required: --cron, --every, --at or --now. --at may be
combined with --cron or --every to delay the first firing.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsAdd,
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Fire a job once in this process",
	Long: `Fire a scheduled job once, in this process, through the same pipeline the
daemon uses: tenant binding, transaction, lifecycle events and failure
recording. As with any successful firing, a job whose trigger is gone (such as
a one-shot that already fired) is removed afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsRun,
}

var jobsRmCmd = &cobra.Command{
	Use:   "rm [name]",
	Short: "Delete a job (or every job with --all)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobsRm,
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the tenant's triggers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTenantApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.service.Pause(ctx, ""); err != nil {
				return err
			}
			pterm.Success.Printfln("Paused jobs of %s", tenant.ID(ctx))
			return nil
		})
	},
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the tenant's triggers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTenantApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.service.Resume(ctx, ""); err != nil {
				return err
			}
			pterm.Success.Printfln("Resumed jobs of %s", tenant.ID(ctx))
			return nil
		})
	},
}

var jobsParamsCmd = &cobra.Command{
	Use:   "params <name> [key=value...]",
	Short: "Show or replace a job's parameters",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobsParams,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the current failure logs",
	Args:  cobra.NoArgs,
	RunE:  runJobsLogs,
}

var (
	addHandler     string
	addDescription string
	addCron        string
	addEvery       time.Duration
	addAt          string
	addNow         bool
	addExclusive   bool
	addParams      []string
	rmAll          bool
)

func init() {
	jobsAddCmd.Flags().StringVar(&addHandler, "handler", jobs.HandlerLog, "Job handler name")
	jobsAddCmd.Flags().StringVar(&addDescription, "description", "", "Free-form description")
	jobsAddCmd.Flags().StringVar(&addCron, "cron", "", `Cron spec, e.g. "0 2 * * *" or "@hourly"`)
	jobsAddCmd.Flags().DurationVar(&addEvery, "every", 0, "Fixed interval, e.g. 30s")
	jobsAddCmd.Flags().StringVar(&addAt, "at", "", "Fire once at (or first fire at) this RFC3339 time")
	jobsAddCmd.Flags().BoolVar(&addNow, "now", false, "Fire once as soon as possible")
	jobsAddCmd.Flags().BoolVar(&addExclusive, "exclusive", false, "Skip a firing while the previous one is still running")
	jobsAddCmd.Flags().StringArrayVar(&addParams, "param", nil, "Job parameter key=value (repeatable)")
	jobsAddCmd.MarkFlagsMutuallyExclusive("cron", "every")
	jobsAddCmd.MarkFlagsMutuallyExclusive("now", "at")
	jobsAddCmd.MarkFlagsMutuallyExclusive("now", "cron")
	jobsAddCmd.MarkFlagsMutuallyExclusive("now", "every")

	jobsRmCmd.Flags().BoolVar(&rmAll, "all", false, "Delete every job of the tenant")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsAddCmd)
	JobsCmd.AddCommand(jobsRunCmd)
	JobsCmd.AddCommand(jobsRmCmd)
	JobsCmd.AddCommand(jobsPauseCmd)
	JobsCmd.AddCommand(jobsResumeCmd)
	JobsCmd.AddCommand(jobsParamsCmd)
	JobsCmd.AddCommand(jobsLogsCmd)
}

// withTenantApp opens the app bound to the acting tenant, runs fn and closes it.
func withTenantApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, a, err := openTenantApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	return withTenantApp(cmd, func(ctx context.Context, a *app) error {
		scheduled, err := a.service.GetJobs(ctx)
		if err != nil {
			return err
		}
		if len(scheduled) == 0 {
			pterm.Info.Printfln("No jobs for %s", tenant.ID(ctx))
			return nil
		}

		data := pterm.TableData{{"NAME", "HANDLER", "TRIGGER", "NEXT", "RETRIES", "LAST FAILURE"}}
		for _, job := range scheduled {
			data = append(data, jobRow(job))
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	})
}

func jobRow(job schedule.ScheduledJob) []string {
	trigger, next := "-", "-"
	if st := job.Status; st != nil {
		trigger = st.Trigger
		switch {
		case st.Paused:
			next = "paused"
		case !st.Next.IsZero():
			next = st.Next.Local().Format(time.DateTime)
		}
		if st.Exclusive {
			trigger += " (exclusive)"
		}
	}
	retries, failure := "", ""
	if l := job.Log; l != nil {
		retries = strconv.Itoa(l.RetryNumber)
		failure = util.Truncate(firstLine(l.LastMessage), 60, "...")
	}
	return []string{job.Descriptor.JobName, job.Descriptor.HandlerName, trigger, next, retries, failure}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	params, err := parseParams(addParams)
	if err != nil {
		return err
	}
	trigger, err := buildTrigger(addCron, addEvery, addAt, addNow)
	if err != nil {
		return err
	}

	return withTenantApp(cmd, func(ctx context.Context, a *app) error {
		d := schedule.Descriptor{
			JobName:            args[0],
			HandlerName:        addHandler,
			Description:        addDescription,
			DisallowConcurrent: addExclusive,
		}
		created, err := a.service.Schedule(ctx, d, params, trigger)
		if err != nil {
			if created != nil {
				pterm.Warning.Printfln("Job %s was saved (id %d) but the trigger was not registered", created.JobName, created.ID)
			}
			return err
		}

		what := "immediate run"
		if trigger != nil {
			what = trigger.String()
		}
		pterm.Success.Printfln("Scheduled %s (id %d, %s)", created.JobName, created.ID, what)
		return nil
	})
}

// buildTrigger maps the add flags to a trigger; nil means run now.
func buildTrigger(cronSpec string, every time.Duration, at string, now bool) (*schedule.Trigger, error) {
	if now {
		return nil, nil
	}
	var t schedule.Trigger
	t.Cron = cronSpec
	t.Every = every
	if at != "" {
		startAt, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, errors.WithHint(errors.Wrapf(err, "--at %q", at), "use RFC3339, e.g. 2026-01-02T15:04:05Z")
		}
		t.StartAt = startAt
	}
	if t.IsZero() {
		return nil, errors.WithHint(errors.NewInvalidRequestError("no trigger given"), "pass --cron, --every, --at or --now")
	}
	return &t, nil
}

// parseParams turns key=value pairs into a parameter map.
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errors.WithHint(errors.NewInvalidRequestError("parameter %q is not key=value", pair), "e.g. --param message=hello")
		}
		params[k] = v
	}
	return params, nil
}

func runJobsRun(cmd *cobra.Command, args []string) error {
	return withTenantApp(cmd, func(ctx context.Context, a *app) error {
		d, err := a.store.FindDescriptor(ctx, tenant.ID(ctx), args[0])
		if err != nil {
			return err
		}

		start := time.Now()
		err = a.firer.Fire(ctx, d.Identifier())
		switch {
		case errors.Is(err, schedule.ErrOrphanJob):
			pterm.Warning.Printfln("%s was deleted before it could run", d.JobName)
			return nil
		case err != nil:
			pterm.Error.Printfln("%s failed after %s", d.JobName, time.Since(start).Round(time.Millisecond))
			return err
		}
		pterm.Success.Printfln("%s succeeded in %s", d.JobName, time.Since(start).Round(time.Millisecond))
		return nil
	})
}

func runJobsRm(cmd *cobra.Command, args []string) error {
	if rmAll == (len(args) == 1) {
		return errors.WithHint(errors.NewInvalidRequestError("give a job name or --all"), "jobkeeper jobs rm <name>")
	}
	return withTenantApp(cmd, func(ctx context.Context, a *app) error {
		if rmAll {
			if err := a.service.DeleteAllJobs(ctx); err != nil {
				return err
			}
			pterm.Success.Printfln("Deleted every job of %s", tenant.ID(ctx))
			return nil
		}
		if err := a.service.Delete(ctx, args[0]); err != nil {
			return err
		}
		pterm.Success.Printfln("Deleted %s", args[0])
		return nil
	})
}

func runJobsParams(cmd *cobra.Command, args []string) error {
	var params map[string]string
	if len(args) > 1 {
		var err error
		if params, err = parseParams(args[1:]); err != nil {
			return err
		}
	}

	return withTenantApp(cmd, func(ctx context.Context, a *app) error {
		d, err := a.store.FindDescriptor(ctx, tenant.ID(ctx), args[0])
		if err != nil {
			return err
		}
		if params != nil {
			if err := a.service.SetJobParameters(ctx, d.ID, params); err != nil {
				return err
			}
			pterm.Success.Printfln("Replaced %d parameter(s) of %s", len(params), d.JobName)
			return nil
		}

		current, err := a.service.GetJobParameters(ctx, d.ID)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(current))
		for k := range current {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s=%s\n", k, current[k])
		}
		return nil
	})
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	return withTenantApp(cmd, func(ctx context.Context, a *app) error {
		logs, err := a.service.ListJobLogs(ctx)
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			pterm.Success.Printfln("No failures recorded for %s", tenant.ID(ctx))
			return nil
		}
		for _, l := range logs {
			pterm.DefaultSection.Printfln("%s (retry %d, %s)", l.JobName, l.RetryNumber, l.LastUpdateDate.Local().Format(time.DateTime))
			pterm.Println(l.LastMessage)
		}
		return nil
	})
}
