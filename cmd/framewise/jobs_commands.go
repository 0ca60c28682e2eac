package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"framewise/internal/api"
	"framewise/internal/queueaccess"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and maintain the enhancement queue",
	}

	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsStatsCommand(ctx))
	jobsCmd.AddCommand(newJobsRetryCommand(ctx))
	jobsCmd.AddCommand(newJobsClearCommand(ctx, "clear-completed", "Remove successful jobs",
		func(cmd *cobra.Command, access queueaccess.Access) (int, error) {
			return access.ClearCompleted(cmd.Context())
		}))
	jobsCmd.AddCommand(newJobsClearCommand(ctx, "clear-failed", "Remove failed jobs",
		func(cmd *cobra.Command, access queueaccess.Access) (int, error) {
			return access.ClearFailed(cmd.Context())
		}))

	return jobsCmd
}

func withQueueAccess(cmd *cobra.Command, ctx *commandContext, fn func(queueaccess.Access) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	session, err := queueaccess.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer session.Close()
	return fn(session.Access)
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List enhancement jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueueAccess(cmd, ctx, func(access queueaccess.Access) error {
				list, err := access.List(cmd.Context(), state)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					if list == nil {
						list = []api.JobSummary{}
					}
					return writeJSON(cmd, map[string]any{"jobs": list})
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
					return nil
				}

				rows := make([][]string, 0, len(list))
				for _, item := range list {
					rows = append(rows, []string{
						item.TaskID,
						item.SourceName,
						item.Stage,
						item.State,
						item.Status,
						item.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"TASK", "SOURCE", "STAGE", "STATE", "STATUS", "CREATED"},
					rows,
					nil,
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by lifecycle state (PENDING, STARTED, SUCCESS, FAILURE)")
	return cmd
}

func newJobsStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue occupancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueueAccess(cmd, ctx, func(access queueaccess.Access) error {
				stats, err := access.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, stats)
				}

				states := make([]string, 0, len(stats.ByState))
				for state := range stats.ByState {
					states = append(states, state)
				}
				sort.Strings(states)

				rows := make([][]string, 0, len(states)+2)
				for _, state := range states {
					rows = append(rows, []string{state, strconv.Itoa(stats.ByState[state])})
				}
				rows = append(rows, []string{"total", strconv.Itoa(stats.Total)})
				rows = append(rows, []string{"queue depth", strconv.Itoa(stats.Depth)})

				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"STATE", "COUNT"},
					rows,
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}

func newJobsRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Resubmit failed jobs as fresh tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueueAccess(cmd, ctx, func(access queueaccess.Access) error {
				retried, err := access.RetryFailed(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retried %d job(s)\n", retried)
				return nil
			})
		},
	}
}

func newJobsClearCommand(ctx *commandContext, use, short string, clear func(*cobra.Command, queueaccess.Access) (int, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueueAccess(cmd, ctx, func(access queueaccess.Access) error {
				removed, err := clear(cmd, access)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d job(s)\n", removed)
				return nil
			})
		},
	}
}
