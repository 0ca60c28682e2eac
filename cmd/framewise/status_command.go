package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"framewise/internal/api"
	"framewise/internal/client"
	"framewise/internal/jobs"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the status of an enhancement task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.apiClient()
			if err != nil {
				return err
			}
			if follow {
				return followTask(cmd, c, args[0])
			}

			envelope, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.JSONMode() {
				return writeJSON(cmd, envelope)
			}
			printEnvelope(cmd, envelope)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream progress until the task finishes")
	return cmd
}

func followTask(cmd *cobra.Command, c *client.Client, id string) error {
	var lastLine string
	err := c.Watch(cmd.Context(), id, func(envelope api.StatusEnvelope) error {
		line := progressLine(envelope)
		if line == lastLine {
			return nil
		}
		lastLine = line
		fmt.Fprintln(cmd.OutOrStdout(), line)
		return nil
	})
	if err != nil {
		return err
	}

	final, err := c.Status(cmd.Context(), id)
	if err != nil {
		return err
	}
	if final.Status.State == string(jobs.StatusFailure) {
		return fmt.Errorf("task %s failed: %s", id, failureDetail(final))
	}
	return nil
}

func printEnvelope(cmd *cobra.Command, envelope api.StatusEnvelope) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	kind := statusInfo
	switch envelope.Status.State {
	case string(jobs.StatusSuccess):
		kind = statusOK
	case string(jobs.StatusFailure):
		kind = statusError
	}

	fmt.Fprintln(out, renderStatusLine("Task", statusInfo, envelope.TaskID, colorize))
	fmt.Fprintln(out, renderStatusLine("State", kind, envelope.Status.State, colorize))
	if envelope.Status.Meta.Stage != "" {
		fmt.Fprintln(out, renderStatusLine("Stage", statusInfo, envelope.Status.Meta.Stage, colorize))
	}
	if envelope.Status.Status != "" {
		fmt.Fprintln(out, renderStatusLine("Message", statusInfo, envelope.Status.Status, colorize))
	}
	meta := envelope.Status.Meta
	if meta.TotalFrames > 0 {
		fmt.Fprintln(out, renderStatusLine("Frames", statusInfo,
			fmt.Sprintf("%d analyzed / %d total (%d blurry, %d dark, %d good)",
				meta.AnalyzedFrames, meta.TotalFrames, meta.BlurryCount, meta.DarkCount, meta.GoodCount),
			colorize))
	}
	if meta.EnhancedCount > 0 || meta.CopiedCount > 0 {
		fmt.Fprintln(out, renderStatusLine("Enhanced", statusInfo,
			fmt.Sprintf("%d enhanced, %d copied", meta.EnhancedCount, meta.CopiedCount), colorize))
	}
	if meta.OutputPath != "" {
		fmt.Fprintln(out, renderStatusLine("Output", statusOK, meta.OutputPath, colorize))
	}
	if meta.Error != "" {
		fmt.Fprintln(out, renderStatusLine("Error", statusError, meta.Error, colorize))
	}
}

func progressLine(envelope api.StatusEnvelope) string {
	meta := envelope.Status.Meta
	line := envelope.Status.State
	if meta.Stage != "" {
		line += " " + meta.Stage
	}
	if envelope.Status.Status != "" {
		line += ": " + envelope.Status.Status
	}
	return line
}

func failureDetail(envelope api.StatusEnvelope) string {
	if envelope.Status.Meta.Error != "" {
		return envelope.Status.Meta.Error
	}
	if envelope.Status.Status != "" {
		return envelope.Status.Status
	}
	return envelope.Status.Meta.FailureReason
}
