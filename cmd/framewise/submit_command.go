package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "submit <video-file>",
		Short: "Submit a video for enhancement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.apiClient()
			if err != nil {
				return err
			}

			resp, err := c.Submit(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Submitted %s\n", resp.SourceName)
			fmt.Fprintf(out, "Task ID: %s\n", resp.TaskID)

			if !follow {
				fmt.Fprintf(out, "Follow progress with `framewise status %s --follow`\n", resp.TaskID)
				return nil
			}
			return followTask(cmd, c, resp.TaskID)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream progress until the task finishes")
	return cmd
}
