package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <task-id>",
		Short: "Download the enhanced video of a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.apiClient()
			if err != nil {
				return err
			}

			dst := output
			if dst == "" {
				dst = "enhanced_video_" + args[0] + ".mp4"
			}
			if err := c.Download(cmd.Context(), args[0], dst); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved enhanced video to %s\n", dst)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination path for the downloaded video")
	return cmd
}
