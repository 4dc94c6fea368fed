package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yourusername/paper-relay/internal/results"
)

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <job-id>",
		Short: "Merge chunk artifacts if every chunk has finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			outputs, err := openOutputs(ctx)
			if err != nil {
				return err
			}
			defer outputs.Close()

			merged, err := results.NewEngine(outputs, newLogger(), nil).TryMerge(ctx, args[0])
			if err != nil {
				return err
			}
			if merged == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: not all chunks are complete\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: wrote %s (%d bytes)\n", args[0], results.MergedName(merged.Ext), len(merged.Content))
			return nil
		},
	}
}
