package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yourusername/paper-relay/internal/results"
)

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <job-id>",
		Short: "Delete every output file of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := strings.TrimSpace(args[0])
			if jobID == "" || strings.ContainsAny(jobID, "/\\") || strings.HasPrefix(jobID, ".") {
				return fmt.Errorf("invalid job id %q", args[0])
			}

			ctx := cmd.Context()
			outputs, err := openOutputs(ctx)
			if err != nil {
				return err
			}
			defer outputs.Close()

			n, err := outputs.DeletePrefix(ctx, results.JobPrefix(jobID))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: deleted %d files\n", jobID, n)
			return nil
		},
	}
}
