package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yourusername/paper-relay/internal/results"
)

func statusCmd() *cobra.Command {
	var asJSON bool

	command := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Resolve the status of a job from its output files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			outputs, err := openOutputs(ctx)
			if err != nil {
				return err
			}
			defer outputs.Close()

			resolver := results.NewResolver(
				results.NewInspector(outputs),
				results.NewEngine(outputs, newLogger(), nil),
			)
			status, err := resolver.Status(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Fprintf(out, "job:    %s\n", status.JobID)
			fmt.Fprintf(out, "status: %s\n", status.State)
			if status.Error != "" {
				fmt.Fprintf(out, "error:  %s\n", status.Error)
			}
			if status.Ext != "" {
				fmt.Fprintf(out, "result: %s (%d bytes)\n", results.MergedName(status.Ext), len(status.Result))
			}
			if status.Worker != nil && status.Worker.Pages > 0 {
				fmt.Fprintf(out, "pages:  %d (worker time %.2fs)\n", status.Worker.Pages, status.Worker.WorkerTime)
			}
			if len(status.Images) > 0 {
				fmt.Fprintf(out, "images: %d\n", len(status.Images))
			}
			return nil
		},
	}
	command.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	return command
}
