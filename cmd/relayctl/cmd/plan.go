package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yourusername/paper-relay/internal/chunking"
)

func planCmd() *cobra.Command {
	var (
		pages     int
		rangeSpec string
		chunkSize int
		asJSON    bool
	)

	command := &cobra.Command{
		Use:   "plan",
		Short: "Show how a document would be split into chunks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			descriptors, err := chunking.Plan(chunking.Job{
				ID:         "dry-run",
				SourceName: "dry-run.pdf",
				TotalUnits: pages,
				RangeSpec:  rangeSpec,
				Config:     map[string]any{},
			}, chunkSize)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				msgs := make([]chunking.Message, 0, len(descriptors))
				for _, d := range descriptors {
					msgs = append(msgs, d.Message())
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(msgs)
			}

			for _, d := range descriptors {
				msg := d.Message()
				fmt.Fprintf(out, "chunk %d/%d: pages %s (%d)\n", d.Index+1, d.NumChunks, msg.PageRange(), len(d.Units))
			}
			return nil
		},
	}

	command.Flags().IntVar(&pages, "pages", 0, "Total number of pages in the document")
	command.Flags().StringVar(&rangeSpec, "range", "", "Page range, e.g. \"0-4, 9\" (0-based)")
	command.Flags().IntVar(&chunkSize, "chunk-size", 32, "Maximum pages per chunk")
	command.Flags().BoolVar(&asJSON, "json", false, "Print the queue messages as JSON")
	_ = command.MarkFlagRequired("pages")
	return command
}
