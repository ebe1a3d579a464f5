package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newStatsCmd(b backends, opts *rootOptions) *cobra.Command {
	var details bool
	cmd := &cobra.Command{
		Use:   "stats <course-id>",
		Short: "Print learning-time statistics for a course as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			courseID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("course id must be a uuid: %w", err)
			}
			if opts.databaseURL == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			svc, closeFn, err := b.stats(cmd.Context(), opts.databaseURL)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer closeFn()

			if details {
				rows, err := svc.GetDetailedLearningTime(cmd.Context(), courseID.String())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			out, err := svc.GetLearningTimeStatistics(cmd.Context(), courseID.String())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&details, "details", false, "print the per-record listing instead of the summary")
	return cmd
}
