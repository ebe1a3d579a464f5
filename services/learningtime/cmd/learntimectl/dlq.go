package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newDLQCmd(b backends, opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered flush jobs",
	}
	cmd.AddCommand(newDLQListCmd(b, opts), newDLQReplayCmd(b, opts))
	return cmd
}

func newDLQListCmd(b backends, opts *rootOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered flush jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, closeFn, err := b.queue(cmd.Context(), opts.natsURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer closeFn()

			letters, err := q.ListDeadLetters(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list dead letters: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), letters)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tUSER\tLESSON\tSECONDS\tATTEMPTS\tFAILED AT\tREASON")
			for _, d := range letters {
				job, err := d.Job()
				if err != nil {
					fmt.Fprintf(tw, "-\t-\t-\t-\t%d\t%s\t%s\n", d.Attempts, d.FailedAt.Format(time.RFC3339), d.Reason)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					job.ID, job.UserID, job.LessonID, job.SecondsToAdd, d.Attempts, d.FailedAt.Format(time.RFC3339), d.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of dead letters to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newDLQReplayCmd(b backends, opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-publish dead-lettered flush jobs under their original id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			q, closeFn, err := b.queue(cmd.Context(), opts.natsURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer closeFn()

			n, err := q.ReplayDeadLetters(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("replay dead letters: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "replayed %d job(s)\n", n)
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of dead letters to replay")
	return cmd
}
