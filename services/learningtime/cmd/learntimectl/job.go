package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/learning-platform/internal/platform/flushqueue"
)

func newJobCmd(b backends, opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect individual flush jobs",
	}
	cmd.AddCommand(newJobStatusCmd(b, opts), newJobWaitCmd(b, opts))
	return cmd
}

func newJobStatusCmd(b backends, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print the last recorded status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn, err := b.queue(cmd.Context(), opts.natsURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer closeFn()

			st, err := q.Status(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), st)
			return err
		},
	}
}

func newJobWaitCmd(b backends, opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Block until a job completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			q, closeFn, err := b.queue(ctx, opts.natsURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer closeFn()

			err = q.WaitUntilFinished(ctx, flushqueue.Handle{JobID: args[0]})
			switch {
			case err == nil:
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "job %s completed\n", args[0])
				return err
			case errors.Is(err, context.DeadlineExceeded):
				return fmt.Errorf("job %s still pending after %s", args[0], timeout)
			default:
				return fmt.Errorf("job %s: %w", args[0], err)
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait")
	return cmd
}
