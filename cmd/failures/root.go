package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/observ"
	"github.com/ocgsync/syncd/internal/sqs"
)

// failureQueue is the part of sqs.FailureConsumer the commands use.
type failureQueue interface {
	Receive(ctx context.Context, max int32) ([]sqs.Failure, error)
	Ack(ctx context.Context, receiptHandle string) error
}

type rootOptions struct {
	QueueURL string
	Region   string
	Endpoint string
	Format   string

	// newQueue is replaced in tests.
	newQueue func(ctx context.Context, opts *rootOptions) (failureQueue, error)
}

type listOptions struct {
	*rootOptions
	Max int32
	Ack bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{newQueue: connectQueue}
	return newRootCommandWithOptions(opts)
}

func newRootCommandWithOptions(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Inspect terminal meeting and notification failures",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			if opts.QueueURL == "" {
				return fmt.Errorf("queue URL is required (--queue-url or SQS_FAILURES_QUEUE_URL)")
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.QueueURL, "queue-url", os.Getenv("SQS_FAILURES_QUEUE_URL"), "failure queue URL")
	cmd.PersistentFlags().StringVar(&opts.Region, "region", envOr("AWS_REGION", "us-east-1"), "AWS region")
	cmd.PersistentFlags().StringVar(&opts.Endpoint, "endpoint", os.Getenv("AWS_ENDPOINT_URL"), "AWS endpoint override")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(newListCommand(opts))

	return cmd
}

func newListCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &listOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print queued failures",
		Long: `Receive up to --max failures from the queue and print them.

Without --ack the messages become visible again once their visibility
timeout expires. With --ack every printed failure is removed.

Examples:
  failures list
  failures list --max 5 --format json
  failures list --ack`,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := opts.newQueue(cmd.Context(), opts.rootOptions)
			if err != nil {
				return err
			}
			return runList(cmd.Context(), q, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Int32Var(&opts.Max, "max", 10, "maximum failures to receive (1-10)")
	cmd.Flags().BoolVar(&opts.Ack, "ack", false, "remove printed failures from the queue")

	return cmd
}

func connectQueue(ctx context.Context, opts *rootOptions) (failureQueue, error) {
	logger, err := observ.NewLogger("production", "warn")
	if err != nil {
		return nil, err
	}
	return sqs.NewFailureConsumer(ctx, sqs.Config{
		Region:   opts.Region,
		QueueURL: opts.QueueURL,
		Endpoint: opts.Endpoint,
	}, logger.With(zap.String("component", "failures")))
}

func runList(ctx context.Context, q failureQueue, opts *listOptions, out io.Writer) error {
	failures, err := q.Receive(ctx, opts.Max)
	if err != nil {
		return err
	}

	if opts.Format == "json" {
		evs := make([]any, 0, len(failures))
		for _, f := range failures {
			evs = append(evs, f.Event)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(evs); err != nil {
			return err
		}
	} else {
		if len(failures) == 0 {
			fmt.Fprintln(out, "No failures queued.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "OCCURRED\tTYPE\tSUBJECT\tERROR")
		for _, f := range failures {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				f.Event.OccurredAt.UTC().Format(time.RFC3339),
				f.Event.Type,
				f.Event.SubjectID,
				oneLine(f.Event.Error),
			)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if !opts.Ack {
		return nil
	}
	for _, f := range failures {
		if err := q.Ack(ctx, f.ReceiptHandle); err != nil {
			return fmt.Errorf("ack %s: %w", f.Event.SubjectID, err)
		}
	}
	if opts.Format == "text" {
		fmt.Fprintf(out, "Acknowledged %d failures.\n", len(failures))
	}
	return nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
