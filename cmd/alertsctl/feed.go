package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/projection"
)

type feedOptions struct {
	deduped string
	out     string
	metrics string
	limit   int
}

func newFeedCommand() *cobra.Command {
	opts := &feedOptions{
		deduped: defaultDeduped,
		out:     defaultAlertsDir + "/ui/alerts_feed.json",
		metrics: defaultAlertsDir + "/ui/alerts_feed_metrics.json",
		limit:   100,
	}

	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Build the ops alert feed from the deduped stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deduped, err := envelope.LoadMatched(opts.deduped)
			if err != nil {
				return err
			}

			items := projection.BuildFeed(deduped, opts.limit, nil)
			metrics := projection.FeedMetricsFor(items, opts.deduped, opts.limit)
			if err := projection.WriteFeed(opts.out, opts.metrics, items, metrics); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "feed: items=%d -> %s\n", len(items), opts.out)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.deduped, "deduped", opts.deduped, "input kept records from the dedupe stage")
	cmd.Flags().StringVar(&opts.out, "out", opts.out, "output file for feed items")
	cmd.Flags().StringVar(&opts.metrics, "metrics", opts.metrics, "output file for feed metrics")
	cmd.Flags().IntVar(&opts.limit, "limit", opts.limit, "newest-first item cap (0 keeps everything)")

	return cmd
}
