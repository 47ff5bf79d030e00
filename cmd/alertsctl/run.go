package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/verdantis/alerts-service/internal/pipeline"
)

type runOptions struct {
	events        string
	subscriptions string
	dedupeConfig  string
	routes        string
	outDir        string
	state         string
	feedLimit     int
	workers       int
	sinkTimeout   time.Duration
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{
		subscriptions: "configs/subscriptions.json",
		dedupeConfig:  "configs/dedupe.json",
		routes:        "configs/routes.json",
		outDir:        defaultAlertsDir,
		feedLimit:     100,
	}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the whole pipeline once: filter, dedupe, route, feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := pipeline.RunBatch(cmd.Context(), pipeline.BatchOptions{
				EventsPath:        opts.events,
				SubscriptionsPath: opts.subscriptions,
				DedupeConfigPath:  opts.dedupeConfig,
				RoutesPath:        opts.routes,
				OutDir:            opts.outDir,
				StatePath:         opts.state,
				FeedLimit:         opts.feedLimit,
				Workers:           opts.workers,
				SinkTimeout:       opts.sinkTimeout,
			}, logger)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"run: events=%d matched=%d kept=%d sent=%d skipped=%d -> %s\n",
				res.FilterMetrics.TotalEvents, len(res.Matched), len(res.Deduped),
				res.RouteMetrics.Sent, res.RouteMetrics.Skipped, opts.outDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.events, "events", "", "path to the raw events JSON list")
	cmd.Flags().StringVar(&opts.subscriptions, "subscriptions", opts.subscriptions, "subscriptions config JSON")
	cmd.Flags().StringVar(&opts.dedupeConfig, "dedupe-config", opts.dedupeConfig, "dedupe/flap config JSON")
	cmd.Flags().StringVar(&opts.routes, "routes", opts.routes, "routes/channels config JSON")
	cmd.Flags().StringVar(&opts.outDir, "out-dir", opts.outDir, "directory for every stage artefact")
	cmd.Flags().StringVar(&opts.state, "state", "", "dedupe state JSON (defaults under the out dir)")
	cmd.Flags().IntVar(&opts.feedLimit, "feed-limit", opts.feedLimit, "newest-first feed item cap")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "dispatch workers (0 uses the default)")
	cmd.Flags().DurationVar(&opts.sinkTimeout, "sink-timeout", 0, "per-sink call timeout (0 uses the default)")
	_ = cmd.MarkFlagRequired("events")

	return cmd
}
