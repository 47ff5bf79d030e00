package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/fsjson"
	"github.com/verdantis/alerts-service/internal/router"
)

type routeOptions struct {
	matched     string
	config      string
	results     string
	metrics     string
	outboxRoot  string
	sinkTimeout time.Duration
}

func newRouteCommand() *cobra.Command {
	opts := &routeOptions{
		matched: defaultDeduped,
		config:  "configs/routes.json",
		results: defaultAlertsDir + "/channels_results.json",
		metrics: defaultAlertsDir + "/channels_metrics.json",
	}

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Dispatch kept alerts to channels under rate limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := router.LoadConfig(opts.config)
			if err != nil {
				return err
			}
			if opts.outboxRoot != "" {
				rebaseOutboxDirs(&cfg, opts.outboxRoot)
			}
			matched, err := envelope.LoadMatched(opts.matched)
			if err != nil {
				return err
			}

			rt := router.NewRouter(cfg, router.OutboxSinks, opts.sinkTimeout, logger)
			results, metrics := rt.Route(cmd.Context(), matched)

			if results == nil {
				results = []router.Result{}
			}
			if err := fsjson.WriteAtomic(opts.results, results); err != nil {
				return err
			}
			if err := fsjson.WriteAtomic(opts.metrics, metrics); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "route: sent=%d skipped=%d -> %s\n",
				metrics.Sent, metrics.Skipped, opts.results)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.matched, "matched", opts.matched, "input kept records from the dedupe stage")
	cmd.Flags().StringVar(&opts.config, "config", opts.config, "routes/channels config JSON")
	cmd.Flags().StringVar(&opts.results, "results", opts.results, "output file for per-attempt results")
	cmd.Flags().StringVar(&opts.metrics, "metrics", opts.metrics, "output file for routing metrics")
	cmd.Flags().StringVar(&opts.outboxRoot, "outbox-root", "", "rebase relative channel outbox dirs under this root")
	cmd.Flags().DurationVar(&opts.sinkTimeout, "sink-timeout", 0, "per-sink call timeout (0 uses the default)")

	return cmd
}

// rebaseOutboxDirs prefixes relative channel outbox dirs with root, leaving
// absolute ones alone.
func rebaseOutboxDirs(cfg *router.Config, root string) {
	for ri := range cfg.Routes {
		for ci := range cfg.Routes[ri].Channels {
			ch := &cfg.Routes[ri].Channels[ci]
			if ch.OutboxDir != "" && !filepath.IsAbs(ch.OutboxDir) {
				ch.OutboxDir = filepath.Join(root, ch.OutboxDir)
			}
		}
	}
}
