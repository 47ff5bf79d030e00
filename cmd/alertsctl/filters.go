package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/filter"
	"github.com/verdantis/alerts-service/internal/fsjson"
)

type filtersOptions struct {
	events        string
	subscriptions string
	out           string
	metrics       string
}

func newFiltersCommand() *cobra.Command {
	opts := &filtersOptions{
		out:     defaultMatched,
		metrics: defaultAlertsDir + "/filters_metrics.json",
	}

	cmd := &cobra.Command{
		Use:   "filters",
		Short: "Match raw events against subscription filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			subs, err := filter.LoadSubscriptions(opts.subscriptions)
			if err != nil {
				return err
			}
			events, malformed, err := envelope.LoadEvents(opts.events)
			if err != nil {
				return err
			}

			matched, metrics := filter.NewEngine(subs, logger).Apply(events)
			metrics.MalformedEvents = malformed

			if matched == nil {
				matched = []envelope.Matched{}
			}
			if err := fsjson.WriteAtomic(opts.out, matched); err != nil {
				return err
			}
			if err := fsjson.WriteAtomic(opts.metrics, metrics); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "filters: matched=%d unmatched=%d malformed=%d -> %s\n",
				len(matched), metrics.Unmatched, malformed, opts.out)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.events, "events", "", "path to the raw events JSON list")
	cmd.Flags().StringVar(&opts.subscriptions, "subscriptions", "", "path to the subscriptions config JSON")
	cmd.Flags().StringVar(&opts.out, "out", opts.out, "output file for matched records")
	cmd.Flags().StringVar(&opts.metrics, "metrics", opts.metrics, "output file for filter metrics")
	_ = cmd.MarkFlagRequired("events")
	_ = cmd.MarkFlagRequired("subscriptions")

	return cmd
}
