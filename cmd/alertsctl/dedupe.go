package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/verdantis/alerts-service/internal/dedupe"
	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/fsjson"
)

type dedupeOptions struct {
	matched string
	config  string
	out     string
	metrics string
	state   string
}

func newDedupeCommand() *cobra.Command {
	opts := &dedupeOptions{
		matched: defaultMatched,
		config:  "configs/dedupe.json",
		out:     defaultDeduped,
		metrics: defaultAlertsDir + "/dedupe_metrics.json",
		state:   defaultStatePath,
	}

	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Suppress repeat and flapping alerts on matched records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := dedupe.LoadConfig(opts.config)
			if err != nil {
				return err
			}
			matched, err := envelope.LoadMatched(opts.matched)
			if err != nil {
				return err
			}

			suppressor := dedupe.NewSuppressor(cfg, dedupe.LoadState(opts.state, logger), logger)
			kept, metrics := suppressor.Apply(matched)

			if kept == nil {
				kept = []envelope.Matched{}
			}
			if err := fsjson.WriteAtomic(opts.out, kept); err != nil {
				return err
			}
			if err := fsjson.WriteAtomic(opts.metrics, metrics); err != nil {
				return err
			}
			// State is persisted last so a failed write leaves the outputs
			// on disk for inspection while still failing the run.
			if err := suppressor.Persist(opts.state); err != nil {
				return fmt.Errorf("persist dedupe state: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "dedupe: kept=%d suppressed=%d -> %s (state: %s)\n",
				metrics.Kept, metrics.Suppressed, opts.out, opts.state)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.matched, "matched", opts.matched, "input matched records from the filters stage")
	cmd.Flags().StringVar(&opts.config, "config", opts.config, "dedupe/flap config JSON")
	cmd.Flags().StringVar(&opts.out, "out", opts.out, "output file for kept records")
	cmd.Flags().StringVar(&opts.metrics, "metrics", opts.metrics, "output file for dedupe metrics")
	cmd.Flags().StringVar(&opts.state, "state", opts.state, "persistent dedupe state JSON")

	return cmd
}
