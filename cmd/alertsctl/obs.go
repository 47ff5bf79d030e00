package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/telemetry"
)

type obsOptions struct {
	filtersMetrics  string
	dedupeMetrics   string
	channelsMetrics string
	feedMetrics     string
	regMetrics      string
	invMetrics      string
	pubMetrics      string
	out             string
	serve           string
	ingestChannels  string
	ingestAudit     string
}

func newObsCommand() *cobra.Command {
	opts := &obsOptions{
		filtersMetrics:  defaultAlertsDir + "/filters_metrics.json",
		dedupeMetrics:   defaultAlertsDir + "/dedupe_metrics.json",
		channelsMetrics: defaultAlertsDir + "/channels_metrics.json",
		feedMetrics:     defaultAlertsDir + "/ui/alerts_feed_metrics.json",
		regMetrics:      defaultPortalsDir + "/regulator/metrics.json",
		invMetrics:      defaultPortalsDir + "/investor/metrics.json",
		pubMetrics:      defaultPortalsDir + "/public/metrics.json",
		out:             "data/observability/metrics.prom",
	}

	cmd := &cobra.Command{
		Use:   "obs",
		Short: "Export stage metrics as a Prometheus textfile",
		Long: `Collects the per-stage metrics JSONs into a Prometheus textfile and
optionally serves it over HTTP. Delivery attempts and audit requests can be
ingested into the structured log on the way through.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exporter := telemetry.NewExporter(logger)
			exporter.CollectFiles(telemetry.StageMetricsPaths{
				Filters:   opts.filtersMetrics,
				Dedupe:    opts.dedupeMetrics,
				Channels:  opts.channelsMetrics,
				Feed:      opts.feedMetrics,
				Regulator: opts.regMetrics,
				Investor:  opts.invMetrics,
				Public:    opts.pubMetrics,
			})
			if err := exporter.WriteTextfile(opts.out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "obs: metrics -> %s\n", opts.out)

			if opts.ingestChannels != "" {
				n := telemetry.IngestChannelAttempts(opts.ingestChannels, logger)
				fmt.Fprintf(cmd.OutOrStdout(), "obs: ingested %d channel attempts\n", n)
			}
			if opts.ingestAudit != "" {
				n := telemetry.IngestAuditRequests(opts.ingestAudit, logger)
				fmt.Fprintf(cmd.OutOrStdout(), "obs: ingested %d audit requests\n", n)
			}

			if opts.serve != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", telemetry.FileHandler(opts.out))
				logger.Info("serving metrics textfile",
					zap.String("addr", opts.serve),
					zap.String("file", opts.out),
				)
				return http.ListenAndServe(opts.serve, mux)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.filtersMetrics, "filters-metrics", opts.filtersMetrics, "filters stage metrics JSON")
	cmd.Flags().StringVar(&opts.dedupeMetrics, "dedupe-metrics", opts.dedupeMetrics, "dedupe stage metrics JSON")
	cmd.Flags().StringVar(&opts.channelsMetrics, "channels-metrics", opts.channelsMetrics, "routing stage metrics JSON")
	cmd.Flags().StringVar(&opts.feedMetrics, "feed-metrics", opts.feedMetrics, "feed metrics JSON")
	cmd.Flags().StringVar(&opts.regMetrics, "reg-metrics", opts.regMetrics, "regulator view metrics JSON")
	cmd.Flags().StringVar(&opts.invMetrics, "inv-metrics", opts.invMetrics, "investor view metrics JSON")
	cmd.Flags().StringVar(&opts.pubMetrics, "pub-metrics", opts.pubMetrics, "public view metrics JSON")
	cmd.Flags().StringVar(&opts.out, "out", opts.out, "Prometheus textfile destination")
	cmd.Flags().StringVar(&opts.serve, "serve", "", "serve the textfile on this address, e.g. :9300")
	cmd.Flags().StringVar(&opts.ingestChannels, "ingest-channels", "", "channel results JSON to ingest into the structured log")
	cmd.Flags().StringVar(&opts.ingestAudit, "ingest-audit", "", "audit request log JSON to ingest into the structured log")

	return cmd
}
