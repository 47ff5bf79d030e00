package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/dedupe"
	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/filter"
	"github.com/verdantis/alerts-service/internal/fsjson"
	"github.com/verdantis/alerts-service/internal/projection"
	"github.com/verdantis/alerts-service/internal/router"
)

// BatchPaths locates the artefacts of a one-shot run under one root.
type BatchPaths struct {
	Root string
}

func (p BatchPaths) Matched() string       { return filepath.Join(p.Root, "filtered_events.json") }
func (p BatchPaths) FilterMetrics() string { return filepath.Join(p.Root, "filters_metrics.json") }
func (p BatchPaths) Deduped() string {
	return filepath.Join(p.Root, "filtered_events_deduped.json")
}
func (p BatchPaths) DedupeMetrics() string { return filepath.Join(p.Root, "dedupe_metrics.json") }
func (p BatchPaths) RouteResults() string  { return filepath.Join(p.Root, "channels_results.json") }
func (p BatchPaths) RouteMetrics() string  { return filepath.Join(p.Root, "channels_metrics.json") }
func (p BatchPaths) Feed() string          { return filepath.Join(p.Root, "alerts_feed.json") }
func (p BatchPaths) FeedMetrics() string {
	return filepath.Join(p.Root, "alerts_feed_metrics.json")
}
func (p BatchPaths) State() string { return filepath.Join(p.Root, "dedupe_state.json") }

// BatchOptions configures a one-shot whole-pipeline run.
type BatchOptions struct {
	EventsPath        string
	SubscriptionsPath string
	DedupeConfigPath  string
	RoutesPath        string
	OutDir            string

	// StatePath overrides the default state location under OutDir.
	StatePath string

	FeedLimit   int
	Workers     int
	SinkTimeout time.Duration

	// Sinks overrides the outbox sink factory, for live delivery or tests.
	Sinks router.SinkFactory
}

// RunBatch loads the inputs, runs the whole pipeline once and writes every
// stage artefact under OutDir. Dedupe state is persisted last: a failed
// state write fails the run after the outputs are already on disk, so the
// operator can inspect them before re-running.
func RunBatch(ctx context.Context, opts BatchOptions, logger *zap.Logger) (Result, error) {
	logger = logger.With(zap.String("run_id", uuid.NewString()))

	subs, err := filter.LoadSubscriptions(opts.SubscriptionsPath)
	if err != nil {
		return Result{}, err
	}
	dedupeCfg, err := dedupe.LoadConfig(opts.DedupeConfigPath)
	if err != nil {
		return Result{}, err
	}
	routesCfg, err := router.LoadConfig(opts.RoutesPath)
	if err != nil {
		return Result{}, err
	}
	events, malformed, err := envelope.LoadEvents(opts.EventsPath)
	if err != nil {
		return Result{}, err
	}

	paths := BatchPaths{Root: opts.OutDir}
	statePath := opts.StatePath
	if statePath == "" {
		statePath = paths.State()
	}
	sinks := opts.Sinks
	if sinks == nil {
		sinks = router.OutboxSinks
	}

	suppressor := dedupe.NewSuppressor(dedupeCfg, dedupe.LoadState(statePath, logger), logger)
	runner := NewRunner(
		filter.NewEngine(subs, logger),
		suppressor,
		router.NewRouter(routesCfg, sinks, opts.SinkTimeout, logger),
		opts.Workers,
		logger,
	)

	res := runner.Run(ctx, events)
	res.FilterMetrics.MalformedEvents = malformed

	feedItems := projection.BuildFeed(res.Deduped, opts.FeedLimit, nil)
	feedMetrics := projection.FeedMetricsFor(feedItems, paths.Deduped(), opts.FeedLimit)

	writes := []struct {
		path string
		v    any
	}{
		{paths.Matched(), orEmptyMatched(res.Matched)},
		{paths.FilterMetrics(), res.FilterMetrics},
		{paths.Deduped(), orEmptyMatched(res.Deduped)},
		{paths.DedupeMetrics(), res.DedupeMetrics},
		{paths.RouteResults(), orEmptyResults(res.RouteResults)},
		{paths.RouteMetrics(), res.RouteMetrics},
	}
	for _, w := range writes {
		if err := fsjson.WriteAtomic(w.path, w.v); err != nil {
			return res, err
		}
	}
	if err := projection.WriteFeed(paths.Feed(), paths.FeedMetrics(), feedItems, feedMetrics); err != nil {
		return res, err
	}

	if err := suppressor.Persist(statePath); err != nil {
		return res, fmt.Errorf("persist dedupe state: %w", err)
	}
	return res, nil
}

func orEmptyMatched(recs []envelope.Matched) []envelope.Matched {
	if recs == nil {
		return []envelope.Matched{}
	}
	return recs
}

func orEmptyResults(results []router.Result) []router.Result {
	if results == nil {
		return []router.Result{}
	}
	return results
}
