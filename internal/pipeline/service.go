package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/bus"
	"github.com/verdantis/alerts-service/internal/config"
	"github.com/verdantis/alerts-service/internal/dedupe"
	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/filter"
	"github.com/verdantis/alerts-service/internal/fsjson"
	"github.com/verdantis/alerts-service/internal/projection"
	"github.com/verdantis/alerts-service/internal/router"
	"github.com/verdantis/alerts-service/internal/telemetry"
)

// TopicAlertRaised is the platform bus topic for alerts that survived
// dedupe in service mode.
const TopicAlertRaised = "AlertRaised"

// defaultRetained bounds the in-memory window of kept alerts that backs
// the service-mode projections.
const defaultRetained = 5000

// ServicePaths locates the artefacts the service maintains under its data
// root. Cron rebuilds write them; HTTP handlers read them.
type ServicePaths struct {
	Root string
}

func (p ServicePaths) RegulatorDir() string {
	return filepath.Join(p.Root, "portals", "regulator")
}
func (p ServicePaths) InvestorDir() string { return filepath.Join(p.Root, "portals", "investor") }
func (p ServicePaths) PublicDir() string   { return filepath.Join(p.Root, "portals", "public") }
func (p ServicePaths) FeedPath() string    { return filepath.Join(p.Root, "ui", "alerts_feed.json") }
func (p ServicePaths) FeedMetricsPath() string {
	return filepath.Join(p.Root, "ui", "alerts_feed_metrics.json")
}
func (p ServicePaths) AuditLogPath() string {
	return filepath.Join(p.RegulatorDir(), "audit_requests.json")
}
func (p ServicePaths) DedupedSnapshot() string {
	return filepath.Join(p.Root, "alerts_deduped.json")
}
func (p ServicePaths) MetricsTextfile() string {
	return filepath.Join(p.Root, "observability", "metrics.prom")
}

// ServiceOptions wires a streaming Service.
type ServiceOptions struct {
	Store        *config.Store
	DedupeConfig dedupe.Config
	StatePath    string
	DataDir      string

	Sinks       router.SinkFactory
	SinkTimeout time.Duration

	// Retained bounds the kept-alert window; zero selects the default.
	Retained  int
	FeedLimit int

	Regulator        projection.RegulatorOptions
	Investor         projection.InvestorOptions
	Public           projection.PublicConfig
	PublicConfigPath string
	MaskSecret       string

	Exporter *telemetry.Exporter
	Bus      bus.Publisher
}

// Service is the streaming face of the pipeline: the NATS consumer feeds
// events one at a time, dedupe state lives in memory between checkpoints,
// and cron ticks rebuild the projection artefacts from a retained window
// of kept alerts.
//
// Wiring (subscriptions and routes) comes from the config store and is
// re-applied whenever the store swaps in a new snapshot. A re-applied
// route set starts with fresh delivery budgets.
type Service struct {
	store       *config.Store
	paths       ServicePaths
	statePath   string
	sinks       router.SinkFactory
	sinkTimeout time.Duration
	retained    int
	feedLimit   int

	suppressor *dedupe.Suppressor
	regulator  *projection.RegulatorBuilder
	investor   *projection.InvestorBuilder
	public     *projection.PublicBuilder
	publicPath string

	exporter *telemetry.Exporter
	bus      bus.Publisher
	logger   *zap.Logger

	mu       sync.Mutex
	wiring   *config.Pipeline
	engine   *filter.Engine
	router   *router.Router
	kept     []envelope.Matched
	keptSeq  int
	dirty    bool
	counters serviceCounters
}

type serviceCounters struct {
	events     int
	unmatched  int
	kept       int
	suppressed int
	sent       int
	skipped    int
}

// NewService builds the streaming pipeline. Prior dedupe state and the
// last deduped snapshot are loaded so projections stay warm across
// restarts.
func NewService(opts ServiceOptions, logger *zap.Logger) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("pipeline service requires a config store")
	}
	if opts.Retained <= 0 {
		opts.Retained = defaultRetained
	}
	if opts.FeedLimit <= 0 {
		opts.FeedLimit = projection.DefaultFeedLimit
	}
	if opts.Sinks == nil {
		opts.Sinks = router.OutboxSinks
	}

	s := &Service{
		store:       opts.Store,
		paths:       ServicePaths{Root: opts.DataDir},
		statePath:   opts.StatePath,
		sinks:       opts.Sinks,
		sinkTimeout: opts.SinkTimeout,
		retained:    opts.Retained,
		feedLimit:   opts.FeedLimit,
		suppressor:  dedupe.NewSuppressor(opts.DedupeConfig, dedupe.LoadState(opts.StatePath, logger), logger),
		regulator:   projection.NewRegulatorBuilder(opts.Regulator, logger),
		investor:    projection.NewInvestorBuilder(opts.Investor, logger),
		public:      projection.NewPublicBuilder(opts.Public, opts.MaskSecret, logger),
		publicPath:  opts.PublicConfigPath,
		exporter:    opts.Exporter,
		bus:         opts.Bus,
		logger:      logger,
	}

	if snapshot, err := envelope.LoadMatched(s.paths.DedupedSnapshot()); err == nil && len(snapshot) > 0 {
		s.kept = snapshot
		s.keptSeq = len(snapshot)
		logger.Info("restored deduped snapshot", zap.Int("alerts", len(snapshot)))
	}

	s.applyWiring(opts.Store.Current())
	return s, nil
}

// applyWiring rebuilds the engine and router from a config snapshot.
// Callers hold s.mu or have exclusive access.
func (s *Service) applyWiring(p *config.Pipeline) {
	s.wiring = p
	s.engine = filter.NewEngine(p.Subscriptions, s.logger)
	s.router = router.NewRouter(p.Routes, s.sinks, s.sinkTimeout, s.logger)
	s.logger.Info("pipeline wiring applied",
		zap.Int("subscriptions", len(p.Subscriptions)),
		zap.Int("routes", len(p.Routes.Routes)),
	)
}

// Ingest runs one platform event through filter, dedupe and routing. It
// satisfies the consumer's Ingestor contract; a nil return acknowledges
// the event.
func (s *Service) Ingest(ctx context.Context, ev envelope.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.store.Current(); cur != s.wiring {
		s.applyWiring(cur)
	}

	s.counters.events++
	recs := s.engine.MatchEvent(ev)
	if len(recs) == 0 {
		s.counters.unmatched++
		s.setIngestGauges()
		return nil
	}

	for _, rec := range recs {
		out := s.suppressor.Process(rec)
		s.dirty = true
		if !out.Kept {
			s.counters.suppressed++
			s.logger.Debug("alert suppressed",
				zap.String("reason", out.Reason),
				zap.String("subscription_id", rec.SubscriptionID),
			)
			continue
		}
		s.counters.kept++
		s.retain(rec)

		eventID := envelope.SafeEventID(rec.Event, s.keptSeq)
		for _, res := range s.router.RouteOne(ctx, rec, s.keptSeq) {
			if res.Status == "sent" {
				s.counters.sent++
			} else {
				s.counters.skipped++
			}
		}
		s.keptSeq++
		s.publishAlert(ctx, rec, eventID)
	}
	s.setIngestGauges()
	return nil
}

// retain appends a kept alert to the projection window, dropping the
// oldest entries beyond the retention bound.
func (s *Service) retain(rec envelope.Matched) {
	s.kept = append(s.kept, rec)
	if excess := len(s.kept) - s.retained; excess > 0 {
		s.kept = append([]envelope.Matched(nil), s.kept[excess:]...)
	}
}

// publishAlert mirrors a kept alert onto the platform bus. Publishing is
// best-effort; a bus outage never fails ingestion.
func (s *Service) publishAlert(ctx context.Context, rec envelope.Matched, eventID string) {
	if s.bus == nil {
		return
	}
	payload := map[string]any{
		"subscription_id": rec.SubscriptionID,
		"event_id":        eventID,
		"topic":           rec.Event.Topic,
		"severity":        envelope.NormalizeSeverity(rec.Event.Severity),
	}
	if err := s.bus.Publish(ctx, TopicAlertRaised, payload); err != nil {
		s.logger.Warn("bus publish failed",
			zap.String("topic", TopicAlertRaised),
			zap.Error(err),
		)
	}
}

func (s *Service) setIngestGauges() {
	if s.exporter == nil {
		return
	}
	s.exporter.Set(telemetry.MetricEventsTotal, float64(s.counters.events))
	s.exporter.Set(telemetry.MetricEventsUnmatched, float64(s.counters.unmatched))
	s.exporter.Set(telemetry.MetricDedupeKept, float64(s.counters.kept))
	s.exporter.Set(telemetry.MetricDedupeSuppressed, float64(s.counters.suppressed))
	s.exporter.Set(telemetry.MetricChannelsSent, float64(s.counters.sent))
	s.exporter.Set(telemetry.MetricChannelsSkipped, float64(s.counters.skipped))
}

// Checkpoint persists dedupe state when it changed since the last save.
// The consumer calls this after every batch; the hourly tick calls it too.
func (s *Service) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := s.suppressor.Persist(s.statePath); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// RefreshViews rebuilds every projection artefact from the retained
// window. Builders run outside the ingest lock; only the snapshot copy is
// taken under it.
func (s *Service) RefreshViews(ctx context.Context) error {
	s.mu.Lock()
	deduped := make([]envelope.Matched, len(s.kept))
	copy(deduped, s.kept)
	s.mu.Unlock()

	sourcePath := s.paths.DedupedSnapshot()
	if err := fsjson.WriteAtomic(sourcePath, orEmptyMatched(deduped)); err != nil {
		return err
	}

	feedItems := projection.BuildFeed(deduped, s.feedLimit, nil)
	feedMetrics := projection.FeedMetricsFor(feedItems, sourcePath, s.feedLimit)
	if err := projection.WriteFeed(s.paths.FeedPath(), s.paths.FeedMetricsPath(), feedItems, feedMetrics); err != nil {
		return err
	}

	regView := s.regulator.Build(deduped)
	if err := s.regulator.Write(s.paths.RegulatorDir(), regView, sourcePath); err != nil {
		return err
	}
	invView := s.investor.Build(deduped)
	if err := s.investor.Write(s.paths.InvestorDir(), invView, sourcePath); err != nil {
		return err
	}
	pubView := s.public.Build(deduped)
	if err := s.public.Write(s.paths.PublicDir(), pubView, sourcePath, s.publicPath); err != nil {
		return err
	}

	if s.exporter != nil {
		s.exporter.Set(telemetry.MetricFeedItems, float64(len(feedItems)))
		s.exporter.Set(telemetry.MetricRegViolations, float64(len(regView.Violations)))
		s.exporter.Set(telemetry.MetricRegHeatmapAssets, float64(len(regView.Heatmap)))
		s.exporter.Set(telemetry.MetricInvWithTrajectory, float64(len(invView.Trajectory)))
		s.exporter.Set(telemetry.MetricInvWithCausal, float64(s.investor.CausalAssets()))
		s.exporter.Set(telemetry.MetricInvNewsItems, float64(invView.News.Total))
		s.exporter.Set(telemetry.MetricPublicItems, float64(len(pubView.Feed)))
		s.exporter.Set(telemetry.MetricPublicRegions, float64(len(pubView.Scores)))
		if err := s.exporter.WriteTextfile(s.paths.MetricsTextfile()); err != nil {
			s.logger.Warn("metrics textfile write failed", zap.Error(err))
		}
	}

	s.logger.Info("projections refreshed",
		zap.Int("alerts", len(deduped)),
		zap.Int("feed_items", len(feedItems)),
		zap.Int("violations", len(regView.Violations)),
	)
	return nil
}

// ResetDeliveryBudgets clears the router's per-run counters. The hourly
// tick calls this, so in service mode rate limits cap deliveries per
// rebuild interval.
func (s *Service) ResetDeliveryBudgets() {
	s.mu.Lock()
	s.router.ResetCounters()
	s.mu.Unlock()
}

// Paths exposes the artefact locations for the HTTP layer.
func (s *Service) Paths() ServicePaths { return s.paths }
