package telemetry

import (
	"bytes"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/fsjson"
)

// Gauge names exposed by the exporter. One gauge per pipeline aggregate;
// stage metrics files are the source of truth, the exporter only mirrors.
const (
	MetricEventsTotal       = "verdantis_events_total"
	MetricEventsUnmatched   = "verdantis_events_unmatched"
	MetricDedupeKept        = "verdantis_dedupe_kept"
	MetricDedupeSuppressed  = "verdantis_dedupe_suppressed"
	MetricChannelsSent      = "verdantis_channels_sent"
	MetricChannelsSkipped   = "verdantis_channels_skipped"
	MetricFeedItems         = "verdantis_feed_items"
	MetricRegViolations     = "verdantis_reg_violations"
	MetricRegHeatmapAssets  = "verdantis_reg_heatmap_assets"
	MetricInvWithTrajectory = "verdantis_inv_assets_with_trajectory"
	MetricInvWithCausal     = "verdantis_inv_assets_with_causal"
	MetricInvNewsItems      = "verdantis_inv_news_items"
	MetricPublicItems       = "verdantis_public_items"
	MetricPublicRegions     = "verdantis_public_regions"
	MetricBuildInfo         = "verdantis_build_info"
)

var gaugeHelp = map[string]string{
	MetricEventsTotal:       "Events entering the alerts pipeline.",
	MetricEventsUnmatched:   "Events that matched no subscription.",
	MetricDedupeKept:        "Events kept after dedupe and flap suppression.",
	MetricDedupeSuppressed:  "Events suppressed by dedupe and flap suppression.",
	MetricChannelsSent:      "Channel deliveries recorded as sent.",
	MetricChannelsSkipped:   "Channel deliveries skipped by limits or quiet hours.",
	MetricFeedItems:         "Items on the alerts feed.",
	MetricRegViolations:     "Open violations on the regulator view.",
	MetricRegHeatmapAssets:  "Assets on the regulator risk heatmap.",
	MetricInvWithTrajectory: "Assets with a risk trajectory on the investor view.",
	MetricInvWithCausal:     "Assets carrying a causal snapshot on the investor view.",
	MetricInvNewsItems:      "News items summarized for the investor view.",
	MetricPublicItems:       "Items on the public feed.",
	MetricPublicRegions:     "Regions aggregated on the public feed.",
	MetricBuildInfo:         "Always 1 while the exporter is alive.",
}

// StageMetricsPaths points the exporter at the per-stage metrics files.
// Empty entries are skipped.
type StageMetricsPaths struct {
	Filters   string
	Dedupe    string
	Channels  string
	Feed      string
	Regulator string
	Investor  string
	Public    string
}

// Exporter mirrors pipeline aggregates into a private Prometheus registry
// and renders them in the text exposition format.
type Exporter struct {
	registry *prometheus.Registry
	gauges   map[string]prometheus.Gauge
	logger   *zap.Logger
}

func NewExporter(logger *zap.Logger) *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge, len(gaugeHelp)),
		logger:   logger,
	}
	for name, help := range gaugeHelp {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		e.registry.MustRegister(g)
		e.gauges[name] = g
	}
	e.Set(MetricBuildInfo, 1)
	return e
}

// Set updates a gauge by its exported name. Unknown names are ignored.
func (e *Exporter) Set(name string, v float64) {
	if g, ok := e.gauges[name]; ok {
		g.Set(v)
	}
}

// CollectFiles refreshes the gauges from the stage metrics files. A missing
// or malformed file leaves its gauges at their previous values.
func (e *Exporter) CollectFiles(paths StageMetricsPaths) {
	if doc := e.readDoc(paths.Filters); doc != nil {
		e.setFrom(doc, "total_events", MetricEventsTotal)
		e.setFrom(doc, "unmatched", MetricEventsUnmatched)
	}
	if doc := e.readDoc(paths.Dedupe); doc != nil {
		e.setFrom(doc, "kept", MetricDedupeKept)
		e.setFrom(doc, "suppressed", MetricDedupeSuppressed)
	}
	if doc := e.readDoc(paths.Channels); doc != nil {
		e.setFrom(doc, "sent", MetricChannelsSent)
		e.setFrom(doc, "skipped", MetricChannelsSkipped)
	}
	if doc := e.readDoc(paths.Feed); doc != nil {
		e.setFrom(doc, "count", MetricFeedItems)
	}
	if doc := e.readDoc(paths.Regulator); doc != nil {
		e.setFrom(doc, "violations", MetricRegViolations)
		e.setFrom(doc, "heatmap_assets", MetricRegHeatmapAssets)
	}
	if doc := e.readDoc(paths.Investor); doc != nil {
		e.setFrom(doc, "assets_with_trajectory", MetricInvWithTrajectory)
		e.setFrom(doc, "assets_with_causal", MetricInvWithCausal)
		e.setFrom(doc, "news_items", MetricInvNewsItems)
	}
	if doc := e.readDoc(paths.Public); doc != nil {
		e.setFrom(doc, "feed_items", MetricPublicItems)
		e.setFrom(doc, "regions", MetricPublicRegions)
	}
}

func (e *Exporter) readDoc(path string) map[string]any {
	if path == "" {
		return nil
	}
	var doc map[string]any
	if err := fsjson.Read(path, &doc); err != nil {
		e.logger.Debug("stage metrics unavailable", zap.String("path", path), zap.Error(err))
		return nil
	}
	return doc
}

func (e *Exporter) setFrom(doc map[string]any, key string, metric string) {
	if v, ok := doc[key].(float64); ok {
		e.Set(metric, v)
	}
}

// Render returns the registry contents in the Prometheus text format.
func (e *Exporter) Render() ([]byte, error) {
	mfs, err := e.registry.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// WriteTextfile renders the registry and writes it atomically, in the
// layout the node_exporter textfile collector expects.
func (e *Exporter) WriteTextfile(path string) error {
	data, err := e.Render()
	if err != nil {
		return err
	}
	return fsjson.WriteAtomicBytes(path, data)
}

// Handler serves the live registry over HTTP.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// FileHandler serves a previously written metrics textfile. Scrapers that
// target the CLI output hit this instead of a live registry.
func FileHandler(path string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		data, err := os.ReadFile(path)
		if err != nil {
			http.Error(w, "metrics file not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		_, _ = w.Write(data)
	})
}

type channelAttemptLine struct {
	SubscriptionID string `json:"subscription_id"`
	RouteID        string `json:"route_id"`
	ChannelID      string `json:"channel_id"`
	EventID        string `json:"event_id"`
	Status         string `json:"status"`
	Reason         string `json:"reason"`
	Info           string `json:"info"`
	OutPath        string `json:"out_path"`
}

// IngestChannelAttempts replays a channel results file into the structured
// log, one line per delivery attempt. Returns the number of lines written.
func IngestChannelAttempts(path string, logger *zap.Logger) int {
	var attempts []channelAttemptLine
	if err := fsjson.Read(path, &attempts); err != nil {
		logger.Warn("channel results unavailable", zap.String("path", path), zap.Error(err))
		return 0
	}
	log := logger.Named("channels")
	for _, a := range attempts {
		log.Info("channel_attempt", Ctx(
			zap.String("subscription_id", a.SubscriptionID),
			zap.String("route_id", a.RouteID),
			zap.String("channel_id", a.ChannelID),
			zap.String("event_id", a.EventID),
			zap.String("status", a.Status),
			zap.String("reason", a.Reason),
			zap.String("info", a.Info),
			zap.String("out_path", a.OutPath),
		)...)
	}
	return len(attempts)
}

type auditRequestLine struct {
	RequestID string  `json:"request_id"`
	User      string  `json:"user"`
	Role      string  `json:"role"`
	AssetID   *string `json:"asset_id"`
	BundleID  *string `json:"bundle_id"`
	Status    string  `json:"status"`
}

// IngestAuditRequests replays the audit request log into the structured
// log. Returns the number of lines written.
func IngestAuditRequests(path string, logger *zap.Logger) int {
	var reqs []auditRequestLine
	if err := fsjson.Read(path, &reqs); err != nil {
		logger.Warn("audit requests unavailable", zap.String("path", path), zap.Error(err))
		return 0
	}
	log := logger.Named("regulator")
	for _, r := range reqs {
		log.Info("audit_request", Ctx(
			zap.String("request_id", r.RequestID),
			zap.String("user", r.User),
			zap.String("role", r.Role),
			zap.Stringp("asset_id", r.AssetID),
			zap.Stringp("bundle_id", r.BundleID),
			zap.String("status", r.Status),
		)...)
	}
	return len(reqs)
}
