package projection

import (
	"math"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/fsjson"
)

// rollWindow is the trailing window for the rolling risk mean, in days.
const rollWindow = 7

// TrajectoryPoint is one day of aggregated risk for an asset.
type TrajectoryPoint struct {
	Date      string  `json:"date"`
	RiskScore int     `json:"risk_score"`
	RiskRoll7 float64 `json:"risk_roll7"`
}

// AssetTrajectory is the date-ordered daily risk series for one asset.
type AssetTrajectory struct {
	AssetID string            `json:"asset_id"`
	Series  []TrajectoryPoint `json:"series"`
}

// ROILink ranks one asset by its risk-derived return proxy. A falling risk
// trend reads as a rising return outlook.
type ROILink struct {
	AssetID        string             `json:"asset_id"`
	RiskTrend      float64            `json:"risk_trend"`
	ROIProxy       float64            `json:"roi_proxy"`
	CausalSnapshot map[string]float64 `json:"causal_snapshot,omitempty"`
}

// NewsSummary counts scored articles by sentiment label.
type NewsSummary struct {
	Total   int            `json:"total"`
	ByLabel map[string]int `json:"by_label"`
}

// InvestorView bundles the investor artefacts built from one deduped stream.
type InvestorView struct {
	Trajectory []AssetTrajectory
	Linkage    []ROILink
	News       NewsSummary
}

// InvestorMetrics summarises one investor build.
type InvestorMetrics struct {
	BuiltAt              string          `json:"built_at"`
	AssetsWithTrajectory int             `json:"assets_with_trajectory"`
	AssetsWithCausal     int             `json:"assets_with_causal"`
	NewsItems            int             `json:"news_items"`
	Sources              InvestorSources `json:"sources"`
}

// InvestorSources echoes the input paths a build consumed.
type InvestorSources struct {
	DedupedEvents   string  `json:"deduped_events"`
	CausalSeriesDir *string `json:"causal_series_dir"`
	NewsJSON        *string `json:"news_json"`
}

// InvestorOptions points at the optional enrichment inputs.
type InvestorOptions struct {
	CausalSeriesDir string
	NewsPath        string
}

// InvestorBuilder builds the investor portal view. Enrichment is loaded
// once at construction.
type InvestorBuilder struct {
	opts   InvestorOptions
	causal map[string]map[string]CausalSeries
	news   []map[string]any
	logger *zap.Logger
	now    func() time.Time
}

// NewInvestorBuilder loads the optional causal series and news inputs and
// returns a builder ready to project deduped streams.
func NewInvestorBuilder(opts InvestorOptions, logger *zap.Logger) *InvestorBuilder {
	return &InvestorBuilder{
		opts:   opts,
		causal: LoadCausalSeries(opts.CausalSeriesDir, logger),
		news:   LoadNews(opts.NewsPath, logger),
		logger: logger,
		now:    time.Now,
	}
}

// CausalAssets reports how many assets carry a loaded causal series.
func (b *InvestorBuilder) CausalAssets() int { return len(b.causal) }

// Build projects the deduped stream into the investor view.
func (b *InvestorBuilder) Build(deduped []envelope.Matched) InvestorView {
	traj := b.BuildTrajectory(deduped)
	return InvestorView{
		Trajectory: traj,
		Linkage:    b.BuildLinkage(traj),
		News:       b.SummarizeNews(),
	}
}

// BuildTrajectory groups events by asset and UTC day, sums severity weights
// per day, and attaches the trailing rolling mean. Assets order by their
// most recent rolling value, riskiest first. Events without an asset id are
// out of scope; events without a severity count as low.
func (b *InvestorBuilder) BuildTrajectory(deduped []envelope.Matched) []AssetTrajectory {
	order := make([]string, 0)
	daily := map[string]map[string]int{}
	for _, rec := range deduped {
		ev := rec.Event
		if ev.AssetID == "" {
			continue
		}
		byDate := daily[ev.AssetID]
		if byDate == nil {
			byDate = map[string]int{}
			daily[ev.AssetID] = byDate
			order = append(order, ev.AssetID)
		}
		sev := ev.Severity
		if sev == "" {
			sev = envelope.SeverityLow
		}
		byDate[eventDate(ev.TS, b.now)] += envelope.SeverityWeight(sev)
	}

	result := make([]AssetTrajectory, 0, len(order))
	for _, asset := range order {
		byDate := daily[asset]
		dates := make([]string, 0, len(byDate))
		for d := range byDate {
			dates = append(dates, d)
		}
		sort.Strings(dates)
		vals := make([]int, len(dates))
		for i, d := range dates {
			vals[i] = byDate[d]
		}
		roll := rollingMean(vals, rollWindow)
		series := make([]TrajectoryPoint, len(dates))
		for i, d := range dates {
			series[i] = TrajectoryPoint{Date: d, RiskScore: vals[i], RiskRoll7: roll[i]}
		}
		result = append(result, AssetTrajectory{AssetID: asset, Series: series})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return lastRoll(result[i]) > lastRoll(result[j])
	})
	return result
}

// BuildLinkage derives the ROI proxy per asset from its rolling series:
// trend is last minus first rolling value and the proxy is its negation.
// Assets with causal series get a snapshot of each metric's latest value.
func (b *InvestorBuilder) BuildLinkage(traj []AssetTrajectory) []ROILink {
	out := make([]ROILink, 0, len(traj))
	for _, row := range traj {
		trend := 0.0
		if n := len(row.Series); n > 0 {
			trend = row.Series[n-1].RiskRoll7 - row.Series[0].RiskRoll7
		}
		link := ROILink{
			AssetID:   row.AssetID,
			RiskTrend: round3(trend),
			ROIProxy:  round3(-trend),
		}
		if byMetric, ok := b.causal[row.AssetID]; ok {
			snapshot := map[string]float64{}
			for metric, series := range byMetric {
				if n := len(series.Y); n > 0 {
					snapshot[metric] = series.Y[n-1]
				}
			}
			if len(snapshot) > 0 {
				link.CausalSnapshot = snapshot
			}
		}
		out = append(out, link)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ROIProxy > out[j].ROIProxy })
	return out
}

// SummarizeNews tallies loaded articles by their sentiment label. Articles
// without a "sentiment" or "label" key count as neutral.
func (b *InvestorBuilder) SummarizeNews() NewsSummary {
	summary := NewsSummary{ByLabel: map[string]int{}}
	for _, item := range b.news {
		label, _ := item["sentiment"].(string)
		if label == "" {
			label, _ = item["label"].(string)
		}
		if label == "" {
			label = "neutral"
		}
		summary.ByLabel[label]++
		summary.Total++
	}
	return summary
}

// Write persists the investor artefacts and their metrics under outDir.
// sourcePath is the deduped input path echoed into metrics.
func (b *InvestorBuilder) Write(outDir string, view InvestorView, sourcePath string) error {
	if err := fsjson.WriteAtomic(filepath.Join(outDir, "risk_trajectory.json"), view.Trajectory); err != nil {
		return err
	}
	if err := fsjson.WriteAtomic(filepath.Join(outDir, "esg_roi_linkage.json"), view.Linkage); err != nil {
		return err
	}
	if err := fsjson.WriteAtomic(filepath.Join(outDir, "news_sentiment.json"), view.News); err != nil {
		return err
	}
	metrics := InvestorMetrics{
		BuiltAt:              b.now().UTC().Format(time.RFC3339),
		AssetsWithTrajectory: len(view.Trajectory),
		AssetsWithCausal:     len(b.causal),
		NewsItems:            view.News.Total,
		Sources: InvestorSources{
			DedupedEvents:   sourcePath,
			CausalSeriesDir: strPtr(b.opts.CausalSeriesDir),
			NewsJSON:        strPtr(b.opts.NewsPath),
		},
	}
	if err := fsjson.WriteAtomic(filepath.Join(outDir, "metrics.json"), metrics); err != nil {
		return err
	}
	b.logger.Info("investor view built",
		zap.Int("assets_with_trajectory", len(view.Trajectory)),
		zap.Int("assets_with_causal", len(b.causal)),
		zap.Int("news_items", view.News.Total))
	return nil
}

// eventDate is the UTC calendar day of an event timestamp, today when the
// timestamp is unparseable.
func eventDate(ts string, now func() time.Time) string {
	if t, ok := envelope.ParseTS(ts); ok {
		return t.UTC().Format(time.DateOnly)
	}
	return now().UTC().Format(time.DateOnly)
}

// rollingMean returns the trailing mean over at most window values; the
// window grows from 1 until it is full.
func rollingMean(vals []int, window int) []float64 {
	out := make([]float64, 0, len(vals))
	sum := 0
	for i, v := range vals {
		sum += v
		if i >= window {
			sum -= vals[i-window]
		}
		n := i + 1
		if n > window {
			n = window
		}
		out = append(out, round3(float64(sum)/float64(n)))
	}
	return out
}

func lastRoll(t AssetTrajectory) float64 {
	if len(t.Series) == 0 {
		return 0
	}
	return t.Series[len(t.Series)-1].RiskRoll7
}

// round3 rounds to three decimals and never returns negative zero.
func round3(v float64) float64 {
	r := math.Round(v*1000) / 1000
	if r == 0 {
		return 0
	}
	return r
}
