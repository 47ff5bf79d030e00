package projection

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/fsjson"
)

// TopicPolicyEnforcement marks events raised by the policy engine; only
// these can surface as open violations.
const TopicPolicyEnforcement = "policy.enforcement"

// Violation is one open enforcement finding on the regulator portal.
type Violation struct {
	ID       string         `json:"id"`
	TS       string         `json:"ts"`
	Title    string         `json:"title"`
	Severity string         `json:"severity"`
	AssetID  *string        `json:"asset_id"`
	AOIID    *string        `json:"aoi_id"`
	RuleType *string        `json:"rule_type"`
	Topic    string         `json:"topic"`
	Payload  map[string]any `json:"payload"`
	BundleID *string        `json:"bundle_id"`
}

// HeatmapCell aggregates severity-weighted risk for one asset.
type HeatmapCell struct {
	AssetID   string   `json:"asset_id"`
	RiskScore int      `json:"risk_score"`
	OpenCount int      `json:"open_count"`
	LastTS    string   `json:"last_ts"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
}

// RegulatorView bundles the two regulator artefacts built from one deduped
// stream.
type RegulatorView struct {
	Violations []Violation
	Heatmap    []HeatmapCell
}

// RegulatorMetrics summarises one regulator build.
type RegulatorMetrics struct {
	BuiltAt       string           `json:"built_at"`
	Violations    int              `json:"violations"`
	HeatmapAssets int              `json:"heatmap_assets"`
	Sources       RegulatorSources `json:"sources"`
}

// RegulatorSources echoes the input paths a build consumed.
type RegulatorSources struct {
	DedupedEvents string  `json:"deduped_events"`
	AssetsGeoJSON *string `json:"assets_geojson"`
	BundlesIndex  *string `json:"bundles_index"`
}

// RegulatorOptions points at the optional enrichment inputs.
type RegulatorOptions struct {
	AssetsGeoJSONPath string
	BundlesIndexPath  string
}

// RegulatorBuilder builds the regulator portal view. Enrichment is loaded
// once at construction.
type RegulatorBuilder struct {
	opts    RegulatorOptions
	locs    map[string]Location
	bundles map[string]struct{}
	logger  *zap.Logger
	now     func() time.Time
}

// NewRegulatorBuilder loads the optional enrichment inputs and returns a
// builder ready to project deduped streams.
func NewRegulatorBuilder(opts RegulatorOptions, logger *zap.Logger) *RegulatorBuilder {
	return &RegulatorBuilder{
		opts:    opts,
		locs:    LoadAssetLocations(opts.AssetsGeoJSONPath, logger),
		bundles: LoadBundleIDs(opts.BundlesIndexPath, logger),
		logger:  logger,
		now:     time.Now,
	}
}

// IsOpenViolation reports whether an event is an unacknowledged policy
// enforcement finding of at least medium severity.
func IsOpenViolation(ev envelope.Event) bool {
	if ev.Topic != TopicPolicyEnforcement {
		return false
	}
	if envelope.SeverityRank(ev.Severity) < envelope.SeverityRank(envelope.SeverityMedium) {
		return false
	}
	return !ev.Acknowledged
}

// Build projects the deduped stream into the regulator view.
func (b *RegulatorBuilder) Build(deduped []envelope.Matched) RegulatorView {
	return RegulatorView{
		Violations: b.buildOpenViolations(deduped),
		Heatmap:    b.buildHeatmap(deduped),
	}
}

func (b *RegulatorBuilder) buildOpenViolations(deduped []envelope.Matched) []Violation {
	out := make([]Violation, 0)
	for idx, rec := range deduped {
		ev := rec.Event
		if !IsOpenViolation(ev) {
			continue
		}
		id := ev.ID
		if id == "" {
			id = fmt.Sprintf("v_%d", idx)
		}
		v := Violation{
			ID:       id,
			TS:       safeTS(ev.TS, b.now),
			Title:    alertTitle(rec.SubscriptionID, ev),
			Severity: ev.Severity,
			AssetID:  strPtr(ev.AssetID),
			AOIID:    strPtr(ev.AOIID),
			RuleType: strPtr(ev.RuleType),
			Topic:    ev.Topic,
			Payload:  payloadOrEmpty(ev),
		}
		if bid, ok := ev.Payload["bundle_id"].(string); ok && bid != "" {
			v.BundleID = &bid
		}
		// A loaded bundle index invalidates references it does not contain.
		if v.BundleID != nil && b.bundles != nil {
			if _, ok := b.bundles[*v.BundleID]; !ok {
				v.BundleID = nil
			}
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS > out[j].TS })
	return out
}

func (b *RegulatorBuilder) buildHeatmap(deduped []envelope.Matched) []HeatmapCell {
	type acc struct {
		risk  int
		count int
		last  string
	}
	order := make([]string, 0)
	agg := map[string]*acc{}
	for _, rec := range deduped {
		ev := rec.Event
		if ev.AssetID == "" {
			continue
		}
		ent := agg[ev.AssetID]
		if ent == nil {
			ent = &acc{}
			agg[ev.AssetID] = ent
			order = append(order, ev.AssetID)
		}
		ent.risk += envelope.SeverityWeight(ev.Severity)
		ent.count++
		if ts := safeTS(ev.TS, b.now); ent.last == "" || ts > ent.last {
			ent.last = ts
		}
	}

	cells := make([]HeatmapCell, 0, len(order))
	for _, asset := range order {
		ent := agg[asset]
		cell := HeatmapCell{
			AssetID:   asset,
			RiskScore: ent.risk,
			OpenCount: ent.count,
			LastTS:    ent.last,
		}
		if loc, ok := b.locs[asset]; ok {
			lat, lon := loc.Lat, loc.Lon
			cell.Lat = &lat
			cell.Lon = &lon
		}
		cells = append(cells, cell)
	}
	sort.SliceStable(cells, func(i, j int) bool {
		if cells[i].RiskScore != cells[j].RiskScore {
			return cells[i].RiskScore > cells[j].RiskScore
		}
		return cells[i].OpenCount > cells[j].OpenCount
	})
	return cells
}

// Write persists the regulator artefacts and their metrics under outDir.
// sourcePath is the deduped input path echoed into metrics.
func (b *RegulatorBuilder) Write(outDir string, view RegulatorView, sourcePath string) error {
	if err := fsjson.WriteAtomic(filepath.Join(outDir, "open_violations.json"), view.Violations); err != nil {
		return err
	}
	if err := fsjson.WriteAtomic(filepath.Join(outDir, "heatmap.json"), view.Heatmap); err != nil {
		return err
	}
	metrics := RegulatorMetrics{
		BuiltAt:       b.now().UTC().Format(time.RFC3339),
		Violations:    len(view.Violations),
		HeatmapAssets: len(view.Heatmap),
		Sources: RegulatorSources{
			DedupedEvents: sourcePath,
			AssetsGeoJSON: strPtr(b.opts.AssetsGeoJSONPath),
			BundlesIndex:  strPtr(b.opts.BundlesIndexPath),
		},
	}
	if err := fsjson.WriteAtomic(filepath.Join(outDir, "metrics.json"), metrics); err != nil {
		return err
	}
	b.logger.Info("regulator view built",
		zap.Int("violations", len(view.Violations)),
		zap.Int("heatmap_assets", len(view.Heatmap)))
	return nil
}

// AuditRequest is one queued request for an evidence audit pack.
type AuditRequest struct {
	RequestID string  `json:"request_id"`
	TS        string  `json:"ts"`
	User      string  `json:"user"`
	Role      string  `json:"role"`
	AssetID   *string `json:"asset_id"`
	BundleID  *string `json:"bundle_id"`
	Reason    *string `json:"reason"`
	Status    string  `json:"status"`
}

// AppendAuditRequest appends a queued audit-pack request to the log at path,
// preserving prior history. The read-modify-write cycle holds an exclusive
// file lock so concurrent requesters serialize. Returns the new request id.
func AppendAuditRequest(path, user, role, assetID, bundleID, reason string, now func() time.Time) (string, error) {
	if now == nil {
		now = time.Now
	}
	ts := now().UTC()
	req := AuditRequest{
		RequestID: fmt.Sprintf("req_%d", ts.Unix()),
		TS:        ts.Format(time.RFC3339),
		User:      user,
		Role:      role,
		AssetID:   strPtr(assetID),
		BundleID:  strPtr(bundleID),
		Reason:    strPtr(reason),
		Status:    "queued",
	}
	err := fsjson.WithLock(path, func() error {
		var log []AuditRequest
		if err := fsjson.Read(path, &log); err != nil {
			// Missing or corrupt history starts a fresh log.
			log = nil
		}
		log = append(log, req)
		return fsjson.WriteAtomic(path, log)
	})
	if err != nil {
		return "", fmt.Errorf("append audit request: %w", err)
	}
	return req.RequestID, nil
}
