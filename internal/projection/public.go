package projection

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/fsjson"
)

// PublicPolicy controls what the public feed may reveal.
type PublicPolicy struct {
	MinSeverity          string   `json:"min_severity"`
	MaxItems             int      `json:"max_items"`
	VisibleFields        []string `json:"visible_fields"`
	AnonymizeAssetID     bool     `json:"anonymize_asset_id"`
	IncludeAssetIDField  bool     `json:"include_asset_id_field"`
	AssetPseudonymPrefix string   `json:"asset_pseudonym_prefix"`
	CoordsRoundDecimals  int      `json:"coords_round_decimals"`
}

// Regionalization maps AOIs onto coarse public regions.
type Regionalization struct {
	AOIToRegion    map[string]string `json:"aoi_to_region"`
	FallbackRegion string            `json:"fallback_region"`
}

// PublicConfig is the full public portal policy file.
type PublicConfig struct {
	Policy          PublicPolicy    `json:"policy"`
	Regionalization Regionalization `json:"regionalization"`
}

// DefaultPublicConfig returns the conservative baseline policy: medium
// floor, pseudonymised assets withheld, and only coarse visible fields.
func DefaultPublicConfig() PublicConfig {
	return PublicConfig{
		Policy: PublicPolicy{
			MinSeverity:          envelope.SeverityMedium,
			MaxItems:             200,
			VisibleFields:        []string{"ts", "topic", "severity", "aoi_id", "region"},
			AnonymizeAssetID:     true,
			IncludeAssetIDField:  false,
			AssetPseudonymPrefix: "asset_",
			CoordsRoundDecimals:  0,
		},
		Regionalization: Regionalization{
			AOIToRegion:    map[string]string{},
			FallbackRegion: "Unknown",
		},
	}
}

// LoadPublicConfig reads the portal policy file, with absent keys keeping
// their defaults.
func LoadPublicConfig(path string) (PublicConfig, error) {
	cfg := DefaultPublicConfig()
	if err := fsjson.Read(path, &cfg); err != nil {
		return PublicConfig{}, fmt.Errorf("load public config: %w", err)
	}
	return cfg, nil
}

// PublicView bundles the public artefacts built from one deduped stream.
type PublicView struct {
	Feed   []map[string]any
	Scores map[string]map[string]int
}

// PublicMetrics summarises one public build.
type PublicMetrics struct {
	BuiltAt    string           `json:"built_at"`
	FeedItems  int              `json:"feed_items"`
	Regions    int              `json:"regions"`
	Config     PublicPolicyEcho `json:"config"`
	Source     string           `json:"source"`
	PolicyPath string           `json:"policy_path"`
}

// PublicPolicyEcho repeats the effective policy knobs inside metrics so a
// published feed is auditable against the policy that produced it.
type PublicPolicyEcho struct {
	MinSeverity         string   `json:"min_severity"`
	MaxItems            int      `json:"max_items"`
	VisibleFields       []string `json:"visible_fields"`
	AnonymizeAssetID    bool     `json:"anonymize_asset_id"`
	IncludeAssetIDField bool     `json:"include_asset_id_field"`
}

// PublicBuilder builds the masked public view. The pseudonymisation secret
// is fixed per process.
type PublicBuilder struct {
	cfg    PublicConfig
	secret []byte
	logger *zap.Logger
	now    func() time.Time
}

// NewPublicBuilder returns a builder applying cfg with the given
// pseudonymisation secret.
func NewPublicBuilder(cfg PublicConfig, secret string, logger *zap.Logger) *PublicBuilder {
	return &PublicBuilder{cfg: cfg, secret: []byte(secret), logger: logger, now: time.Now}
}

// MaskAssetID derives a stable pseudonym for an asset id: the unpadded
// urlsafe base64 of the first 8 bytes of HMAC-SHA256(secret, asset_id).
func (b *PublicBuilder) MaskAssetID(assetID string) string {
	if assetID == "" {
		return ""
	}
	mac := hmac.New(sha256.New, b.secret)
	mac.Write([]byte(assetID))
	digest := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(digest[:8])
}

// Region resolves an AOI onto its public region, falling back for unknown
// or absent AOIs.
func (b *PublicBuilder) Region(aoiID string) string {
	if aoiID == "" {
		return b.cfg.Regionalization.FallbackRegion
	}
	if region, ok := b.cfg.Regionalization.AOIToRegion[aoiID]; ok {
		return region
	}
	return b.cfg.Regionalization.FallbackRegion
}

// Build filters the deduped stream by the severity floor, sanitizes each
// kept event, sorts newest first, truncates, and aggregates severity counts
// per region over the final feed.
func (b *PublicBuilder) Build(deduped []envelope.Matched) PublicView {
	feed := make([]map[string]any, 0)
	for _, rec := range deduped {
		sev := envelope.NormalizeSeverity(rec.Event.Severity)
		if !envelope.SeverityAtLeast(sev, b.cfg.Policy.MinSeverity) {
			continue
		}
		feed = append(feed, b.sanitize(rec))
	}
	sort.SliceStable(feed, func(i, j int) bool {
		return itemString(feed[i], "ts") > itemString(feed[j], "ts")
	})
	if b.cfg.Policy.MaxItems > 0 && len(feed) > b.cfg.Policy.MaxItems {
		feed = feed[:b.cfg.Policy.MaxItems]
	}

	scores := map[string]map[string]int{}
	for _, item := range feed {
		region := itemString(item, "region")
		if region == "" {
			region = b.cfg.Regionalization.FallbackRegion
		}
		sev := itemString(item, "severity")
		if sev == "" {
			sev = envelope.SeverityInfo
		}
		if scores[region] == nil {
			scores[region] = map[string]int{}
		}
		scores[region][sev]++
	}
	return PublicView{Feed: feed, Scores: scores}
}

// sanitize builds the public-safe record for one matched event. The
// whitelist is enforced after assembly, so nothing outside visible_fields
// (plus the optional pseudonymised asset id) can leak through.
func (b *PublicBuilder) sanitize(rec envelope.Matched) map[string]any {
	ev := rec.Event
	item := map[string]any{
		"ts":       safeTS(ev.TS, b.now),
		"topic":    nilIfEmpty(ev.Topic),
		"severity": nilIfEmpty(ev.Severity),
		"aoi_id":   nilIfEmpty(ev.AOIID),
		"region":   b.Region(ev.AOIID),
	}
	if b.cfg.Policy.IncludeAssetIDField {
		if b.cfg.Policy.AnonymizeAssetID {
			if pseudo := b.MaskAssetID(ev.AssetID); pseudo != "" {
				item["asset_id"] = b.cfg.Policy.AssetPseudonymPrefix + pseudo
			} else {
				item["asset_id"] = nil
			}
		} else {
			item["asset_id"] = nilIfEmpty(ev.AssetID)
		}
	}

	keep := make(map[string]struct{}, len(b.cfg.Policy.VisibleFields)+1)
	for _, f := range b.cfg.Policy.VisibleFields {
		keep[f] = struct{}{}
	}
	if b.cfg.Policy.IncludeAssetIDField {
		keep["asset_id"] = struct{}{}
	}
	for k := range item {
		if _, ok := keep[k]; !ok {
			delete(item, k)
		}
	}
	return item
}

// Write persists the public artefacts and their metrics under outDir.
// sourcePath and policyPath are echoed into metrics.
func (b *PublicBuilder) Write(outDir string, view PublicView, sourcePath, policyPath string) error {
	if err := fsjson.WriteAtomic(filepath.Join(outDir, "public_feed.json"), view.Feed); err != nil {
		return err
	}
	if err := fsjson.WriteAtomic(filepath.Join(outDir, "public_scores.json"), view.Scores); err != nil {
		return err
	}
	metrics := PublicMetrics{
		BuiltAt:   b.now().UTC().Format(time.RFC3339),
		FeedItems: len(view.Feed),
		Regions:   len(view.Scores),
		Config: PublicPolicyEcho{
			MinSeverity:         b.cfg.Policy.MinSeverity,
			MaxItems:            b.cfg.Policy.MaxItems,
			VisibleFields:       b.cfg.Policy.VisibleFields,
			AnonymizeAssetID:    b.cfg.Policy.AnonymizeAssetID,
			IncludeAssetIDField: b.cfg.Policy.IncludeAssetIDField,
		},
		Source:     sourcePath,
		PolicyPath: policyPath,
	}
	if err := fsjson.WriteAtomic(filepath.Join(outDir, "metrics.json"), metrics); err != nil {
		return err
	}
	b.logger.Info("public view built",
		zap.Int("feed_items", len(view.Feed)),
		zap.Int("regions", len(view.Scores)))
	return nil
}

func itemString(item map[string]any, key string) string {
	s, _ := item[key].(string)
	return s
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
