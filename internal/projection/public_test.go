package projection

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/fsjson"
)

func newTestPublicBuilder(t *testing.T, cfg PublicConfig) *PublicBuilder {
	t.Helper()
	b := NewPublicBuilder(cfg, "test-secret", zaptest.NewLogger(t))
	b.now = fixedClock()
	return b
}

func itemKeys(item map[string]any) []string {
	keys := make([]string, 0, len(item))
	for k := range item {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func TestPublicRedaction(t *testing.T) {
	cfg := DefaultPublicConfig()
	cfg.Policy.VisibleFields = []string{"ts", "topic", "severity", "region"}
	cfg.Policy.IncludeAssetIDField = false
	b := newTestPublicBuilder(t, cfg)

	view := b.Build([]envelope.Matched{
		matchedRec("s", envelope.Event{
			ID: "e1", TS: "2025-08-25T09:00:00Z", Topic: TopicPolicyEnforcement,
			Severity: envelope.SeverityHigh, AssetID: "plant_42",
			Payload: map[string]any{"secret": "x"},
		}),
	})

	require.Len(t, view.Feed, 1)
	assert.Equal(t, []string{"region", "severity", "topic", "ts"}, itemKeys(view.Feed[0]))
}

func TestPublicSeverityFloor(t *testing.T) {
	cfg := DefaultPublicConfig()
	b := newTestPublicBuilder(t, cfg)

	view := b.Build([]envelope.Matched{
		matchedRec("s", envelope.Event{TS: "2025-08-25T09:00:00Z", Topic: "t", Severity: envelope.SeverityLow}),
		matchedRec("s", envelope.Event{TS: "2025-08-25T09:01:00Z", Topic: "t", Severity: envelope.SeverityMedium}),
		matchedRec("s", envelope.Event{TS: "2025-08-25T09:02:00Z", Topic: "t", Severity: envelope.SeverityCritical}),
	})
	require.Len(t, view.Feed, 2)
	assert.Equal(t, "critical", view.Feed[0]["severity"])
	assert.Equal(t, "medium", view.Feed[1]["severity"])
}

func TestPublicPseudonym(t *testing.T) {
	cfg := DefaultPublicConfig()
	cfg.Policy.IncludeAssetIDField = true
	cfg.Policy.VisibleFields = []string{"ts", "severity", "region"}
	b := newTestPublicBuilder(t, cfg)

	rec := matchedRec("s", envelope.Event{
		TS: "2025-08-25T09:00:00Z", Topic: "t", Severity: envelope.SeverityHigh, AssetID: "plant_42",
	})
	view := b.Build([]envelope.Matched{rec})
	require.Len(t, view.Feed, 1)

	pseudo, ok := view.Feed[0]["asset_id"].(string)
	require.True(t, ok, "asset_id survives the whitelist when include_asset_id_field is set")
	assert.True(t, strings.HasPrefix(pseudo, "asset_"))
	assert.NotContains(t, pseudo, "=")
	assert.NotContains(t, pseudo, "plant_42")

	// Stable across builds with the same secret.
	again := b.Build([]envelope.Matched{rec})
	assert.Equal(t, pseudo, again.Feed[0]["asset_id"])

	// A different secret yields a different pseudonym.
	other := NewPublicBuilder(cfg, "other-secret", zaptest.NewLogger(t))
	other.now = fixedClock()
	otherView := other.Build([]envelope.Matched{rec})
	assert.NotEqual(t, pseudo, otherView.Feed[0]["asset_id"])

	// Distinct assets map to distinct pseudonyms.
	assert.NotEqual(t, b.MaskAssetID("plant_42"), b.MaskAssetID("plant_43"))
}

func TestPublicPseudonym_Disabled(t *testing.T) {
	cfg := DefaultPublicConfig()
	cfg.Policy.IncludeAssetIDField = true
	cfg.Policy.AnonymizeAssetID = false
	b := newTestPublicBuilder(t, cfg)

	view := b.Build([]envelope.Matched{
		matchedRec("s", envelope.Event{TS: "2025-08-25T09:00:00Z", Severity: envelope.SeverityHigh, AssetID: "plant_42"}),
	})
	require.Len(t, view.Feed, 1)
	assert.Equal(t, "plant_42", view.Feed[0]["asset_id"])
}

func TestPublicRegions(t *testing.T) {
	cfg := DefaultPublicConfig()
	cfg.Regionalization.AOIToRegion = map[string]string{"aoi_1": "Alpine Foreland"}
	cfg.Regionalization.FallbackRegion = "Elsewhere"
	b := newTestPublicBuilder(t, cfg)

	view := b.Build([]envelope.Matched{
		matchedRec("s", envelope.Event{TS: "2025-08-25T09:00:00Z", Severity: envelope.SeverityHigh, AOIID: "aoi_1"}),
		matchedRec("s", envelope.Event{TS: "2025-08-25T09:01:00Z", Severity: envelope.SeverityMedium, AOIID: "aoi_9"}),
		matchedRec("s", envelope.Event{TS: "2025-08-25T09:02:00Z", Severity: envelope.SeverityMedium}),
	})
	require.Len(t, view.Feed, 3)

	assert.Equal(t, map[string]map[string]int{
		"Alpine Foreland": {"high": 1},
		"Elsewhere":       {"medium": 2},
	}, view.Scores)
}

func TestPublicMaxItems(t *testing.T) {
	cfg := DefaultPublicConfig()
	cfg.Policy.MaxItems = 2
	b := newTestPublicBuilder(t, cfg)

	var deduped []envelope.Matched
	for _, ts := range []string{
		"2025-08-25T09:00:00Z",
		"2025-08-25T09:02:00Z",
		"2025-08-25T09:01:00Z",
		"2025-08-25T09:03:00Z",
	} {
		deduped = append(deduped, matchedRec("s", envelope.Event{TS: ts, Severity: envelope.SeverityHigh}))
	}

	view := b.Build(deduped)
	require.Len(t, view.Feed, 2)
	assert.Equal(t, "2025-08-25T09:03:00Z", view.Feed[0]["ts"])
	assert.Equal(t, "2025-08-25T09:02:00Z", view.Feed[1]["ts"])

	// Aggregates run over the truncated feed, not the raw stream.
	assert.Equal(t, 2, view.Scores[cfg.Regionalization.FallbackRegion]["high"])
}

func TestLoadPublicConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "public.json")
	require.NoError(t, fsjson.WriteAtomic(path, map[string]any{
		"policy": map[string]any{"min_severity": "low"},
	}))

	cfg, err := LoadPublicConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "low", cfg.Policy.MinSeverity)
	assert.Equal(t, 200, cfg.Policy.MaxItems)
	assert.Equal(t, []string{"ts", "topic", "severity", "aoi_id", "region"}, cfg.Policy.VisibleFields)
	assert.True(t, cfg.Policy.AnonymizeAssetID)
	assert.False(t, cfg.Policy.IncludeAssetIDField)
	assert.Equal(t, "asset_", cfg.Policy.AssetPseudonymPrefix)
	assert.Equal(t, "Unknown", cfg.Regionalization.FallbackRegion)
}

func TestLoadPublicConfig_Missing(t *testing.T) {
	_, err := LoadPublicConfig("/nonexistent/public.json")
	assert.Error(t, err)
}

func TestPublicWrite(t *testing.T) {
	outDir := t.TempDir()
	cfg := DefaultPublicConfig()
	b := newTestPublicBuilder(t, cfg)
	view := b.Build([]envelope.Matched{
		matchedRec("s", envelope.Event{TS: "2025-08-25T09:00:00Z", Severity: envelope.SeverityHigh, AOIID: "aoi_1"}),
	})
	require.NoError(t, b.Write(outDir, view, "deduped.json", "public.json"))

	var metrics PublicMetrics
	require.NoError(t, fsjson.Read(filepath.Join(outDir, "metrics.json"), &metrics))
	assert.Equal(t, 1, metrics.FeedItems)
	assert.Equal(t, 1, metrics.Regions)
	assert.Equal(t, "medium", metrics.Config.MinSeverity)
	assert.Equal(t, "deduped.json", metrics.Source)
	assert.Equal(t, "public.json", metrics.PolicyPath)

	var feed []map[string]any
	require.NoError(t, fsjson.Read(filepath.Join(outDir, "public_feed.json"), &feed))
	assert.Len(t, feed, 1)
}
