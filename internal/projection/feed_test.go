package projection

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/fsjson"
)

func TestBuildFeed(t *testing.T) {
	deduped := []envelope.Matched{
		matchedRec("sub_pol", envelope.Event{
			ID: "e1", TS: "2025-08-25T09:00:00Z", Topic: TopicPolicyEnforcement,
			Severity: envelope.SeverityHigh, AssetID: "a1", RuleType: "emissions_exceedance",
		}),
		matchedRec("sub_sat", envelope.Event{
			TS: "2025-08-25T09:05:00Z", Topic: "sat.change",
			Severity: envelope.SeverityMedium, AOIID: "aoi_2",
		}),
		matchedRec("sub_zk", envelope.Event{
			ID: "e3", TS: "2025-08-25T09:02:00Z", Topic: "zk.verify", AssetID: "a2",
		}),
	}

	items := BuildFeed(deduped, 0, fixedClock())
	require.Len(t, items, 3)

	// Newest first.
	assert.Equal(t, "ev_1", items[0].ID)
	assert.Equal(t, "[MEDIUM] sat.change @ aoi_2 (sub_sat)", items[0].Title)
	assert.Nil(t, items[0].AssetID)
	require.NotNil(t, items[0].AOIID)
	assert.Equal(t, "aoi_2", *items[0].AOIID)

	assert.Equal(t, "e3", items[1].ID)
	assert.Equal(t, "info", items[1].Severity)
	assert.Equal(t, 0, items[1].SeverityRank)
	assert.NotNil(t, items[1].Payload)

	assert.Equal(t, "e1", items[2].ID)
	assert.Equal(t, 3, items[2].SeverityRank)
	assert.Equal(t, "[HIGH] policy.enforcement / emissions_exceedance @ a1 (sub_pol)", items[2].Title)
	assert.Equal(t, "e1", items[2].Event.ID)
}

func TestBuildFeed_Limit(t *testing.T) {
	var deduped []envelope.Matched
	for _, ts := range []string{
		"2025-08-25T09:00:00Z",
		"2025-08-25T09:02:00Z",
		"2025-08-25T09:01:00Z",
	} {
		deduped = append(deduped, matchedRec("s", envelope.Event{TS: ts, Topic: "t", Severity: envelope.SeverityLow}))
	}

	items := BuildFeed(deduped, 2, fixedClock())
	require.Len(t, items, 2)
	assert.Equal(t, "2025-08-25T09:02:00Z", items[0].TS)
	assert.Equal(t, "2025-08-25T09:01:00Z", items[1].TS)
}

func TestFeedMetricsFor(t *testing.T) {
	items := BuildFeed([]envelope.Matched{
		matchedRec("s", envelope.Event{TS: "2025-08-25T09:00:00Z", Topic: "t", Severity: envelope.SeverityHigh}),
		matchedRec("s", envelope.Event{TS: "2025-08-25T09:01:00Z", Topic: "t", Severity: envelope.SeverityHigh}),
		matchedRec("s", envelope.Event{TS: "2025-08-25T09:02:00Z", Topic: "t", Severity: envelope.SeverityLow}),
	}, DefaultFeedLimit, fixedClock())

	metrics := FeedMetricsFor(items, "deduped.json", DefaultFeedLimit)
	assert.Equal(t, 3, metrics.Count)
	assert.Equal(t, map[string]int{"high": 2, "low": 1}, metrics.BySeverity)
	assert.Equal(t, "deduped.json", metrics.Source)
	assert.Equal(t, 100, metrics.Limit)
}

func TestWriteFeed(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "alerts_feed.json")
	metricsPath := filepath.Join(dir, "metrics.json")

	items := BuildFeed([]envelope.Matched{
		matchedRec("s", envelope.Event{ID: "e1", TS: "2025-08-25T09:00:00Z", Topic: "t", Severity: envelope.SeverityHigh}),
	}, DefaultFeedLimit, fixedClock())
	require.NoError(t, WriteFeed(outPath, metricsPath, items, FeedMetricsFor(items, "deduped.json", DefaultFeedLimit)))

	var roundTrip []FeedItem
	require.NoError(t, fsjson.Read(outPath, &roundTrip))
	require.Len(t, roundTrip, 1)
	assert.Equal(t, "e1", roundTrip[0].ID)
}
