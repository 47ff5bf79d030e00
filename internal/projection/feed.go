package projection

import (
	"sort"
	"time"

	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/fsjson"
)

// DefaultFeedLimit caps the operations feed when the caller does not
// override it.
const DefaultFeedLimit = 100

// FeedItem is one flattened alert card for the operations feed. The raw
// event rides along for consumers that need fields the card omits.
type FeedItem struct {
	ID             string         `json:"id"`
	TS             string         `json:"ts"`
	SubscriptionID string         `json:"subscription_id"`
	Topic          string         `json:"topic"`
	Severity       string         `json:"severity"`
	SeverityRank   int            `json:"severity_rank"`
	AssetID        *string        `json:"asset_id"`
	AOIID          *string        `json:"aoi_id"`
	RuleType       *string        `json:"rule_type"`
	Title          string         `json:"title"`
	Payload        map[string]any `json:"payload"`
	Event          envelope.Event `json:"event"`
}

// FeedMetrics summarises one feed build.
type FeedMetrics struct {
	Count      int            `json:"count"`
	BySeverity map[string]int `json:"by_severity"`
	Source     string         `json:"source"`
	Limit      int            `json:"limit"`
}

// BuildFeed flattens deduped matched records into alert cards, newest
// first, capped at limit (0 disables the cap). A nil clock uses wall time
// for unparseable timestamps.
func BuildFeed(deduped []envelope.Matched, limit int, now func() time.Time) []FeedItem {
	if now == nil {
		now = time.Now
	}
	items := make([]FeedItem, 0, len(deduped))
	for idx, rec := range deduped {
		ev := rec.Event
		sev := envelope.NormalizeSeverity(ev.Severity)
		items = append(items, FeedItem{
			ID:             envelope.SafeEventID(ev, idx),
			TS:             safeTS(ev.TS, now),
			SubscriptionID: rec.SubscriptionID,
			Topic:          ev.Topic,
			Severity:       sev,
			SeverityRank:   envelope.SeverityRank(sev),
			AssetID:        strPtr(ev.AssetID),
			AOIID:          strPtr(ev.AOIID),
			RuleType:       strPtr(ev.RuleType),
			Title:          alertTitle(rec.SubscriptionID, ev),
			Payload:        payloadOrEmpty(ev),
			Event:          ev,
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].TS > items[j].TS })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// FeedMetricsFor tallies the built feed by severity.
func FeedMetricsFor(items []FeedItem, source string, limit int) FeedMetrics {
	bySev := map[string]int{}
	for _, it := range items {
		bySev[it.Severity]++
	}
	return FeedMetrics{Count: len(items), BySeverity: bySev, Source: source, Limit: limit}
}

// WriteFeed persists the feed and its metrics.
func WriteFeed(outPath, metricsPath string, items []FeedItem, metrics FeedMetrics) error {
	if err := fsjson.WriteAtomic(outPath, items); err != nil {
		return err
	}
	return fsjson.WriteAtomic(metricsPath, metrics)
}
