// Package projection derives the role-facing views from the deduped alert
// stream: the regulator violations/heatmap, the investor risk trajectory and
// ROI linkage, the masked public feed, and the flat operations feed.
//
// Builders are pure given their inputs and a clock; the embedded built_at
// stamp is the only impurity. Enrichment inputs (asset locations, bundle
// index, causal series, news) are optional and failure-tolerant.
package projection

import (
	"fmt"
	"strings"
	"time"

	"github.com/verdantis/alerts-service/internal/envelope"
)

// safeTS normalizes an event timestamp to UTC RFC3339, substituting the
// current time when the producer's value is unparseable. UTC normalization
// keeps lexicographic and chronological order identical.
func safeTS(ts string, now func() time.Time) string {
	if t, ok := envelope.ParseTS(ts); ok {
		return t.UTC().Format(time.RFC3339)
	}
	return now().UTC().Format(time.RFC3339)
}

// alertTitle renders the one-line card title shared by the operations feed
// and the regulator violation list.
func alertTitle(subID string, ev envelope.Event) string {
	sev := strings.ToUpper(envelope.NormalizeSeverity(ev.Severity))
	topic := ev.Topic
	if topic == "" {
		topic = "event"
	}
	asset := ev.AssetID
	if asset == "" {
		asset = ev.AOIID
	}
	if asset == "" {
		asset = "unknown"
	}
	ruleText := ""
	if ev.RuleType != "" {
		ruleText = " / " + ev.RuleType
	}
	return fmt.Sprintf("[%s] %s%s @ %s (%s)", sev, topic, ruleText, asset, subID)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func payloadOrEmpty(ev envelope.Event) map[string]any {
	if ev.Payload == nil {
		return map[string]any{}
	}
	return ev.Payload
}
