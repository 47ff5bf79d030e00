// Package envelope defines the canonical event shape shared by every
// pipeline stage, together with the severity ladder and timestamp helpers.
//
// Every stage consumes and produces either events or matched records
// (subscription_id + event); nothing downstream ever re-interprets raw
// producer JSON.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Severity ladder, lowest to highest. Unknown severities rank as info.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var ErrNotArray = errors.New("input JSON must be a top-level array")

var severityRank = map[string]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// severityWeight drives risk scoring. Info carries no weight.
var severityWeight = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     4,
	SeverityCritical: 8,
}

// Event is the immutable input envelope produced upstream (policy
// enforcement, satellite change detection, attestation, ...).
type Event struct {
	ID           string         `json:"id"`
	TS           string         `json:"ts"`
	Topic        string         `json:"topic"`
	Severity     string         `json:"severity,omitempty"`
	AssetID      string         `json:"asset_id,omitempty"`
	AOIID        string         `json:"aoi_id,omitempty"`
	RuleType     string         `json:"rule_type,omitempty"`
	Acknowledged bool           `json:"acknowledged,omitempty"`
	Delta        map[string]any `json:"delta,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Matched pairs an event with the subscription that selected it. It is the
// unit of work between the filter, dedupe, and router stages.
type Matched struct {
	SubscriptionID string `json:"subscription_id"`
	Event          Event  `json:"event"`
}

// ParseTS parses an ISO-8601 instant with an explicit offset or trailing Z.
func ParseTS(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Time returns the event timestamp, or ok=false when it is unparseable.
func (e Event) Time() (time.Time, bool) {
	return ParseTS(e.TS)
}

// DeltaValue returns the numeric delta for a metric. Missing or
// non-numeric values report ok=false.
func (e Event) DeltaValue(metric string) (float64, bool) {
	v, ok := e.Delta[metric]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// SeverityRank maps a severity onto the 0..4 ladder; unknown maps to info.
func SeverityRank(s string) int {
	return severityRank[s]
}

// SeverityAtLeast reports whether sev sits at or above floor on the ladder.
func SeverityAtLeast(sev, floor string) bool {
	return severityRank[sev] >= severityRank[floor]
}

// SeverityWeight returns the risk weight of a severity (info and unknown
// severities contribute 0).
func SeverityWeight(s string) int {
	return severityWeight[s]
}

// NormalizeSeverity substitutes info for a missing severity.
func NormalizeSeverity(s string) string {
	if s == "" {
		return SeverityInfo
	}
	return s
}

// SafeEventID returns the event id, or a positional fallback when the
// producer omitted one. idx is the record's position in its batch.
func SafeEventID(e Event, idx int) string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("ev_%d", idx)
}

// DecodeEvents decodes a top-level JSON array of events. Entries that fail
// to decode are dropped and counted, never fatal.
func DecodeEvents(data []byte) ([]Event, int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNotArray, err)
	}
	events := make([]Event, 0, len(raw))
	malformed := 0
	for _, r := range raw {
		var ev Event
		if err := json.Unmarshal(r, &ev); err != nil {
			malformed++
			continue
		}
		events = append(events, ev)
	}
	return events, malformed, nil
}

// LoadEvents reads an events file (JSON array). Returns the decoded events
// and the count of malformed entries that were dropped.
func LoadEvents(path string) ([]Event, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read events: %w", err)
	}
	return DecodeEvents(data)
}

// LoadMatched reads a matched-records file (JSON array of
// {subscription_id, event}). Records missing either field are dropped.
func LoadMatched(path string) ([]Matched, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read matched records: %w", err)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArray, err)
	}
	out := make([]Matched, 0, len(raw))
	for _, r := range raw {
		var probe struct {
			SubscriptionID *string         `json:"subscription_id"`
			Event          json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(r, &probe); err != nil {
			continue
		}
		if probe.SubscriptionID == nil || probe.Event == nil {
			continue
		}
		var m Matched
		if err := json.Unmarshal(r, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
