// Package filter implements the subscription filter engine: the first
// pipeline stage, selecting events of interest per subscription.
package filter

import (
	"errors"
	"fmt"
	"os"
	"reflect"

	"encoding/json"

	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/envelope"
)

var (
	ErrDuplicateSubscription = errors.New("duplicate subscription id")
	ErrMissingSubscriptionID = errors.New("subscription id is required")
)

// Subscription declares a standing interest in events. All present
// predicates must hold for a subscription to match an event.
type Subscription struct {
	ID              string             `json:"id"`
	Topics          []string           `json:"topics,omitempty"`
	SeverityAtLeast string             `json:"severity_at_least,omitempty"`
	Assets          []string           `json:"assets,omitempty"`
	RuleTypes       []string           `json:"rule_types,omitempty"`
	AOIIDs          []string           `json:"aoi_ids,omitempty"`
	MinDelta        map[string]float64 `json:"min_delta,omitempty"`
	SuppressIf      map[string]any     `json:"suppress_if,omitempty"`
}

// Match reports whether this subscription selects the event. A malformed
// event (missing topic, unknown severity) simply fails predicates.
func (s Subscription) Match(ev envelope.Event) bool {
	if len(s.Topics) > 0 && !contains(s.Topics, ev.Topic) {
		return false
	}

	if s.SeverityAtLeast != "" && !envelope.SeverityAtLeast(ev.Severity, s.SeverityAtLeast) {
		return false
	}

	if len(s.Assets) > 0 && !contains(s.Assets, "*") {
		if !contains(s.Assets, ev.AssetID) {
			return false
		}
	}

	if len(s.RuleTypes) > 0 && !contains(s.RuleTypes, ev.RuleType) {
		return false
	}

	if len(s.AOIIDs) > 0 && !contains(s.AOIIDs, ev.AOIID) {
		return false
	}

	for metric, floor := range s.MinDelta {
		v, ok := ev.DeltaValue(metric)
		if !ok || v < floor {
			return false
		}
	}

	// suppress_if inverts: when EVERY pair equals the event's value the
	// subscription is excluded for this event.
	if len(s.SuppressIf) > 0 && suppressMatches(s.SuppressIf, ev) {
		return false
	}

	return true
}

// Metrics summarizes one filter run.
type Metrics struct {
	TotalEvents     int            `json:"total_events"`
	Unmatched       int            `json:"unmatched"`
	MalformedEvents int            `json:"malformed_events"`
	PerSubscription map[string]int `json:"per_subscription"`
}

// Engine applies a fixed subscription list to event batches.
type Engine struct {
	subs   []Subscription
	logger *zap.Logger
}

// NewEngine creates an Engine over the given subscriptions.
func NewEngine(subs []Subscription, logger *zap.Logger) *Engine {
	return &Engine{subs: subs, logger: logger}
}

// Subscriptions returns the engine's subscription list in declaration order.
func (e *Engine) Subscriptions() []Subscription {
	return e.subs
}

// MatchEvent returns the matched records for one event, in
// subscription-declaration order.
func (e *Engine) MatchEvent(ev envelope.Event) []envelope.Matched {
	var matched []envelope.Matched
	for _, s := range e.subs {
		if s.Match(ev) {
			matched = append(matched, envelope.Matched{SubscriptionID: s.ID, Event: ev})
		}
	}
	return matched
}

// Apply evaluates every event against every subscription. Matched records
// come out in event order, and per event in subscription-declaration order.
func (e *Engine) Apply(events []envelope.Event) ([]envelope.Matched, Metrics) {
	metrics := Metrics{PerSubscription: make(map[string]int, len(e.subs))}
	for _, s := range e.subs {
		metrics.PerSubscription[s.ID] = 0
	}

	var matched []envelope.Matched
	for _, ev := range events {
		metrics.TotalEvents++
		recs := e.MatchEvent(ev)
		if len(recs) == 0 {
			metrics.Unmatched++
			continue
		}
		for _, rec := range recs {
			metrics.PerSubscription[rec.SubscriptionID]++
		}
		matched = append(matched, recs...)
	}

	e.logger.Info("filter run complete",
		zap.Int("total_events", metrics.TotalEvents),
		zap.Int("matched", len(matched)),
		zap.Int("unmatched", metrics.Unmatched),
	)
	return matched, metrics
}

// LoadSubscriptions reads a {subscriptions: [...]} config file. A missing
// or duplicate subscription id is a validation error and aborts the load.
func LoadSubscriptions(path string) ([]Subscription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subscriptions: %w", err)
	}
	var cfg struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse subscriptions %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(cfg.Subscriptions))
	for _, s := range cfg.Subscriptions {
		if s.ID == "" {
			return nil, ErrMissingSubscriptionID
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return cfg.Subscriptions, nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// suppressMatches reports whether every (field, value) pair equals the
// event's field value.
func suppressMatches(conds map[string]any, ev envelope.Event) bool {
	for field, want := range conds {
		got := eventField(ev, field)
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// eventField exposes envelope fields by wire name for suppress_if
// comparisons. Absent optional fields resolve to nil, matching a JSON null
// in the predicate.
func eventField(ev envelope.Event, name string) any {
	switch name {
	case "id":
		return nilIfEmpty(ev.ID)
	case "ts":
		return nilIfEmpty(ev.TS)
	case "topic":
		return nilIfEmpty(ev.Topic)
	case "severity":
		return nilIfEmpty(ev.Severity)
	case "asset_id":
		return nilIfEmpty(ev.AssetID)
	case "aoi_id":
		return nilIfEmpty(ev.AOIID)
	case "rule_type":
		return nilIfEmpty(ev.RuleType)
	case "acknowledged":
		return ev.Acknowledged
	case "delta":
		if ev.Delta == nil {
			return nil
		}
		return ev.Delta
	case "payload":
		if ev.Payload == nil {
			return nil
		}
		return ev.Payload
	default:
		return nil
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
