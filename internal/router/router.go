// Package router fans deduped alerts out to channels, enforcing per-run
// rate limits.
//
// Dispatch order is deterministic: records in input order, matching routes
// in declaration order, channels in declaration order. Counters consume
// only on successful delivery, so an unknown channel type or a failed sink
// never burns budget.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/dispatcher"
	"github.com/verdantis/alerts-service/internal/envelope"
)

// Skip reasons reported in results.
const (
	ReasonNoRoute            = "no_route"
	ReasonGlobalRateLimited  = "global_rate_limited"
	ReasonChannelRateLimited = "channel_rate_limited"
	ReasonSinkTimeout        = "sink_timeout"
)

const defaultSinkTimeout = 10 * time.Second

// Result is one delivery attempt, sent or skipped.
type Result struct {
	SubscriptionID string `json:"subscription_id"`
	RouteID        string `json:"route_id,omitempty"`
	ChannelID      string `json:"channel_id,omitempty"`
	EventID        string `json:"event_id"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	Info           string `json:"info,omitempty"`
	OutPath        string `json:"out_path,omitempty"`
}

// Metrics summarizes one routing pass.
type Metrics struct {
	Sent                 int            `json:"sent"`
	Skipped              int            `json:"skipped"`
	PerChannelSent       map[string]int `json:"per_channel_sent"`
	PerChannelSkipped    map[string]int `json:"per_channel_skipped"`
	GlobalLimitMaxPerRun *int           `json:"global_limit_max_per_run"`
}

// SinkFactory resolves a channel to its sink. Returning false marks the
// channel type unknown.
type SinkFactory func(ch Channel) (dispatcher.Sink, bool)

// OutboxSinks is the default factory: webhook and email channels write to
// their outbox directories.
func OutboxSinks(ch Channel) (dispatcher.Sink, bool) {
	switch ch.Type {
	case "webhook":
		return dispatcher.OutboxWebhook{ChannelID: ch.ID, Dir: ch.OutboxDir}, true
	case "email":
		return dispatcher.OutboxEmail{
			ChannelID:     ch.ID,
			Dir:           ch.OutboxDir,
			To:            ch.To,
			SubjectPrefix: ch.SubjectPrefix,
		}, true
	default:
		return nil, false
	}
}

// Router routes matched records to channel sinks.
type Router struct {
	cfg     Config
	sinks   SinkFactory
	timeout time.Duration
	logger  *zap.Logger

	mu          sync.Mutex
	globalUsed  int
	channelUsed map[string]int
}

// NewRouter builds a Router. timeout bounds each sink call; zero or
// negative selects the default.
func NewRouter(cfg Config, sinks SinkFactory, timeout time.Duration, logger *zap.Logger) *Router {
	if timeout <= 0 {
		timeout = defaultSinkTimeout
	}
	return &Router{
		cfg:         cfg,
		sinks:       sinks,
		timeout:     timeout,
		logger:      logger,
		channelUsed: make(map[string]int),
	}
}

// ResetCounters clears the per-run budgets, for reuse across batch runs.
func (r *Router) ResetCounters() {
	r.mu.Lock()
	r.globalUsed = 0
	r.channelUsed = make(map[string]int)
	r.mu.Unlock()
}

// reserve takes one send slot under both caps. The reservation must be
// released if the send does not complete.
func (r *Router) reserve(ch Channel) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gl := r.cfg.RateLimit.MaxPerRun; gl != nil && r.globalUsed >= *gl {
		return false, ReasonGlobalRateLimited
	}
	if ch.MaxPerRun != nil && r.channelUsed[ch.ID] >= *ch.MaxPerRun {
		return false, ReasonChannelRateLimited
	}
	r.globalUsed++
	r.channelUsed[ch.ID]++
	return true, ""
}

func (r *Router) release(ch Channel) {
	r.mu.Lock()
	r.globalUsed--
	r.channelUsed[ch.ID]--
	r.mu.Unlock()
}

// RouteOne dispatches a single matched record. idx feeds the fallback
// event id for events without one.
func (r *Router) RouteOne(ctx context.Context, rec envelope.Matched, idx int) []Result {
	eventID := envelope.SafeEventID(rec.Event, idx)

	var matched []Route
	for _, rt := range r.cfg.Routes {
		if rt.matches(rec.SubscriptionID, rec.Event) {
			matched = append(matched, rt)
		}
	}
	if len(matched) == 0 {
		return []Result{{
			SubscriptionID: rec.SubscriptionID,
			EventID:        eventID,
			Status:         "skipped",
			Reason:         ReasonNoRoute,
		}}
	}

	var results []Result
	for _, rt := range matched {
		for _, ch := range rt.Channels {
			results = append(results, r.dispatch(ctx, rt, ch, rec, eventID))
		}
	}
	return results
}

func (r *Router) dispatch(ctx context.Context, rt Route, ch Channel, rec envelope.Matched, eventID string) Result {
	res := Result{
		SubscriptionID: rec.SubscriptionID,
		RouteID:        rt.ID,
		ChannelID:      ch.ID,
		EventID:        eventID,
		Status:         "skipped",
	}

	ok, reason := r.reserve(ch)
	if !ok {
		res.Reason = reason
		return res
	}

	sink, known := r.sinks(ch)
	if !known {
		r.release(ch)
		res.Reason = "unknown_channel_type:" + ch.Type
		return res
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	delivery, err := sink.Deliver(cctx, rec.SubscriptionID, rec.Event, eventID)
	cancel()
	if err != nil {
		r.release(ch)
		if errors.Is(err, context.DeadlineExceeded) {
			res.Reason = ReasonSinkTimeout
		} else {
			res.Reason = "sink_error:" + err.Error()
		}
		r.logger.Warn("channel delivery failed",
			zap.String("channel_id", ch.ID),
			zap.String("event_id", eventID),
			zap.String("reason", res.Reason),
		)
		return res
	}

	res.Status = "sent"
	res.Info = delivery.Info
	res.OutPath = delivery.Location
	return res
}

// Route dispatches a whole batch sequentially, preserving input order.
// Cancellation stops further dispatch; results for processed records are
// still returned with best-effort metrics.
func (r *Router) Route(ctx context.Context, matched []envelope.Matched) ([]Result, Metrics) {
	var results []Result
	for idx, rec := range matched {
		if ctx.Err() != nil {
			break
		}
		results = append(results, r.RouteOne(ctx, rec, idx)...)
	}
	metrics := r.Summarize(results)
	r.logger.Info("routing pass complete",
		zap.Int("sent", metrics.Sent),
		zap.Int("skipped", metrics.Skipped),
	)
	return results, metrics
}

// Summarize folds dispatch results into Metrics. Callers that collect
// results from concurrent RouteOne dispatch use this to close a pass.
func (r *Router) Summarize(results []Result) Metrics {
	m := Metrics{
		PerChannelSent:       make(map[string]int),
		PerChannelSkipped:    make(map[string]int),
		GlobalLimitMaxPerRun: r.cfg.RateLimit.MaxPerRun,
	}
	for _, res := range results {
		if res.Status == "sent" {
			m.Sent++
			m.PerChannelSent[res.ChannelID]++
			continue
		}
		m.Skipped++
		if res.ChannelID != "" {
			m.PerChannelSkipped[res.ChannelID]++
		}
	}
	return m
}
