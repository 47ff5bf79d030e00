package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/verdantis/alerts-service/internal/dedupe"
	"github.com/verdantis/alerts-service/internal/dispatcher"
	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/filter"
	"github.com/verdantis/alerts-service/internal/fsjson"
	"github.com/verdantis/alerts-service/internal/router"
)

func testEvent(id, ts, topic, severity, assetID string) envelope.Event {
	return envelope.Event{ID: id, TS: ts, Topic: topic, Severity: severity, AssetID: assetID}
}

// passthroughDedupe disables time-based suppression so routing behaviour
// can be asserted in isolation.
func passthroughDedupe() dedupe.Config {
	return dedupe.Config{
		TTLSeconds:         0,
		MinIntervalSeconds: 0,
		KeyFields:          []string{"subscription_id", "event.id"},
	}
}

func memoryFactory(sink *dispatcher.MemorySink) router.SinkFactory {
	return func(ch router.Channel) (dispatcher.Sink, bool) {
		if ch.Type == "webhook" {
			return sink, true
		}
		return nil, false
	}
}

func TestRunnerRunFlow(t *testing.T) {
	subs := []filter.Subscription{
		{ID: "sub_drought", Topics: []string{"drought.alert"}},
		{ID: "sub_all_high", SeverityAtLeast: "high"},
	}
	routes := router.Config{Routes: []router.Route{
		{ID: "r1", Channels: []router.Channel{{Type: "webhook", ID: "ch_mem"}}},
	}}
	cfg := dedupe.Config{
		TTLSeconds:         3600,
		MinIntervalSeconds: 300,
		KeyFields:          []string{"subscription_id", "event.topic"},
	}

	events := []envelope.Event{
		testEvent("ev1", "2025-03-01T10:00:00Z", "drought.alert", "high", "asset_1"),
		// Same subscription and topic 10s later: cooldown suppresses it.
		testEvent("ev2", "2025-03-01T10:00:10Z", "drought.alert", "low", "asset_1"),
		testEvent("ev3", "2025-03-01T11:30:00Z", "flood.alert", "critical", "asset_2"),
		testEvent("ev4", "2025-03-01T12:00:00Z", "noise.info", "info", "asset_3"),
	}

	logger := zaptest.NewLogger(t)
	sink := &dispatcher.MemorySink{}
	runner := NewRunner(
		filter.NewEngine(subs, logger),
		dedupe.NewSuppressor(cfg, dedupe.NewState(), logger),
		router.NewRouter(routes, memoryFactory(sink), 0, logger),
		4,
		logger,
	)

	res := runner.Run(context.Background(), events)

	assert.Equal(t, 4, res.FilterMetrics.TotalEvents)
	assert.Equal(t, 1, res.FilterMetrics.Unmatched)
	assert.Equal(t, 2, res.FilterMetrics.PerSubscription["sub_drought"])
	assert.Equal(t, 2, res.FilterMetrics.PerSubscription["sub_all_high"])

	// ev1 matches both subscriptions, ev2 only sub_drought, ev3 only the
	// severity subscription.
	require.Len(t, res.Matched, 4)

	assert.Equal(t, 4, res.DedupeMetrics.Input)
	assert.Equal(t, 3, res.DedupeMetrics.Kept)
	assert.Equal(t, 1, res.DedupeMetrics.Suppressed)
	assert.Equal(t, 1, res.DedupeMetrics.ByReason[dedupe.ReasonCooldown])
	require.Len(t, res.Deduped, 3)

	require.Len(t, res.RouteResults, 3)
	assert.Equal(t, 3, res.RouteMetrics.Sent)
	assert.Equal(t, 0, res.RouteMetrics.Skipped)
	assert.Equal(t, 3, res.RouteMetrics.PerChannelSent["ch_mem"])

	// Route results come back in dedupe-output order even with four
	// dispatch workers.
	for i, rec := range res.Deduped {
		assert.Equal(t, rec.SubscriptionID, res.RouteResults[i].SubscriptionID)
		assert.Equal(t, rec.Event.ID, res.RouteResults[i].EventID)
	}
}

func TestRunnerPreservesSubscriptionOrder(t *testing.T) {
	subs := []filter.Subscription{{ID: "sub_seq", Topics: []string{"seq.alert"}}}
	routes := router.Config{Routes: []router.Route{
		{ID: "r1", Channels: []router.Channel{{Type: "webhook", ID: "ch_mem"}}},
	}}

	var events []envelope.Event
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 40; i++ {
		events = append(events, testEvent(
			fmt.Sprintf("ev%02d", i),
			base.Add(time.Duration(i)*time.Minute).Format(time.RFC3339),
			"seq.alert", "high", "asset_1",
		))
	}

	logger := zaptest.NewLogger(t)
	sink := &dispatcher.MemorySink{}
	runner := NewRunner(
		filter.NewEngine(subs, logger),
		dedupe.NewSuppressor(passthroughDedupe(), dedupe.NewState(), logger),
		router.NewRouter(routes, memoryFactory(sink), 0, logger),
		4,
		logger,
	)

	res := runner.Run(context.Background(), events)
	require.Len(t, res.Deduped, 40)

	calls := sink.Calls()
	require.Len(t, calls, 40)
	for i, call := range calls {
		assert.Equal(t, fmt.Sprintf("ev%02d", i), call.EventID)
	}
}

func TestRunnerGlobalCap(t *testing.T) {
	subs := []filter.Subscription{{ID: "sub_a", Topics: []string{"cap.alert"}}}
	three := 3
	routes := router.Config{
		Routes: []router.Route{
			{ID: "r1", Channels: []router.Channel{{Type: "webhook", ID: "ch_mem"}}},
		},
		RateLimit: router.GlobalLimits{MaxPerRun: &three},
	}

	var events []envelope.Event
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		events = append(events, testEvent(
			fmt.Sprintf("ev%d", i),
			base.Add(time.Duration(i)*time.Hour).Format(time.RFC3339),
			"cap.alert", "high", "asset_1",
		))
	}

	logger := zaptest.NewLogger(t)
	sink := &dispatcher.MemorySink{}
	runner := NewRunner(
		filter.NewEngine(subs, logger),
		dedupe.NewSuppressor(passthroughDedupe(), dedupe.NewState(), logger),
		router.NewRouter(routes, memoryFactory(sink), 0, logger),
		4,
		logger,
	)

	res := runner.Run(context.Background(), events)
	assert.Equal(t, 3, res.RouteMetrics.Sent)
	assert.Equal(t, 7, res.RouteMetrics.Skipped)
	assert.Len(t, sink.Calls(), 3)
}

func TestRunnerCanceledContext(t *testing.T) {
	subs := []filter.Subscription{{ID: "sub_a", Topics: []string{"x.alert"}}}
	routes := router.Config{Routes: []router.Route{
		{ID: "r1", Channels: []router.Channel{{Type: "webhook", ID: "ch_mem"}}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	logger := zaptest.NewLogger(t)
	runner := NewRunner(
		filter.NewEngine(subs, logger),
		dedupe.NewSuppressor(passthroughDedupe(), dedupe.NewState(), logger),
		router.NewRouter(routes, memoryFactory(&dispatcher.MemorySink{}), 0, logger),
		2,
		logger,
	)

	res := runner.Run(ctx, []envelope.Event{
		testEvent("ev1", "2025-03-01T10:00:00Z", "x.alert", "high", "a1"),
	})

	assert.Equal(t, 0, res.FilterMetrics.TotalEvents)
	assert.Empty(t, res.RouteResults)
	assert.NotNil(t, res.DedupeMetrics.ByReason)
}

const batchEvents = `[
	{"id": "ev1", "ts": "2025-03-01T10:00:00Z", "topic": "policy.enforcement", "severity": "high", "asset_id": "asset_1"},
	{"id": "ev2", "ts": "2025-03-01T12:00:00Z", "topic": "policy.enforcement", "severity": "critical", "asset_id": "asset_2"},
	{"id": "ev3", "ts": "2025-03-01T13:00:00Z", "topic": "other.topic", "severity": "low", "asset_id": "asset_3"}
]`

const batchSubs = `{"subscriptions": [{"id": "sub_policy", "topics": ["policy.enforcement"]}]}`

const batchDedupe = `{"ttl_seconds": 60, "min_interval_seconds": 30, "key_fields": ["subscription_id", "event.id"], "flap": {"enabled": false}}`

func batchRoutes(outbox string) string {
	return `{"routes": [{"id": "r1", "match": {}, "channels": [{"type": "webhook", "id": "ch_out", "outbox_dir": "` + outbox + `"}]}]}`
}

func writeBatchInputs(t *testing.T, dir string) BatchOptions {
	t.Helper()
	outbox := filepath.Join(dir, "outbox")
	files := map[string]string{
		"events.json":        batchEvents,
		"subscriptions.json": batchSubs,
		"dedupe.json":        batchDedupe,
		"routes.json":        batchRoutes(outbox),
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return BatchOptions{
		EventsPath:        filepath.Join(dir, "events.json"),
		SubscriptionsPath: filepath.Join(dir, "subscriptions.json"),
		DedupeConfigPath:  filepath.Join(dir, "dedupe.json"),
		RoutesPath:        filepath.Join(dir, "routes.json"),
		OutDir:            filepath.Join(dir, "out"),
	}
}

func TestRunBatchWritesArtefacts(t *testing.T) {
	dir := t.TempDir()
	opts := writeBatchInputs(t, dir)

	res, err := RunBatch(context.Background(), opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 3, res.FilterMetrics.TotalEvents)
	assert.Equal(t, 2, res.DedupeMetrics.Kept)
	assert.Equal(t, 2, res.RouteMetrics.Sent)

	paths := BatchPaths{Root: opts.OutDir}

	var matched []envelope.Matched
	require.NoError(t, fsjson.Read(paths.Matched(), &matched))
	assert.Len(t, matched, 2)

	var results []router.Result
	require.NoError(t, fsjson.Read(paths.RouteResults(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "sent", results[0].Status)

	var feed []map[string]any
	require.NoError(t, fsjson.Read(paths.Feed(), &feed))
	require.Len(t, feed, 2)
	// Feed is newest first.
	assert.Equal(t, "ev2", feed[0]["id"])

	var state map[string]any
	require.NoError(t, fsjson.Read(paths.State(), &state))
	assert.EqualValues(t, 1, state["version"])
	assert.Len(t, state["keys"], 2)

	// The outbox carries one idempotent file per sent delivery.
	entries, err := os.ReadDir(filepath.Join(dir, "outbox"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRunBatchRerunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	opts := writeBatchInputs(t, dir)
	logger := zaptest.NewLogger(t)
	paths := BatchPaths{Root: opts.OutDir}
	outboxFile := filepath.Join(dir, "outbox", "ev1__sub_policy.json")

	resA, err := RunBatch(context.Background(), opts, logger)
	require.NoError(t, err)
	resultsA, err := os.ReadFile(paths.RouteResults())
	require.NoError(t, err)
	outboxA, err := os.ReadFile(outboxFile)
	require.NoError(t, err)

	// Reset state so the second run sees fresh dedupe history. Outbox
	// files from the first run stay and must be rewritten byte for byte.
	require.NoError(t, os.RemoveAll(opts.OutDir))

	resB, err := RunBatch(context.Background(), opts, logger)
	require.NoError(t, err)
	resultsB, err := os.ReadFile(paths.RouteResults())
	require.NoError(t, err)
	outboxB, err := os.ReadFile(outboxFile)
	require.NoError(t, err)

	assert.Equal(t, resA.RouteResults, resB.RouteResults)
	assert.Equal(t, resA.Deduped, resB.Deduped)
	assert.Equal(t, resultsA, resultsB)
	assert.Equal(t, outboxA, outboxB)
}

func TestRunBatchRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	opts := writeBatchInputs(t, dir)
	require.NoError(t, os.WriteFile(opts.SubscriptionsPath,
		[]byte(`{"subscriptions": [{"id": "dup"}, {"id": "dup"}]}`), 0o644))

	_, err := RunBatch(context.Background(), opts, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, filter.ErrDuplicateSubscription)
}
