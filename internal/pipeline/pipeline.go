// Package pipeline composes the alert stages into one concurrent flow:
// a filter fan-in goroutine feeds a single dedupe goroutine, which owns
// the suppression state, which feeds sharded dispatch workers over the
// router's accountant-guarded budgets.
//
// Records of one subscription always land on the same dispatch worker, so
// per-subscription order is preserved end to end. No ordering is
// guaranteed across subscriptions.
package pipeline

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/dedupe"
	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/filter"
	"github.com/verdantis/alerts-service/internal/router"
)

const (
	stageBuffer    = 256
	defaultWorkers = 4
)

// Result carries every artefact of one run. Route results come back in
// dedupe-output order regardless of which worker dispatched them.
type Result struct {
	Matched      []envelope.Matched
	Deduped      []envelope.Matched
	RouteResults []router.Result

	FilterMetrics filter.Metrics
	DedupeMetrics dedupe.Metrics
	RouteMetrics  router.Metrics
}

// Runner wires one filter engine, one suppressor and one router for a run.
// The suppressor is owned by the run's dedupe goroutine; callers must not
// touch it while Run is in flight.
type Runner struct {
	engine     *filter.Engine
	suppressor *dedupe.Suppressor
	router     *router.Router
	workers    int
	logger     *zap.Logger
}

// NewRunner builds a Runner. workers bounds concurrent channel dispatch;
// zero or negative selects the default.
func NewRunner(engine *filter.Engine, suppressor *dedupe.Suppressor, rt *router.Router, workers int, logger *zap.Logger) *Runner {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Runner{
		engine:     engine,
		suppressor: suppressor,
		router:     rt,
		workers:    workers,
		logger:     logger,
	}
}

type keptRecord struct {
	idx int
	rec envelope.Matched
}

type indexedResults struct {
	idx     int
	results []router.Result
}

// Run pushes events through filter, dedupe and routing. Cancellation
// stops intake and further dispatch; the matched backlog still drains
// through dedupe so its state stays coherent, and everything processed so
// far is returned for best-effort metrics and state flushing.
func (r *Runner) Run(ctx context.Context, events []envelope.Event) Result {
	matchedC := make(chan envelope.Matched, stageBuffer)
	workerC := make([]chan keptRecord, r.workers)
	for i := range workerC {
		workerC[i] = make(chan keptRecord, stageBuffer)
	}

	var res Result
	var stageWG, dispatchWG sync.WaitGroup

	// Filter fan-in. Sole writer of Matched and FilterMetrics until joined.
	stageWG.Add(1)
	go func() {
		defer stageWG.Done()
		defer close(matchedC)

		metrics := filter.Metrics{PerSubscription: make(map[string]int)}
		for _, s := range r.engine.Subscriptions() {
			metrics.PerSubscription[s.ID] = 0
		}

	intake:
		for _, ev := range events {
			if ctx.Err() != nil {
				break
			}
			metrics.TotalEvents++
			recs := r.engine.MatchEvent(ev)
			if len(recs) == 0 {
				metrics.Unmatched++
				continue
			}
			for _, rec := range recs {
				select {
				case matchedC <- rec:
				case <-ctx.Done():
					break intake
				}
				metrics.PerSubscription[rec.SubscriptionID]++
				res.Matched = append(res.Matched, rec)
			}
		}
		res.FilterMetrics = metrics
	}()

	// Dedupe. Single owner of the suppressor; drains the matched backlog
	// even after cancellation so every admitted record gets a decision.
	stageWG.Add(1)
	go func() {
		defer stageWG.Done()
		defer func() {
			for _, c := range workerC {
				close(c)
			}
		}()

		metrics := dedupe.Metrics{ByReason: make(map[string]int)}
		kept := 0
		for rec := range matchedC {
			metrics.Input++
			out := r.suppressor.Process(rec)
			if !out.Kept {
				metrics.Suppressed++
				metrics.ByReason[out.Reason]++
				continue
			}
			metrics.Kept++
			res.Deduped = append(res.Deduped, rec)
			workerC[subscriptionShard(rec.SubscriptionID, r.workers)] <- keptRecord{idx: kept, rec: rec}
			kept++
		}
		res.DedupeMetrics = metrics
	}()

	// Dispatch workers. Each owns one shard's channel and result slice;
	// after cancellation they keep draining without dispatching so the
	// dedupe goroutine never blocks on a full shard.
	resultShards := make([][]indexedResults, r.workers)
	for i := 0; i < r.workers; i++ {
		dispatchWG.Add(1)
		go func(i int) {
			defer dispatchWG.Done()
			for kr := range workerC[i] {
				if ctx.Err() != nil {
					continue
				}
				resultShards[i] = append(resultShards[i], indexedResults{
					idx:     kr.idx,
					results: r.router.RouteOne(ctx, kr.rec, kr.idx),
				})
			}
		}(i)
	}

	stageWG.Wait()
	dispatchWG.Wait()

	var indexed []indexedResults
	for _, shard := range resultShards {
		indexed = append(indexed, shard...)
	}
	sort.Slice(indexed, func(a, b int) bool { return indexed[a].idx < indexed[b].idx })
	for _, ir := range indexed {
		res.RouteResults = append(res.RouteResults, ir.results...)
	}
	res.RouteMetrics = r.router.Summarize(res.RouteResults)

	r.logger.Info("pipeline run complete",
		zap.Int("events", res.FilterMetrics.TotalEvents),
		zap.Int("matched", len(res.Matched)),
		zap.Int("kept", len(res.Deduped)),
		zap.Int("sent", res.RouteMetrics.Sent),
		zap.Int("skipped", res.RouteMetrics.Skipped),
	)
	return res
}

// subscriptionShard pins a subscription to one worker so its records are
// dispatched in order.
func subscriptionShard(subID string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(subID))
	return int(h.Sum32() % uint32(workers))
}
