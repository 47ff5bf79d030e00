// Package dedupe suppresses repeat and oscillating alerts across runs.
//
// Decisions are driven by event time, never wall clock, so replaying a
// batch yields identical outcomes. The wall clock is only a fallback for
// events without a parseable timestamp and the stamp on state writes.
package dedupe

import (
	"time"

	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/envelope"
)

// Suppression reasons reported in outcomes and metrics.
const (
	ReasonCooldown     = "cooldown"
	ReasonDuplicateTTL = "duplicate_ttl"
	ReasonFlapping     = "flapping"
	ReasonEmitted      = "emitted"
)

// Outcome is the per-record decision.
type Outcome struct {
	Kept   bool
	Reason string
}

// Metrics summarizes one suppression pass.
type Metrics struct {
	Input      int            `json:"input"`
	Kept       int            `json:"kept"`
	Suppressed int            `json:"suppressed"`
	ByReason   map[string]int `json:"by_reason"`
}

// Suppressor owns the dedupe state. It is single-writer: callers must not
// share one instance across goroutines without external serialization.
type Suppressor struct {
	cfg       Config
	state     *State
	keyFn     pathFn
	flapKeyFn pathFn
	flapValFn pathFn
	logger    *zap.Logger
	now       func() time.Time
}

// NewSuppressor compiles the configured key paths and wraps the state.
func NewSuppressor(cfg Config, state *State, logger *zap.Logger) *Suppressor {
	return &Suppressor{
		cfg:       cfg,
		state:     state,
		keyFn:     compileKey(cfg.KeyFields),
		flapKeyFn: compileKey(cfg.Flap.KeyFields),
		flapValFn: compilePath(cfg.Flap.ValueField),
		logger:    logger,
		now:       time.Now,
	}
}

// State exposes the underlying state for checkpointing.
func (s *Suppressor) State() *State { return s.state }

// Process decides one matched record and mutates state accordingly.
func (s *Suppressor) Process(rec envelope.Matched) Outcome {
	t, ok := envelope.ParseTS(rec.Event.TS)
	if !ok {
		t = s.now()
	}
	key := s.keyFn(rec)

	if entry, exists := s.state.Keys[key]; exists && entry.LastSentTS != "" {
		if last, ok := envelope.ParseTS(entry.LastSentTS); ok {
			// Negative age means the event predates the last emission;
			// it fails both thresholds and proceeds to the flap check.
			age := t.Sub(last)
			if age >= 0 {
				if age < secs(s.cfg.MinIntervalSeconds) {
					s.recordDuplicate(key, t, rec)
					return Outcome{Reason: ReasonCooldown}
				}
				if age < secs(s.cfg.TTLSeconds) {
					s.recordDuplicate(key, t, rec)
					return Outcome{Reason: ReasonDuplicateTTL}
				}
			}
		}
	}

	if s.cfg.Flap.Enabled {
		fv := s.flapValFn(rec)
		fe := s.state.entry(s.flapKeyFn(rec))
		cutoff := t.Add(-secs(s.cfg.Flap.WindowSeconds))
		hist := pruneHistory(fe.FlapHistory, cutoff)
		hist = append(hist, [2]string{formatTS(t), fv})
		fe.FlapHistory = hist
		if transitions(hist) > s.cfg.Flap.MaxChanges {
			return Outcome{Reason: ReasonFlapping}
		}
	}

	s.state.entry(key).LastSentTS = formatTS(t)
	return Outcome{Kept: true, Reason: ReasonEmitted}
}

// Apply runs Process over a batch, preserving input order for kept records.
func (s *Suppressor) Apply(matched []envelope.Matched) ([]envelope.Matched, Metrics) {
	metrics := Metrics{ByReason: make(map[string]int)}
	var kept []envelope.Matched
	for _, rec := range matched {
		metrics.Input++
		out := s.Process(rec)
		if out.Kept {
			kept = append(kept, rec)
			metrics.Kept++
			continue
		}
		metrics.Suppressed++
		metrics.ByReason[out.Reason]++
		s.logger.Debug("alert suppressed",
			zap.String("reason", out.Reason),
			zap.String("subscription_id", rec.SubscriptionID),
			zap.String("event_id", rec.Event.ID),
		)
	}
	s.logger.Info("dedupe pass complete",
		zap.Int("input", metrics.Input),
		zap.Int("kept", metrics.Kept),
		zap.Int("suppressed", metrics.Suppressed),
	)
	return kept, metrics
}

// Persist writes state to disk. State must be persisted before a run is
// acknowledged.
func (s *Suppressor) Persist(path string) error {
	return s.state.Save(path, s.now())
}

// recordDuplicate keeps the flap trail warm while an emission is gated, so
// oscillation through a cooldown window is still observable.
func (s *Suppressor) recordDuplicate(key string, t time.Time, rec envelope.Matched) {
	if !s.cfg.Flap.Enabled {
		return
	}
	e := s.state.entry(key)
	e.FlapHistory = append(e.FlapHistory, [2]string{formatTS(t), s.flapValFn(rec)})
}

// pruneHistory drops entries older than cutoff or with unparseable stamps.
func pruneHistory(hist [][2]string, cutoff time.Time) [][2]string {
	out := make([][2]string, 0, len(hist))
	for _, h := range hist {
		ts, ok := envelope.ParseTS(h[0])
		if ok && !ts.Before(cutoff) {
			out = append(out, h)
		}
	}
	return out
}

// transitions counts adjacent value changes in a history window.
func transitions(hist [][2]string) int {
	changes := 0
	for i := 1; i < len(hist); i++ {
		if hist[i][1] != hist[i-1][1] {
			changes++
		}
	}
	return changes
}

func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
