package dedupe

import (
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/fsjson"
)

// KeyEntry is the persisted per-key record. FlapHistory pairs are
// [timestamp, value].
type KeyEntry struct {
	LastSentTS  string      `json:"last_sent_ts,omitempty"`
	FlapHistory [][2]string `json:"flap_history,omitempty"`
}

// State is the cross-run suppression memory. Entries whose last_sent_ts
// falls outside the TTL window stop gating events but stay until the next
// write.
type State struct {
	Version   int                  `json:"version"`
	UpdatedAt string               `json:"updated_at"`
	Keys      map[string]*KeyEntry `json:"keys"`
}

// NewState returns an empty v1 state.
func NewState() *State {
	return &State{Version: 1, Keys: make(map[string]*KeyEntry)}
}

// LoadState reads prior state from disk. A missing, unreadable, or
// malformed file degrades to an empty state with a warning; the run must
// not fail because history was lost.
func LoadState(path string, logger *zap.Logger) *State {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("dedupe state unreadable, starting empty",
				zap.String("path", path), zap.Error(err))
		}
		return NewState()
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		logger.Warn("dedupe state malformed, starting empty",
			zap.String("path", path), zap.Error(err))
		return NewState()
	}
	if st.Version == 0 {
		st.Version = 1
	}
	if st.Keys == nil {
		st.Keys = make(map[string]*KeyEntry)
	}
	return &st
}

// Save writes the state atomically, stamping updated_at.
func (s *State) Save(path string, now time.Time) error {
	s.UpdatedAt = now.UTC().Format(time.RFC3339)
	return fsjson.WriteAtomic(path, s)
}

func (s *State) entry(key string) *KeyEntry {
	e, ok := s.Keys[key]
	if !ok {
		e = &KeyEntry{}
		s.Keys[key] = e
	}
	return e
}
