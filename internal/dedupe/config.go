package dedupe

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var ErrBadInterval = errors.New("min_interval_seconds must not exceed ttl_seconds")

// FlapConfig tunes oscillation suppression. The flap key may differ from
// the dedupe key so one asset can be tracked across subscriptions.
type FlapConfig struct {
	Enabled       bool     `json:"enabled"`
	KeyFields     []string `json:"key_fields"`
	ValueField    string   `json:"value_field"`
	WindowSeconds int      `json:"window_seconds"`
	MaxChanges    int      `json:"max_changes"`
}

// Config drives the suppressor. Zero values are filled from DefaultConfig
// when loaded from disk.
type Config struct {
	TTLSeconds         int        `json:"ttl_seconds"`
	MinIntervalSeconds int        `json:"min_interval_seconds"`
	KeyFields          []string   `json:"key_fields"`
	Flap               FlapConfig `json:"flap"`
}

// DefaultConfig returns the tuning used when a config file omits fields.
func DefaultConfig() Config {
	return Config{
		TTLSeconds:         3600,
		MinIntervalSeconds: 300,
		KeyFields:          []string{},
		Flap: FlapConfig{
			Enabled:       true,
			KeyFields:     []string{},
			ValueField:    "event.severity",
			WindowSeconds: 1800,
			MaxChanges:    3,
		},
	}
}

// Validate enforces the cooldown/TTL ordering invariant.
func (c Config) Validate() error {
	if c.MinIntervalSeconds > c.TTLSeconds {
		return fmt.Errorf("%w: min_interval_seconds=%d ttl_seconds=%d",
			ErrBadInterval, c.MinIntervalSeconds, c.TTLSeconds)
	}
	return nil
}

// LoadConfig reads a dedupe config file, applying defaults for absent
// fields and rejecting invalid threshold combinations.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read dedupe config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse dedupe config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
