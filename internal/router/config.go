package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/verdantis/alerts-service/internal/envelope"
)

var (
	ErrMissingRouteID   = errors.New("route id is required")
	ErrMissingChannelID = errors.New("channel id is required")
)

// RouteMatch narrows which matched records a route applies to. Empty
// predicates match everything.
type RouteMatch struct {
	SubscriptionIDs []string `json:"subscription_ids,omitempty"`
	Topics          []string `json:"topics,omitempty"`
	SeverityAtLeast string   `json:"severity_at_least,omitempty"`
}

// Channel describes one delivery target. Endpoint switches webhook
// channels from outbox files to live HTTP delivery.
type Channel struct {
	Type          string   `json:"type"`
	ID            string   `json:"id"`
	OutboxDir     string   `json:"outbox_dir"`
	To            []string `json:"to,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
	MaxPerRun     *int     `json:"max_per_run,omitempty"`
	Endpoint      string   `json:"endpoint,omitempty"`
}

// Route binds a match predicate to a channel fan-out.
type Route struct {
	ID       string     `json:"id"`
	Match    RouteMatch `json:"match"`
	Channels []Channel  `json:"channels"`
}

// GlobalLimits caps total sends per run. Nil means unlimited.
type GlobalLimits struct {
	MaxPerRun *int `json:"max_per_run,omitempty"`
}

// Config is the routes file shape.
type Config struct {
	Routes    []Route      `json:"routes"`
	RateLimit GlobalLimits `json:"rate_limit"`
}

// Validate requires ids on every route and channel.
func (c Config) Validate() error {
	for _, rt := range c.Routes {
		if rt.ID == "" {
			return ErrMissingRouteID
		}
		for _, ch := range rt.Channels {
			if ch.ID == "" {
				return fmt.Errorf("%w: route %s", ErrMissingChannelID, rt.ID)
			}
		}
	}
	return nil
}

// LoadConfig reads and validates a routes file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read routes config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse routes config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// matches reports whether the route selects this (subscription, event)
// pair. All present predicates must hold.
func (r Route) matches(subscriptionID string, ev envelope.Event) bool {
	m := r.Match
	if len(m.SubscriptionIDs) > 0 && !containsString(m.SubscriptionIDs, subscriptionID) {
		return false
	}
	if len(m.Topics) > 0 && !containsString(m.Topics, ev.Topic) {
		return false
	}
	if m.SeverityAtLeast != "" && !envelope.SeverityAtLeast(ev.Severity, m.SeverityAtLeast) {
		return false
	}
	return true
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
