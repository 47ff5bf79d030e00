package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamPlatformEvents is the durable stream carrying the platform
	// event firehose the alerts pipeline consumes.
	StreamPlatformEvents = "PLATFORM_EVENTS"
	// SubjectEvents is the wildcard subject hierarchy for platform events.
	SubjectEvents = "events.>"

	// SubjectCronHourly and SubjectCronDaily carry scheduler ticks as
	// plain NATS subjects. Ticks are ephemeral signals and skip JetStream.
	SubjectCronHourly = "SYSTEM_EVENTS.cron.hourly"
	SubjectCronDaily  = "SYSTEM_EVENTS.cron.daily"
)

// EventSubject returns the subject an event with the given topic is
// published under, e.g. "events.policy.enforcement".
func EventSubject(topic string) string {
	if topic == "" {
		return "events.unknown"
	}
	return "events." + topic
}

// ProvisionStreams idempotently creates the required JetStream streams.
func (c *Client) ProvisionStreams() error {
	_, err := c.JS.StreamInfo(StreamPlatformEvents)
	if err == nil {
		c.Log.Info("NATS stream exists", zap.String("stream", StreamPlatformEvents))
		return nil
	}

	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamPlatformEvents,
		Subjects:  []string{SubjectEvents},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}

	if _, err := c.JS.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	c.Log.Info("NATS stream provisioned", zap.String("stream", StreamPlatformEvents))
	return nil
}
