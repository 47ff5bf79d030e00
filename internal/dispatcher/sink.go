// Package dispatcher provides the delivery seam between the channel router
// and the outside world.
//
// Every channel resolves to a Sink. The default sinks write deterministic
// JSON files to a channel outbox so a run can be replayed byte-for-byte;
// the HTTP sink performs HMAC-signed webhook delivery in the same shape.
package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/verdantis/alerts-service/internal/envelope"
)

// Delivery reports a successful sink call.
type Delivery struct {
	Info     string
	Location string
}

// Sink delivers one alert on behalf of a channel. Implementations must
// honor ctx cancellation and return within its deadline.
type Sink interface {
	Deliver(ctx context.Context, subscriptionID string, ev envelope.Event, eventID string) (Delivery, error)
}

// DeliveryRecord is one persisted delivery attempt.
type DeliveryRecord struct {
	ChannelID      string
	DeliveryType   string
	Recipient      string
	EventID        string
	SubscriptionID string
	Status         string
	ErrorMessage   string
}

// DeliveryRecorder persists delivery attempts for audit. A nil recorder
// disables persistence.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, rec DeliveryRecord) error
}

// webhookPayload is the wire shape for webhook-style deliveries. The ts
// field carries the event timestamp so identical inputs serialize
// identically across runs.
type webhookPayload struct {
	ChannelID      string            `json:"channel_id"`
	Type           string            `json:"type"`
	TS             string            `json:"ts"`
	SubscriptionID string            `json:"subscription_id"`
	Event          envelope.Event    `json:"event"`
	Meta           map[string]string `json:"meta,omitempty"`
}

type emailSummary struct {
	Topic    string `json:"topic"`
	AssetID  string `json:"asset_id"`
	AOIID    string `json:"aoi_id"`
	Severity string `json:"severity"`
	RuleType string `json:"rule_type"`
}

type emailBody struct {
	Headline string         `json:"headline"`
	Summary  emailSummary   `json:"summary"`
	Event    envelope.Event `json:"event"`
}

type emailPayload struct {
	ChannelID string    `json:"channel_id"`
	Type      string    `json:"type"`
	TS        string    `json:"ts"`
	To        []string  `json:"to"`
	Subject   string    `json:"subject"`
	Body      emailBody `json:"body"`
}

// FormatSubject renders the email subject line: "[SEV] topic via sub",
// optionally prefixed.
func FormatSubject(prefix, subscriptionID string, ev envelope.Event) string {
	topic := ev.Topic
	if topic == "" {
		topic = "event"
	}
	sev := ev.Severity
	if sev == "" {
		sev = envelope.SeverityInfo
	}
	base := fmt.Sprintf("[%s] %s via %s", strings.ToUpper(sev), topic, subscriptionID)
	if prefix != "" {
		return prefix + " " + base
	}
	return base
}

// OutboxFilename derives the idempotent per-attempt filename.
func OutboxFilename(eventID, subscriptionID string) string {
	return fmt.Sprintf("%s__%s.json", eventID, subscriptionID)
}
