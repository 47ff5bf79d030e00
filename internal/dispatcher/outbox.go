package dispatcher

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/fsjson"
)

// OutboxWebhook writes webhook payloads to a local outbox directory.
type OutboxWebhook struct {
	ChannelID string
	Dir       string
}

func (s OutboxWebhook) Deliver(ctx context.Context, subscriptionID string, ev envelope.Event, eventID string) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	payload := webhookPayload{
		ChannelID:      s.ChannelID,
		Type:           "webhook",
		TS:             ev.TS,
		SubscriptionID: subscriptionID,
		Event:          ev,
		Meta:           map[string]string{"note": "outbox delivery - no network call"},
	}
	path := filepath.Join(s.Dir, OutboxFilename(eventID, subscriptionID))
	if err := fsjson.WriteAtomic(path, payload); err != nil {
		return Delivery{}, fmt.Errorf("write webhook outbox: %w", err)
	}
	return Delivery{Info: "written", Location: path}, nil
}

// OutboxEmail writes email-shaped payloads to a local outbox directory.
type OutboxEmail struct {
	ChannelID     string
	Dir           string
	To            []string
	SubjectPrefix string
}

func (s OutboxEmail) Deliver(ctx context.Context, subscriptionID string, ev envelope.Event, eventID string) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	to := s.To
	if to == nil {
		to = []string{}
	}
	payload := emailPayload{
		ChannelID: s.ChannelID,
		Type:      "email",
		TS:        ev.TS,
		To:        to,
		Subject:   FormatSubject(s.SubjectPrefix, subscriptionID, ev),
		Body: emailBody{
			Headline: fmt.Sprintf("Alert from %s", subscriptionID),
			Summary: emailSummary{
				Topic:    ev.Topic,
				AssetID:  ev.AssetID,
				AOIID:    ev.AOIID,
				Severity: ev.Severity,
				RuleType: ev.RuleType,
			},
			Event: ev,
		},
	}
	path := filepath.Join(s.Dir, OutboxFilename(eventID, subscriptionID))
	if err := fsjson.WriteAtomic(path, payload); err != nil {
		return Delivery{}, fmt.Errorf("write email outbox: %w", err)
	}
	return Delivery{Info: "written", Location: path}, nil
}
