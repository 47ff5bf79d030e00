package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/envelope"
)

// HTTPWebhook delivers signed webhook payloads to an external endpoint.
//
// Every outbound webhook:
//  1. Serialises the payload as JSON.
//  2. Computes an HMAC-SHA256 signature using the channel secret.
//  3. POSTs the payload with an X-Verdantis-Signature header.
//  4. Records success/failure through the DeliveryRecorder.
type HTTPWebhook struct {
	ChannelID string
	Endpoint  string
	Secret    string

	client   *http.Client
	recorder DeliveryRecorder
	logger   *zap.Logger
}

// NewHTTPWebhook creates an HTTPWebhook with a default 10s client timeout.
// recorder may be nil.
func NewHTTPWebhook(channelID, endpoint, secret string, recorder DeliveryRecorder, logger *zap.Logger) *HTTPWebhook {
	return &HTTPWebhook{
		ChannelID: channelID,
		Endpoint:  endpoint,
		Secret:    secret,
		client:    &http.Client{Timeout: 10 * time.Second},
		recorder:  recorder,
		logger:    logger,
	}
}

// Deliver POSTs one alert. Non-2xx responses and transport errors count as
// failure; either way the attempt is persisted when a recorder is set.
func (s *HTTPWebhook) Deliver(ctx context.Context, subscriptionID string, ev envelope.Event, eventID string) (Delivery, error) {
	payload := webhookPayload{
		ChannelID:      s.ChannelID,
		Type:           "webhook",
		TS:             ev.TS,
		SubscriptionID: subscriptionID,
		Event:          ev,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Delivery{}, fmt.Errorf("marshal payload: %w", err)
	}

	// ── HMAC-SHA256 Signature ──────────────────────────────────────────
	sig := computeHMAC(s.Secret, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Delivery{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Verdantis-Signature", sig)

	resp, doErr := s.client.Do(req)

	status := "success"
	errMsg := ""
	info := ""

	if doErr != nil {
		status = "failed"
		errMsg = doErr.Error()
		s.logger.Warn("webhook delivery failed",
			zap.String("url", s.Endpoint),
			zap.Error(doErr),
		)
	} else {
		defer resp.Body.Close()
		info = fmt.Sprintf("HTTP %d", resp.StatusCode)
		if resp.StatusCode >= 400 {
			status = "failed"
			errMsg = info
			s.logger.Warn("webhook non-2xx response",
				zap.String("url", s.Endpoint),
				zap.Int("status", resp.StatusCode),
			)
		} else {
			s.logger.Info("webhook delivered",
				zap.String("url", s.Endpoint),
				zap.Int("status", resp.StatusCode),
			)
		}
	}

	// ── Persist delivery log ───────────────────────────────────────────
	if s.recorder != nil {
		rec := DeliveryRecord{
			ChannelID:      s.ChannelID,
			DeliveryType:   "webhook",
			Recipient:      s.Endpoint,
			EventID:        eventID,
			SubscriptionID: subscriptionID,
			Status:         status,
			ErrorMessage:   errMsg,
		}
		if logErr := s.recorder.RecordDelivery(ctx, rec); logErr != nil {
			s.logger.Error("failed to log webhook delivery", zap.Error(logErr))
		}
	}

	if doErr != nil {
		// Preserve the transport error so deadline hits stay detectable.
		return Delivery{}, fmt.Errorf("webhook delivery to %s failed: %w", s.Endpoint, doErr)
	}
	if status == "failed" {
		return Delivery{}, fmt.Errorf("webhook delivery to %s failed: %s", s.Endpoint, errMsg)
	}
	return Delivery{Info: info, Location: s.Endpoint}, nil
}

// computeHMAC generates a hex-encoded HMAC-SHA256 of the body using the given secret.
func computeHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
