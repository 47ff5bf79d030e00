package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/dispatcher"
)

// DeliveryLogRecorder persists dispatcher delivery attempts through the
// Querier. It satisfies dispatcher.DeliveryRecorder.
type DeliveryLogRecorder struct {
	querier Querier
	logger  *zap.Logger
}

func NewDeliveryLogRecorder(q Querier, logger *zap.Logger) *DeliveryLogRecorder {
	return &DeliveryLogRecorder{querier: q, logger: logger}
}

var _ dispatcher.DeliveryRecorder = (*DeliveryLogRecorder)(nil)

func (r *DeliveryLogRecorder) RecordDelivery(ctx context.Context, rec dispatcher.DeliveryRecord) error {
	err := r.querier.InsertDeliveryLog(ctx, InsertDeliveryLogParams{
		ID:             newUUID(),
		ChannelID:      rec.ChannelID,
		DeliveryType:   rec.DeliveryType,
		Recipient:      textOrNull(rec.Recipient),
		EventID:        rec.EventID,
		SubscriptionID: rec.SubscriptionID,
		Status:         rec.Status,
		ErrorMessage:   textOrNull(rec.ErrorMessage),
	})
	if err != nil {
		r.logger.Error("failed to log delivery attempt",
			zap.String("channel_id", rec.ChannelID),
			zap.String("event_id", rec.EventID),
			zap.Error(err),
		)
	}
	return err
}

func newUUID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.New(), Valid: true}
}

func textOrNull(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}
