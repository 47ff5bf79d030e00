// Package consumer contains the NATS consumers of the alerts-service.
//
// EventConsumer pulls platform events off the PLATFORM_EVENTS JetStream
// stream and feeds them to the streaming pipeline; CronConsumer reacts to
// scheduler ticks with projection rebuilds and state checkpoints.
//
// Design principles:
//   - Pull-based subscription (not push) for backpressure control.
//   - msg.Ack() is called ONLY after the pipeline accepted the event.
//   - msg.Nak() requeues transient failures; msg.Term() discards poison pills.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/natsclient"
)

const (
	eventDurableName = "alerts-event-consumer"
	fetchBatch       = 64
)

// Ingestor receives decoded platform events in arrival order.
type Ingestor interface {
	Ingest(ctx context.Context, ev envelope.Event) error
}

// BatchCheckpointer is implemented by ingestors that persist state after
// each consumed batch. The consumer checkpoints before fetching the next
// batch, bounding replay on a crash to one batch.
type BatchCheckpointer interface {
	Checkpoint(ctx context.Context) error
}

// EventConsumer pulls platform events and hands them to the pipeline.
type EventConsumer struct {
	nats     *natsclient.Client
	ingestor Ingestor
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewEventConsumer constructs an EventConsumer.
func NewEventConsumer(nc *natsclient.Client, in Ingestor, logger *zap.Logger) *EventConsumer {
	return &EventConsumer{
		nats:     nc,
		ingestor: in,
		logger:   logger,
		tracer:   otel.Tracer("alerts-event-consumer"),
	}
}

// Start creates a durable pull subscription and launches the processing
// loop in a background goroutine. It returns immediately.
//
// The subscription binds to the PLATFORM_EVENTS stream, which must exist
// before Start is called (guaranteed by natsclient.ProvisionStreams).
func (c *EventConsumer) Start(ctx context.Context) error {
	sub, err := c.nats.JS.PullSubscribe(
		natsclient.SubjectEvents,
		eventDurableName,
		nats.BindStream(natsclient.StreamPlatformEvents),
		nats.AckExplicit(),
		nats.ManualAck(),
	)
	if err != nil {
		return fmt.Errorf("event consumer: PullSubscribe: %w", err)
	}

	c.logger.Info("event consumer initialised",
		zap.String("stream", natsclient.StreamPlatformEvents),
		zap.String("durable", eventDurableName),
		zap.String("subject", natsclient.SubjectEvents),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("event consumer stopping")
				return
			default:
				msgs, err := sub.Fetch(fetchBatch, nats.Context(ctx))
				if err != nil {
					// Fetch returns nats.ErrTimeout on an empty queue.
					continue
				}
				for _, msg := range msgs {
					c.processMessage(ctx, msg)
				}
				c.checkpoint(ctx, len(msgs))
			}
		}
	}()

	return nil
}

// checkpoint persists ingestor state after a non-empty batch, when the
// ingestor supports it.
func (c *EventConsumer) checkpoint(ctx context.Context, batchSize int) {
	if batchSize == 0 {
		return
	}
	cp, ok := c.ingestor.(BatchCheckpointer)
	if !ok {
		return
	}
	if err := cp.Checkpoint(ctx); err != nil {
		c.logger.Error("post-batch checkpoint failed", zap.Error(err))
	}
}

// processMessage dispatches a single NATS message, handles ACK/NAK/Term,
// and keeps processEvent pure (no NATS dependency) for unit-testability.
func (c *EventConsumer) processMessage(ctx context.Context, msg *nats.Msg) {
	err := c.processEvent(ctx, msg.Data)
	if err != nil {
		switch err.(type) {
		case *poisonPillError:
			// Malformed payload, terminate so it is never redelivered.
			c.logger.Warn("terminating poison-pill event", zap.Error(err))
			msg.Term()
		default:
			// Transient failure, NAK to redeliver after back-off.
			c.logger.Error("NAK event (transient error)", zap.Error(err))
			msg.Nak()
		}
		return
	}
	// Ack ONLY after the pipeline accepted the event.
	msg.Ack()
}

// processEvent decodes a raw platform event and offers it to the pipeline.
//
// Returns a *poisonPillError for structurally invalid messages and a plain
// error for transient failures (pipeline back-pressure, sink outage).
func (c *EventConsumer) processEvent(ctx context.Context, data []byte) error {
	var ev envelope.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("unmarshal event: %v", err)}
	}

	ctx, span := c.tracer.Start(ctx, "alerts.ingest")
	span.SetAttributes(
		attribute.String("event.topic", ev.Topic),
		attribute.String("event.severity", ev.Severity),
	)
	defer span.End()

	if err := c.ingestor.Ingest(ctx, ev); err != nil {
		span.RecordError(err)
		return fmt.Errorf("ingest event: %w", err)
	}

	c.logger.Debug("event ingested",
		zap.String("id", ev.ID),
		zap.String("topic", ev.Topic),
	)
	return nil
}

// poisonPillError wraps structural parse failures. processMessage
// terminates (rather than NAKs) messages wrapped in this type.
type poisonPillError struct{ msg string }

func (e *poisonPillError) Error() string { return "poison pill: " + e.msg }
