package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/verdantis/alerts-service/internal/envelope"
)

// MemorySink collects deliveries in memory. Delay and Err simulate slow or
// failing sinks in tests.
type MemorySink struct {
	Delay time.Duration
	Err   error

	mu    sync.Mutex
	calls []MemoryCall
}

// MemoryCall is one recorded Deliver invocation.
type MemoryCall struct {
	SubscriptionID string
	EventID        string
	Event          envelope.Event
}

func (s *MemorySink) Deliver(ctx context.Context, subscriptionID string, ev envelope.Event, eventID string) (Delivery, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	if s.Err != nil {
		return Delivery{}, s.Err
	}
	s.mu.Lock()
	s.calls = append(s.calls, MemoryCall{SubscriptionID: subscriptionID, EventID: eventID, Event: ev})
	s.mu.Unlock()
	return Delivery{Info: "recorded", Location: "memory://" + eventID}, nil
}

// Calls returns a copy of the recorded deliveries.
func (s *MemorySink) Calls() []MemoryCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MemoryCall, len(s.calls))
	copy(out, s.calls)
	return out
}
