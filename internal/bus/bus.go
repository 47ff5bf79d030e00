// Package bus publishes platform events. The file backend appends JSON
// lines; the Redis backend writes one XAdd per event with the record under
// a single "data" field; the NATS backend publishes onto the platform
// event stream. All backends share the record shape
// {"ts": <unix seconds>, "topic": <topic>, ...payload}, with payload keys
// winning on collision.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/natsclient"
)

// Backend names accepted by New.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendNATS  = "nats"
)

// DefaultFilePath is where the file backend appends when no path is set.
const DefaultFilePath = "data/processed/events.log"

// Publisher is the minimal producing surface of the platform bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any) error
	Close() error
}

// Config selects and parameterises a bus backend.
type Config struct {
	Backend  string
	FilePath string
	RedisURL string
}

// New builds the configured backend. The NATS client is shared with the
// rest of the service and is only required for the nats backend.
func New(cfg Config, nc *natsclient.Client, logger *zap.Logger) (Publisher, error) {
	switch cfg.Backend {
	case "", BackendFile:
		return NewFileBus(cfg.FilePath, logger)
	case BackendRedis:
		return NewRedisBus(cfg.RedisURL, logger)
	case BackendNATS:
		if nc == nil {
			return nil, errors.New("nats bus backend selected without a NATS client")
		}
		return NewNATSBus(nc), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}

func record(topic string, payload map[string]any, now func() time.Time) map[string]any {
	rec := make(map[string]any, len(payload)+2)
	rec["ts"] = float64(now().UnixNano()) / 1e9
	rec["topic"] = topic
	for k, v := range payload {
		rec[k] = v
	}
	return rec
}

// FileBus appends one JSON line per event.
type FileBus struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

func NewFileBus(path string, logger *zap.Logger) (*FileBus, error) {
	if path == "" {
		path = DefaultFilePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bus log dir: %w", err)
	}
	return &FileBus{path: path, logger: logger, now: time.Now}, nil
}

func (b *FileBus) Publish(_ context.Context, topic string, payload map[string]any) error {
	data, err := json.Marshal(record(topic, payload, b.now))
	if err != nil {
		return fmt.Errorf("failed to encode bus record: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open bus log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append bus record: %w", err)
	}
	return nil
}

func (b *FileBus) Close() error { return nil }

// RedisBus publishes to a Redis Stream keyed by topic.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewRedisBus(url string, logger *zap.Logger) (*RedisBus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisBus{client: redis.NewClient(opt), logger: logger, now: time.Now}, nil
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload map[string]any) error {
	data, err := json.Marshal(record(topic, payload, b.now))
	if err != nil {
		return fmt.Errorf("failed to encode bus record: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to XADD to %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Close() error { return b.client.Close() }

// NATSBus publishes onto the platform event stream through JetStream.
// The underlying connection is owned by the caller and closed there.
type NATSBus struct {
	nc  *natsclient.Client
	now func() time.Time
}

func NewNATSBus(nc *natsclient.Client) *NATSBus {
	return &NATSBus{nc: nc, now: time.Now}
}

func (b *NATSBus) Publish(_ context.Context, topic string, payload map[string]any) error {
	data, err := json.Marshal(record(topic, payload, b.now))
	if err != nil {
		return fmt.Errorf("failed to encode bus record: %w", err)
	}
	if _, err := b.nc.JS.Publish(natsclient.EventSubject(topic), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (b *NATSBus) Close() error { return nil }
