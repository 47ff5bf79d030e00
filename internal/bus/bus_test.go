package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fixedNow() time.Time {
	return time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)
}

func TestFileBusAppendsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	b, err := NewFileBus(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	b.now = fixedNow

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "ViolationFlagged", map[string]any{"rule_id": "r1", "asset_id": "a1"}))
	require.NoError(t, b.Publish(ctx, "NotificationSent", map[string]any{"channel_id": "ch_email"}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 2)

	assert.Equal(t, "ViolationFlagged", lines[0]["topic"])
	assert.Equal(t, "r1", lines[0]["rule_id"])
	assert.Equal(t, "a1", lines[0]["asset_id"])
	assert.Equal(t, float64(fixedNow().Unix()), lines[0]["ts"])
	assert.Equal(t, "NotificationSent", lines[1]["topic"])
}

func TestFileBusPayloadWinsOnCollision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	b, err := NewFileBus(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	b.now = fixedNow

	payload := map[string]any{"ts": "2025-08-20T00:00:00Z", "topic": "deforestation.alert"}
	require.NoError(t, b.Publish(context.Background(), "events", payload))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(data, &rec))

	// An event that already carries ts/topic keeps its own values.
	assert.Equal(t, "2025-08-20T00:00:00Z", rec["ts"])
	assert.Equal(t, "deforestation.alert", rec["topic"])
}

func TestRedisBusXAdd(t *testing.T) {
	mr := miniredis.RunT(t)

	b, err := NewRedisBus("redis://"+mr.Addr(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()
	b.now = fixedNow

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "ViolationFlagged", map[string]any{"rule_id": "r9"}))

	msgs, err := b.client.XRange(ctx, "ViolationFlagged", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	raw, ok := msgs[0].Values["data"].(string)
	require.True(t, ok)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, "ViolationFlagged", rec["topic"])
	assert.Equal(t, "r9", rec["rule_id"])
}

func TestNewSelectsBackend(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	p, err := New(Config{FilePath: filepath.Join(dir, "events.log")}, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &FileBus{}, p)

	_, err = New(Config{Backend: "kafka"}, nil, logger)
	assert.Error(t, err)

	_, err = New(Config{Backend: BackendNATS}, nil, logger)
	assert.Error(t, err, "nats backend without client must fail")

	_, err = New(Config{Backend: BackendRedis, RedisURL: "not-a-url"}, nil, logger)
	assert.Error(t, err)
}
