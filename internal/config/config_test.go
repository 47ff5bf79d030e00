package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const subsOne = `{"subscriptions": [
	{"id": "sub_drought", "topics": ["drought.alert"]}
]}`

const subsTwo = `{"subscriptions": [
	{"id": "sub_drought", "topics": ["drought.alert"]},
	{"id": "sub_flood", "topics": ["flood.alert"], "severity_at_least": "warning"}
]}`

const routesOne = `{"routes": [
	{
		"id": "route_outbox",
		"match": {"topics": ["drought.alert"]},
		"channels": [{"type": "webhook", "id": "ch_outbox", "outbox_dir": "outbox"}]
	}
]}`

const routesLimited = `{"routes": [
	{
		"id": "route_outbox",
		"match": {},
		"channels": [{"type": "webhook", "id": "ch_outbox", "outbox_dir": "outbox"}]
	}
], "rate_limit": {"max_per_run": 5}}`

func writeWiring(t *testing.T, dir, subs, routes string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SubscriptionsFile), []byte(subs), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, RoutesFile), []byte(routes), 0o644))
}

func TestNewStoreLoadsWiring(t *testing.T) {
	dir := t.TempDir()
	writeWiring(t, dir, subsOne, routesOne)

	store, err := NewStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	p := store.Current()
	require.NotNil(t, p)
	require.Len(t, p.Subscriptions, 1)
	assert.Equal(t, "sub_drought", p.Subscriptions[0].ID)
	require.Len(t, p.Routes.Routes, 1)
	assert.Equal(t, "route_outbox", p.Routes.Routes[0].ID)
	assert.Nil(t, p.Routes.RateLimit.MaxPerRun)
}

func TestNewStoreRejectsInvalidWiring(t *testing.T) {
	tests := []struct {
		name   string
		subs   string
		routes string
	}{
		{
			name:   "duplicate subscription id",
			subs:   `{"subscriptions": [{"id": "sub_a"}, {"id": "sub_a"}]}`,
			routes: routesOne,
		},
		{
			name:   "channel without id",
			subs:   subsOne,
			routes: `{"routes": [{"id": "r1", "channels": [{"type": "webhook"}]}]}`,
		},
		{
			name:   "malformed routes json",
			subs:   subsOne,
			routes: `{"routes": [`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeWiring(t, dir, tt.subs, tt.routes)

			store, err := NewStore(dir, zaptest.NewLogger(t))
			assert.Error(t, err)
			assert.Nil(t, store)
		})
	}
}

func TestNewStoreMissingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SubscriptionsFile), []byte(subsOne), 0o644))

	_, err := NewStore(dir, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestReloadSwapsBothFiles(t *testing.T) {
	dir := t.TempDir()
	writeWiring(t, dir, subsOne, routesOne)
	store, err := NewStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	before := store.Current()

	writeWiring(t, dir, subsTwo, routesLimited)
	require.NoError(t, store.Reload())

	after := store.Current()
	require.Len(t, after.Subscriptions, 2)
	assert.Equal(t, "sub_flood", after.Subscriptions[1].ID)
	require.NotNil(t, after.Routes.RateLimit.MaxPerRun)
	assert.Equal(t, 5, *after.Routes.RateLimit.MaxPerRun)

	// The old snapshot is untouched for readers still holding it.
	assert.Len(t, before.Subscriptions, 1)
	assert.Nil(t, before.Routes.RateLimit.MaxPerRun)
}

func TestReloadKeepsPreviousOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeWiring(t, dir, subsOne, routesOne)
	store, err := NewStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	// Valid subscriptions paired with broken routes must not half-apply.
	writeWiring(t, dir, subsTwo, `{"routes": [`)
	assert.Error(t, store.Reload())

	p := store.Current()
	require.Len(t, p.Subscriptions, 1)
	assert.Equal(t, "sub_drought", p.Subscriptions[0].ID)
	require.Len(t, p.Routes.Routes, 1)
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	writeWiring(t, dir, subsOne, routesOne)
	store, err := NewStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	// Give the watcher a moment to register before touching files.
	time.Sleep(100 * time.Millisecond)
	writeWiring(t, dir, subsTwo, routesOne)

	deadline := time.After(5 * time.Second)
	for len(store.Current().Subscriptions) != 2 {
		select {
		case <-deadline:
			t.Fatal("watcher did not apply the updated subscriptions")
		case <-time.After(25 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	writeWiring(t, dir, subsOne, routesOne)
	store, err := NewStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestWatchedFile(t *testing.T) {
	assert.True(t, watchedFile("/etc/alerts/subscriptions.json"))
	assert.True(t, watchedFile("config/routes.json"))
	assert.False(t, watchedFile("/etc/alerts/dedupe.json"))
	assert.False(t, watchedFile("subscriptions.json.swp"))
}
