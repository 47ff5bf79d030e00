package projection

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadAssetLocations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assets.geojson")
	geo := `{
	  "type": "FeatureCollection",
	  "features": [
	    {"properties": {"asset_id": "a1", "lat": 47.2, "lon": 8.5}},
	    {"properties": {"id": "a2"}, "geometry": {"type": "Point", "coordinates": [9.1, 48.7]}},
	    {"properties": {"asset_id": "a3"}},
	    {"properties": {"lat": 1.0, "lon": 2.0}}
	  ]
	}`
	require.NoError(t, os.WriteFile(path, []byte(geo), 0o644))

	locs := LoadAssetLocations(path, zaptest.NewLogger(t))
	require.Len(t, locs, 2)
	assert.Equal(t, Location{Lat: 47.2, Lon: 8.5}, locs["a1"])
	assert.Equal(t, Location{Lat: 48.7, Lon: 9.1}, locs["a2"])
}

func TestLoadAssetLocations_Missing(t *testing.T) {
	logger := zaptest.NewLogger(t)
	assert.Empty(t, LoadAssetLocations("/nonexistent.geojson", logger))
	assert.Empty(t, LoadAssetLocations("", logger))
}

func TestLoadBundleIDs(t *testing.T) {
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	path := filepath.Join(dir, "bundles.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"items":[{"bundle_id":"b-1"},{"bundle_id":"b-2"},{"note":"no id"}]}`), 0o644))
	ids := LoadBundleIDs(path, logger)
	require.NotNil(t, ids)
	assert.Len(t, ids, 2)
	_, ok := ids["b-1"]
	assert.True(t, ok)

	// Missing file or missing items list means no index at all.
	assert.Nil(t, LoadBundleIDs(filepath.Join(dir, "absent.json"), logger))
	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{}`), 0o644))
	assert.Nil(t, LoadBundleIDs(empty, logger))

	// An empty items list is a valid index rejecting everything.
	rejectAll := filepath.Join(dir, "reject.json")
	require.NoError(t, os.WriteFile(rejectAll, []byte(`{"items":[]}`), 0o644))
	assert.NotNil(t, LoadBundleIDs(rejectAll, logger))
}

func TestLoadCausalSeries(t *testing.T) {
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a1_ndvi.json"),
		[]byte(`{"asset_id":"a1","metric":"ndvi","series":{"date":["2025-08-19","2025-08-20"],"y":[0.5,0.7]}}`), 0o644))

	// Nested directories are walked too.
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "a1_ph.json"),
		[]byte(`{"asset_id":"a1","metric":"ph","series":{"date":["2025-08-20"],"y":[6.9]}}`), 0o644))

	// Mismatched lengths and missing fields are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad_lengths.json"),
		[]byte(`{"asset_id":"a2","metric":"ndvi","series":{"date":["2025-08-19"],"y":[0.5,0.7]}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "no_metric.json"),
		[]byte(`{"asset_id":"a2","series":{"date":[],"y":[]}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not_json.txt"), []byte(`ignored`), 0o644))

	got := LoadCausalSeries(dir, logger)
	require.Len(t, got, 1)
	require.Len(t, got["a1"], 2)
	assert.Equal(t, []float64{0.5, 0.7}, got["a1"]["ndvi"].Y)
	assert.Equal(t, []float64{6.9}, got["a1"]["ph"].Y)
}

func TestLoadCausalSeries_MissingDir(t *testing.T) {
	assert.Empty(t, LoadCausalSeries("/nonexistent-causal", zaptest.NewLogger(t)))
}

func TestLoadNews(t *testing.T) {
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	path := filepath.Join(dir, "news.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"sentiment":"positive"}]`), 0o644))
	items := LoadNews(path, logger)
	require.Len(t, items, 1)
	assert.Equal(t, "positive", items[0]["sentiment"])

	assert.Nil(t, LoadNews(filepath.Join(dir, "absent.json"), logger))
	assert.Nil(t, LoadNews("", logger))
}
