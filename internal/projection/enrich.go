package projection

import (
	"io/fs"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/fsjson"
)

// Location is a point coordinate attached to an asset on the map layer.
type Location struct {
	Lat float64
	Lon float64
}

type geoFeature struct {
	Properties map[string]any `json:"properties"`
	Geometry   struct {
		Type        string `json:"type"`
		Coordinates []any  `json:"coordinates"`
	} `json:"geometry"`
}

type featureCollection struct {
	Features []geoFeature `json:"features"`
}

// LoadAssetLocations extracts one coordinate per asset from a GeoJSON
// FeatureCollection. Features are keyed by properties.asset_id (falling back
// to properties.id); the coordinate comes from numeric lat/lon properties or,
// failing that, from a Point geometry's [lon, lat] pair. Location data is
// optional enrichment: a missing or malformed file yields an empty map.
func LoadAssetLocations(path string, logger *zap.Logger) map[string]Location {
	out := map[string]Location{}
	if path == "" {
		return out
	}
	var fc featureCollection
	if err := fsjson.Read(path, &fc); err != nil {
		logger.Debug("asset locations unavailable", zap.String("path", path), zap.Error(err))
		return out
	}
	for _, ft := range fc.Features {
		assetID := stringProp(ft.Properties, "asset_id")
		if assetID == "" {
			assetID = stringProp(ft.Properties, "id")
		}
		if assetID == "" {
			continue
		}
		lat, okLat := asFloat(ft.Properties["lat"])
		lon, okLon := asFloat(ft.Properties["lon"])
		if okLat && okLon {
			out[assetID] = Location{Lat: lat, Lon: lon}
			continue
		}
		if ft.Geometry.Type == "Point" && len(ft.Geometry.Coordinates) >= 2 {
			lon, okLon = asFloat(ft.Geometry.Coordinates[0])
			lat, okLat = asFloat(ft.Geometry.Coordinates[1])
			if okLat && okLon {
				out[assetID] = Location{Lat: lat, Lon: lon}
			}
		}
	}
	return out
}

// LoadBundleIDs reads the evidence bundle index `{items:[{bundle_id,...}]}`
// and returns the set of known bundle ids. A nil return means no index was
// available, which disables bundle reference validation entirely; a non-nil
// empty set means every reference is invalid.
func LoadBundleIDs(path string, logger *zap.Logger) map[string]struct{} {
	if path == "" {
		return nil
	}
	var idx struct {
		Items []struct {
			BundleID string `json:"bundle_id"`
		} `json:"items"`
	}
	if err := fsjson.Read(path, &idx); err != nil {
		logger.Debug("bundles index unavailable", zap.String("path", path), zap.Error(err))
		return nil
	}
	if idx.Items == nil {
		return nil
	}
	ids := make(map[string]struct{}, len(idx.Items))
	for _, item := range idx.Items {
		if item.BundleID != "" {
			ids[item.BundleID] = struct{}{}
		}
	}
	return ids
}

// CausalSeries is one exported metric series for an asset, with dates and
// values aligned by index.
type CausalSeries struct {
	Dates []string  `json:"date"`
	Y     []float64 `json:"y"`
}

type causalFile struct {
	AssetID string       `json:"asset_id"`
	Metric  string       `json:"metric"`
	Series  CausalSeries `json:"series"`
}

// LoadCausalSeries walks dir recursively for *.json files shaped as
// {asset_id, metric, series:{date:[], y:[]}} and indexes them by asset and
// metric. Files that fail to parse, lack an asset or metric, or carry
// mismatched series lengths are skipped.
func LoadCausalSeries(dir string, logger *zap.Logger) map[string]map[string]CausalSeries {
	out := map[string]map[string]CausalSeries{}
	if dir == "" {
		return out
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		var cf causalFile
		if err := fsjson.Read(path, &cf); err != nil {
			logger.Debug("skipping causal file", zap.String("path", path), zap.Error(err))
			return nil
		}
		if cf.AssetID == "" || cf.Metric == "" || len(cf.Series.Dates) != len(cf.Series.Y) {
			return nil
		}
		byMetric := out[cf.AssetID]
		if byMetric == nil {
			byMetric = map[string]CausalSeries{}
			out[cf.AssetID] = byMetric
		}
		byMetric[cf.Metric] = cf.Series
		return nil
	})
	if err != nil {
		logger.Debug("causal series dir unavailable", zap.String("dir", dir), zap.Error(err))
	}
	return out
}

// LoadNews reads the scored-news export, a JSON array of free-form article
// objects. Missing or malformed files yield nil.
func LoadNews(path string, logger *zap.Logger) []map[string]any {
	if path == "" {
		return nil
	}
	var items []map[string]any
	if err := fsjson.Read(path, &items); err != nil {
		logger.Debug("news export unavailable", zap.String("path", path), zap.Error(err))
		return nil
	}
	return items
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func asFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
