package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/parcelmap/parcelmap-go/internal/geometry"
	geojson "github.com/paulmach/go.geojson"
)

// Feature is one parcel read from a reprojected council file, normalised and
// ready for the pending table.
type Feature struct {
	PolyID  int64
	GeoJSON string
}

// StreamFeatures walks a reprojected FeatureCollection one feature at a time,
// so a council file of hundreds of megabytes never sits in memory. Each
// vertex pair is reversed into (lng, lat) order, since ogr2ogr honours the
// EPSG:4326 axis order of lat first, and rounded to 7 decimal places.
// Features without a usable INSPIREID are skipped and counted.
func StreamFeatures(r io.Reader, emit func(Feature) error) (emitted, skipped int, err error) {
	dec := json.NewDecoder(r)

	if err := seekFeatures(dec); err != nil {
		return 0, 0, err
	}

	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return emitted, skipped, fmt.Errorf("decode feature: %w", err)
		}
		feature, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return emitted, skipped, fmt.Errorf("parse feature: %w", err)
		}

		polyID, ok := inspireID(feature)
		if !ok {
			skipped++
			continue
		}
		geomJSON, err := normaliseGeometry(feature.Geometry)
		if err != nil {
			skipped++
			continue
		}

		if err := emit(Feature{PolyID: polyID, GeoJSON: geomJSON}); err != nil {
			return emitted, skipped, err
		}
		emitted++
	}
	return emitted, skipped, nil
}

// seekFeatures advances the decoder past the collection preamble to the
// opening bracket of the features array.
func seekFeatures(dec *json.Decoder) error {
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("no features array in collection")
			}
			return fmt.Errorf("read collection preamble: %w", err)
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		case string:
			if depth == 1 && t == "features" {
				open, err := dec.Token()
				if err != nil {
					return fmt.Errorf("read features array: %w", err)
				}
				if d, ok := open.(json.Delim); !ok || d != '[' {
					return fmt.Errorf("features is not an array")
				}
				return nil
			}
		}
	}
}

// inspireID pulls the parcel identifier out of a feature's properties. The
// converter emits it as a JSON number for most councils and a string for a
// handful.
func inspireID(f *geojson.Feature) (int64, bool) {
	raw, ok := f.Properties["INSPIREID"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}

// normaliseGeometry reverses every vertex into (lng, lat) order, rounds to
// storage precision, and re-encodes the geometry.
func normaliseGeometry(g *geojson.Geometry) (string, error) {
	if g == nil {
		return "", fmt.Errorf("feature has no geometry")
	}
	switch {
	case g.IsPolygon():
		normaliseRings(g.Polygon)
	case g.IsMultiPolygon():
		for _, rings := range g.MultiPolygon {
			normaliseRings(rings)
		}
	default:
		return "", fmt.Errorf("unsupported geometry type %s", g.Type)
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("encode geometry: %w", err)
	}
	return string(raw), nil
}

func normaliseRings(rings [][][]float64) {
	for _, ring := range rings {
		for _, vertex := range ring {
			if len(vertex) < 2 {
				continue
			}
			vertex[0], vertex[1] = geometry.Round7(vertex[1]), geometry.Round7(vertex[0])
		}
	}
}
