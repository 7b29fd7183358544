package ingest

import (
	"strings"
	"testing"

	geojson "github.com/paulmach/go.geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The converter emits vertices latitude-first; the streamer flips them.
const councilCollection = `{
  "type": "FeatureCollection",
  "name": "predeterminedboundaries",
  "crs": {"type": "name", "properties": {"name": "urn:ogc:def:crs:OGC:1.3:CRS84"}},
  "features": [
    {"type": "Feature", "properties": {"INSPIREID": 12345678},
     "geometry": {"type": "Polygon", "coordinates": [[
       [51.50000014, -0.10000012], [51.5, -0.0995], [51.5005, -0.0995], [51.50000014, -0.10000012]
     ]]}},
    {"type": "Feature", "properties": {"INSPIREID": "87654321"},
     "geometry": {"type": "Polygon", "coordinates": [[
       [52.0, -1.0], [52.0, -0.9995], [52.0005, -0.9995], [52.0, -1.0]
     ]]}},
    {"type": "Feature", "properties": {"OTHER": 1},
     "geometry": {"type": "Polygon", "coordinates": [[
       [53.0, -2.0], [53.0, -1.9995], [53.0005, -1.9995], [53.0, -2.0]
     ]]}}
  ]
}`

func TestStreamFeatures(t *testing.T) {
	var got []Feature
	emitted, skipped, err := StreamFeatures(strings.NewReader(councilCollection), func(f Feature) error {
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, emitted)
	assert.Equal(t, 1, skipped) // no INSPIREID property

	require.Len(t, got, 2)
	assert.Equal(t, int64(12345678), got[0].PolyID)
	assert.Equal(t, int64(87654321), got[1].PolyID)

	// Vertices come out longitude-first, rounded to 7 decimal places.
	g, err := geojson.UnmarshalGeometry([]byte(got[0].GeoJSON))
	require.NoError(t, err)
	require.True(t, g.IsPolygon())
	first := g.Polygon[0][0]
	assert.InDelta(t, -0.1000001, first[0], 1e-12)
	assert.InDelta(t, 51.5000001, first[1], 1e-12)
}

func TestStreamFeatures_MultiPolygonPassedThrough(t *testing.T) {
	const collection = `{"type":"FeatureCollection","features":[
	  {"type":"Feature","properties":{"INSPIREID":1},
	   "geometry":{"type":"MultiPolygon","coordinates":[
	     [[[51.0,-1.0],[51.0,-0.9995],[51.0005,-0.9995],[51.0,-1.0]]]
	   ]}}
	]}`

	var got []Feature
	emitted, skipped, err := StreamFeatures(strings.NewReader(collection), func(f Feature) error {
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, emitted)
	assert.Zero(t, skipped)

	// Multi-part parcels are stored as-is; the reconciler fails them later.
	g, err := geojson.UnmarshalGeometry([]byte(got[0].GeoJSON))
	require.NoError(t, err)
	assert.True(t, g.IsMultiPolygon())
	assert.InDelta(t, -1.0, g.MultiPolygon[0][0][0][0], 1e-12)
	assert.InDelta(t, 51.0, g.MultiPolygon[0][0][0][1], 1e-12)
}

func TestStreamFeatures_UnsupportedGeometrySkipped(t *testing.T) {
	const collection = `{"type":"FeatureCollection","features":[
	  {"type":"Feature","properties":{"INSPIREID":1},
	   "geometry":{"type":"Point","coordinates":[51.0,-1.0]}}
	]}`

	emitted, skipped, err := StreamFeatures(strings.NewReader(collection), func(Feature) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, emitted)
	assert.Equal(t, 1, skipped)
}

func TestStreamFeatures_NoFeaturesArray(t *testing.T) {
	_, _, err := StreamFeatures(strings.NewReader(`{"type":"FeatureCollection"}`), func(Feature) error { return nil })
	assert.Error(t, err)
}
