package geometry

import (
	"fmt"
	"math"

	geojson "github.com/paulmach/go.geojson"
)

// Point is a WGS84 coordinate, longitude first.
type Point struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// Ring is a closed polygon ring: the first vertex equals the last.
type Ring []Point

// Offset is a (longitude, latitude) translation in degrees. The reconciler
// keeps one per council, learned from the most recent exact-offset match.
type Offset struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// Zero reports whether the offset is the identity translation.
func (o Offset) Zero() bool {
	return o.Lng == 0 && o.Lat == 0
}

// Bound is an axis-aligned bounding box in degrees.
type Bound struct {
	MinLng, MinLat, MaxLng, MaxLat float64
}

// Round7 truncates a coordinate to 7 decimal places (~1 cm at UK latitudes),
// the storage precision for all boundary geometry.
func Round7(v float64) float64 {
	return math.Round(v*1e7) / 1e7
}

// trunc6 truncates a coordinate to 6 decimal places before it is fed to the
// polygon boolean engine, which tolerates near-colinear edges poorly at
// higher precision.
func trunc6(v float64) float64 {
	return math.Trunc(v*1e6) / 1e6
}

// Closed reports whether the ring's first vertex equals its last.
func (r Ring) Closed() bool {
	if len(r) < 4 {
		return false
	}
	return r[0] == r[len(r)-1]
}

// Close returns the ring with its first vertex appended when it is not
// already closed.
func (r Ring) Close() Ring {
	if len(r) == 0 || r.Closed() {
		return r
	}
	return append(r, r[0])
}

// Translate returns the ring shifted by the given offset.
func (r Ring) Translate(o Offset) Ring {
	if o.Zero() {
		return r
	}
	out := make(Ring, len(r))
	for i, p := range r {
		out[i] = Point{Lng: p.Lng + o.Lng, Lat: p.Lat + o.Lat}
	}
	return out
}

// Bound returns the ring's bounding box.
func (r Ring) Bound() Bound {
	b := Bound{MinLng: math.Inf(1), MinLat: math.Inf(1), MaxLng: math.Inf(-1), MaxLat: math.Inf(-1)}
	for _, p := range r {
		b.MinLng = math.Min(b.MinLng, p.Lng)
		b.MinLat = math.Min(b.MinLat, p.Lat)
		b.MaxLng = math.Max(b.MaxLng, p.Lng)
		b.MaxLat = math.Max(b.MaxLat, p.Lat)
	}
	return b
}

// Intersects reports whether two bounds overlap.
func (b Bound) Intersects(o Bound) bool {
	return b.MinLng <= o.MaxLng && o.MinLng <= b.MaxLng &&
		b.MinLat <= o.MaxLat && o.MinLat <= b.MaxLat
}

// metersPerDegree returns the local metre lengths of one degree of latitude
// and longitude at the given latitude. Good to ~0.1% over England and Wales.
func metersPerDegree(lat float64) (mLat, mLng float64) {
	rad := lat * math.Pi / 180
	mLat = 111132.92 - 559.82*math.Cos(2*rad) + 1.175*math.Cos(4*rad)
	mLng = 111412.84*math.Cos(rad) - 93.5*math.Cos(3*rad)
	return mLat, mLng
}

// areaSqMeters converts a planar area in squared degrees to square metres
// using the local scale at the given latitude.
func areaSqMeters(areaDeg2, lat float64) float64 {
	mLat, mLng := metersPerDegree(lat)
	return math.Abs(areaDeg2) * mLat * mLng
}

// lengthMeters converts a degree-space length at the given latitude,
// averaging the two axis scales. Used only for buffer radii, where the
// half-percent axis anisotropy is immaterial.
func degreesForMeters(m, lat float64) float64 {
	mLat, mLng := metersPerDegree(lat)
	return m / ((mLat + mLng) / 2)
}

// RingFromGeoJSON extracts the exterior ring of a GeoJSON Polygon geometry.
// Multi-polygons and non-polygon geometries return ErrNotSimplePolygon: the
// reconciler classifies those as failures rather than guessing.
func RingFromGeoJSON(g *geojson.Geometry) (Ring, error) {
	if g == nil {
		return nil, ErrNotSimplePolygon
	}
	if g.IsMultiPolygon() {
		return nil, ErrNotSimplePolygon
	}
	if !g.IsPolygon() || len(g.Polygon) == 0 {
		return nil, ErrNotSimplePolygon
	}
	exterior := g.Polygon[0]
	ring := make(Ring, 0, len(exterior))
	for _, pos := range exterior {
		if len(pos) < 2 {
			return nil, fmt.Errorf("polygon vertex has %d ordinates: %w", len(pos), ErrDegenerateGeometry)
		}
		ring = append(ring, Point{Lng: pos[0], Lat: pos[1]})
	}
	ring = ring.Close()
	if len(ring) < 4 {
		return nil, ErrDegenerateGeometry
	}
	return ring, nil
}

// ToGeoJSON renders the ring as a GeoJSON Polygon geometry.
func (r Ring) ToGeoJSON() *geojson.Geometry {
	coords := make([][]float64, 0, len(r))
	for _, p := range r {
		coords = append(coords, []float64{p.Lng, p.Lat})
	}
	return geojson.NewPolygonGeometry([][][]float64{coords})
}

// Centroid returns the ring's area-weighted centroid.
func (r Ring) Centroid() Point {
	pt, err := engineCentroid(r)
	if err != nil {
		// Degenerate ring: fall back to the vertex mean.
		var sLng, sLat float64
		n := len(r)
		if r.Closed() {
			n--
		}
		for i := 0; i < n; i++ {
			sLng += r[i].Lng
			sLat += r[i].Lat
		}
		return Point{Lng: sLng / float64(n), Lat: sLat / float64(n)}
	}
	return pt
}
