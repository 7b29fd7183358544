package geometry

import (
	"encoding/json"
	"testing"

	geojson "github.com/paulmach/go.geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// square builds an axis-aligned open ring with its south-west corner at
// (lng, lat).
func square(lng, lat, dLng, dLat float64) Ring {
	return Ring{
		{Lng: lng, Lat: lat},
		{Lng: lng + dLng, Lat: lat},
		{Lng: lng + dLng, Lat: lat + dLat},
		{Lng: lng, Lat: lat + dLat},
	}
}

// parcel is a realistically sized test parcel: roughly 35 m by 56 m at a
// mid-England latitude.
func parcel() Ring {
	return square(-1.0, 51.0, 5e-4, 5e-4)
}

func TestRound7(t *testing.T) {
	assert.InDelta(t, 51.1234567, Round7(51.12345674), 1e-12)
	assert.InDelta(t, -0.1234568, Round7(-0.12345679), 1e-12)
	assert.Equal(t, 0.0, Round7(0))
}

func TestRing_Close(t *testing.T) {
	open := square(0, 0, 1, 1)
	closed := open.Close()
	require.Len(t, closed, 5)
	assert.Equal(t, closed[0], closed[4])
	assert.True(t, closed.Closed())

	// Closing an already closed ring is a no-op.
	assert.Len(t, closed.Close(), 5)
}

func TestRing_Translate(t *testing.T) {
	r := parcel()
	moved := r.Translate(Offset{Lng: 1e-4, Lat: -2e-4})
	for i := range r {
		assert.InDelta(t, r[i].Lng+1e-4, moved[i].Lng, 1e-12)
		assert.InDelta(t, r[i].Lat-2e-4, moved[i].Lat, 1e-12)
	}

	// The zero offset returns the ring unchanged.
	same := r.Translate(Offset{})
	assert.Equal(t, r, same)
}

func TestRing_Bound(t *testing.T) {
	b := parcel().Bound()
	assert.Equal(t, -1.0, b.MinLng)
	assert.Equal(t, 51.0, b.MinLat)
	assert.InDelta(t, -0.9995, b.MaxLng, 1e-12)
	assert.InDelta(t, 51.0005, b.MaxLat, 1e-12)
}

func TestBound_Intersects(t *testing.T) {
	a := Bound{MinLng: 0, MinLat: 0, MaxLng: 1, MaxLat: 1}
	assert.True(t, a.Intersects(Bound{MinLng: 0.5, MinLat: 0.5, MaxLng: 2, MaxLat: 2}))
	assert.True(t, a.Intersects(Bound{MinLng: 1, MinLat: 1, MaxLng: 2, MaxLat: 2})) // touching counts
	assert.False(t, a.Intersects(Bound{MinLng: 1.1, MinLat: 0, MaxLng: 2, MaxLat: 1}))
}

func TestRing_AreaM2(t *testing.T) {
	r := parcel()
	area, err := r.AreaM2()
	require.NoError(t, err)

	mLat, mLng := metersPerDegree(51.00025)
	expected := 5e-4 * mLng * 5e-4 * mLat
	assert.InDelta(t, expected, area, expected*0.01)
}

func TestRing_Centroid(t *testing.T) {
	c := parcel().Centroid()
	assert.InDelta(t, -0.99975, c.Lng, 1e-6)
	assert.InDelta(t, 51.00025, c.Lat, 1e-6)
}

func TestRingFromGeoJSON(t *testing.T) {
	t.Run("polygon", func(t *testing.T) {
		g := geojson.NewPolygonGeometry([][][]float64{{
			{-1, 51}, {-0.9995, 51}, {-0.9995, 51.0005}, {-1, 51.0005}, {-1, 51},
		}})
		ring, err := RingFromGeoJSON(g)
		require.NoError(t, err)
		require.Len(t, ring, 5)
		assert.Equal(t, Point{Lng: -1, Lat: 51}, ring[0])
	})

	t.Run("multipolygon rejected", func(t *testing.T) {
		g := geojson.NewMultiPolygonGeometry([][][]float64{{
			{-1, 51}, {-0.9995, 51}, {-0.9995, 51.0005}, {-1, 51},
		}})
		_, err := RingFromGeoJSON(g)
		assert.ErrorIs(t, err, ErrNotSimplePolygon)
	})

	t.Run("point rejected", func(t *testing.T) {
		_, err := RingFromGeoJSON(geojson.NewPointGeometry([]float64{-1, 51}))
		assert.ErrorIs(t, err, ErrNotSimplePolygon)
	})
}

func TestRing_ToGeoJSON_RoundTrip(t *testing.T) {
	ring := parcel().Close()
	raw, err := json.Marshal(ring.ToGeoJSON())
	require.NoError(t, err)

	parsed, err := geojson.UnmarshalGeometry(raw)
	require.NoError(t, err)
	back, err := RingFromGeoJSON(parsed)
	require.NoError(t, err)
	assert.Equal(t, ring, back)
}

func TestComputeOverlap_Identical(t *testing.T) {
	r := parcel()
	ov, err := ComputeOverlap(r, r)
	require.NoError(t, err)
	assert.InDelta(t, 100, ov.PercentIntersect, 1e-9)
	assert.InDelta(t, 0, ov.SymDiffM2, 1e-9)
	assert.Greater(t, ov.IntersectionM2, 1000.0)
}

func TestComputeOverlap_Disjoint(t *testing.T) {
	a := parcel()
	b := square(-0.99, 51.0, 5e-4, 5e-4)
	ov, err := ComputeOverlap(a, b)
	require.NoError(t, err)
	assert.Equal(t, 0.0, ov.IntersectionM2)
	assert.Equal(t, 0.0, ov.PercentIntersect)
}

func TestComputeOverlap_HalfShift(t *testing.T) {
	a := parcel()
	b := a.Translate(Offset{Lng: 2.5e-4}) // half the parcel width
	ov, err := ComputeOverlap(a, b)
	require.NoError(t, err)
	// Intersection is half a parcel, union one and a half.
	assert.InDelta(t, 33.3, ov.PercentIntersect, 1.0)
}

func TestRingsIntersect(t *testing.T) {
	a := parcel()
	hit, err := RingsIntersect(a, a.Translate(Offset{Lng: 1e-4}))
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = RingsIntersect(a, square(-0.99, 51, 5e-4, 5e-4))
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestDistanceMeters(t *testing.T) {
	// One millidegree of latitude is about 111 m everywhere.
	d := DistanceMeters(Point{Lng: -1, Lat: 51}, Point{Lng: -1, Lat: 51.001})
	assert.InDelta(t, 111.2, d, 1.0)

	assert.InDelta(t, 0, DistanceMeters(Point{Lng: -1, Lat: 51}, Point{Lng: -1, Lat: 51}), 1e-9)
}
