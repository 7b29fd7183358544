package geometry

import (
	"context"
	"errors"
	"testing"

	"github.com/parcelmap/parcelmap-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGeocoder struct {
	points []Point
	err    error
	calls  int
}

func (s *stubGeocoder) Geocode(ctx context.Context, address string) ([]Point, error) {
	s.calls++
	return s.points, s.err
}

func classify(t *testing.T, c *Classifier, old, new Ring, sticky Offset, address string) Result {
	t.Helper()
	res, err := c.Classify(context.Background(), old, new, sticky, address)
	require.NoError(t, err)
	return res
}

func TestClassifier_Classify_ExactIdentical(t *testing.T) {
	p := parcel()
	res := classify(t, &Classifier{}, p, p, Offset{}, "")
	assert.Equal(t, models.MatchExact, res.Tag)
	assert.Equal(t, 100.0, res.PercentIntersect)
}

func TestClassifier_Classify_ExactWithinEpsilon(t *testing.T) {
	old := parcel()
	new := make(Ring, len(old))
	copy(new, old)
	new[1].Lng += 5e-7 // below the vertex equality epsilon

	res := classify(t, &Classifier{}, old, new, Offset{}, "")
	assert.Equal(t, models.MatchExact, res.Tag)
}

func TestClassifier_Classify_ExactOffset(t *testing.T) {
	old := parcel()
	shift := Offset{Lng: 9e-5, Lat: -3e-6}
	new := old.Translate(shift)

	res := classify(t, &Classifier{}, old, new, Offset{}, "")
	assert.Equal(t, models.MatchExactOffset, res.Tag)
	assert.InDelta(t, shift.Lng, res.MeanOffset.Lng, 1e-12)
	assert.InDelta(t, shift.Lat, res.MeanOffset.Lat, 1e-12)
}

func TestClassifier_Classify_OffsetMeanTooLarge(t *testing.T) {
	old := parcel()
	new := old.Translate(Offset{Lng: 3e-4}) // ~21 m, past the mean threshold

	res := classify(t, &Classifier{}, old, new, Offset{}, "")
	assert.Equal(t, models.MatchFail, res.Tag)
	assert.Less(t, res.PercentIntersect, 95.0)
}

func TestClassifier_Classify_NonUniformShiftIsNotOffset(t *testing.T) {
	old := parcel()
	new := make(Ring, len(old))
	copy(new, old)
	// Same mean-magnitude shift per vertex but along different axes, so the
	// deviation threshold rejects it.
	new[0].Lng += 4e-5
	new[1].Lat += 4e-5
	new[2].Lng -= 4e-5
	new[3].Lat -= 4e-5

	res := classify(t, &Classifier{}, old, new, Offset{}, "")
	assert.NotEqual(t, models.MatchExactOffset, res.Tag)
}

func TestClassifier_Classify_JitterIsHighOverlap(t *testing.T) {
	old := parcel()
	new := make(Ring, len(old))
	copy(new, old)
	// Redigitised vertices: each moved by up to 2e-6 degrees (~20 cm).
	new[0].Lng += 2e-6
	new[1].Lat -= 2e-6
	new[2].Lng -= 2e-6
	new[3].Lat += 2e-6

	res := classify(t, &Classifier{}, old, new, Offset{}, "")
	assert.Equal(t, models.MatchHighOverlap, res.Tag)
	assert.Greater(t, res.PercentIntersect, 95.0)
	assert.Less(t, res.PercentIntersect, 100.0)
}

func TestClassifier_Classify_StickyOffsetRecoversOverlap(t *testing.T) {
	old := parcel()
	shift := Offset{Lng: 3e-4, Lat: 1e-4} // too big for the offset rule
	new := old.Translate(shift)

	// Without the sticky offset the pair fails.
	res := classify(t, &Classifier{}, old, new, Offset{}, "")
	assert.Equal(t, models.MatchFail, res.Tag)

	// With the council's sticky offset the shifted old lands on the new.
	res = classify(t, &Classifier{}, old, new, shift, "")
	assert.Equal(t, models.MatchHighOverlap, res.Tag)
	assert.InDelta(t, 100, res.PercentIntersect, 1e-6)
}

func TestClassifier_Classify_DisjointWithoutGeocoderFails(t *testing.T) {
	old := parcel()
	new := square(-0.99, 51.0, 5e-4, 5e-4)

	res := classify(t, &Classifier{}, old, new, Offset{}, "1 High Street")
	assert.Equal(t, models.MatchFail, res.Tag)
}

func TestClassifier_Classify_MovedTitle(t *testing.T) {
	old := parcel()
	new := square(-0.99, 51.0, 5e-4, 5e-4)
	geo := &stubGeocoder{points: []Point{new.Centroid()}}

	res := classify(t, &Classifier{Geocoder: geo}, old, new, Offset{}, "1 High Street")
	assert.Equal(t, models.MatchMoved, res.Tag)
	assert.Equal(t, 1, geo.calls)
}

func TestClassifier_Classify_MovedTitleTooFar(t *testing.T) {
	old := parcel()
	new := square(-0.99, 51.0, 5e-4, 5e-4)
	// Geocoder resolves ~550 m north of the new polygon.
	geo := &stubGeocoder{points: []Point{{Lng: -0.98975, Lat: 51.005}}}

	res := classify(t, &Classifier{Geocoder: geo}, old, new, Offset{}, "1 High Street")
	assert.Equal(t, models.MatchFail, res.Tag)
}

func TestClassifier_Classify_GeocoderErrorFallsThrough(t *testing.T) {
	old := parcel()
	new := square(-0.99, 51.0, 5e-4, 5e-4)
	geo := &stubGeocoder{err: errors.New("geocoder down")}

	res, err := (&Classifier{Geocoder: geo}).Classify(context.Background(), old, new, Offset{}, "1 High Street")
	require.NoError(t, err)
	assert.Equal(t, models.MatchFail, res.Tag)
}

func TestClassifier_Classify_NoAddressSkipsGeocoder(t *testing.T) {
	old := parcel()
	new := square(-0.99, 51.0, 5e-4, 5e-4)
	geo := &stubGeocoder{points: []Point{new.Centroid()}}

	res := classify(t, &Classifier{Geocoder: geo}, old, new, Offset{}, "")
	assert.Equal(t, models.MatchFail, res.Tag)
	assert.Zero(t, geo.calls)
}

func TestClassifier_Classify_DegenerateRingFailsCleanly(t *testing.T) {
	old := parcel()
	bowtie := Ring{
		{Lng: -1, Lat: 51},
		{Lng: -0.999, Lat: 51.001},
		{Lng: -0.999, Lat: 51},
		{Lng: -1, Lat: 51.001},
	}

	res, err := (&Classifier{}).Classify(context.Background(), old, bowtie, Offset{}, "")
	require.NoError(t, err)
	assert.Equal(t, models.MatchFail, res.Tag)
}

func TestExactOffset_ClosingVertexExcluded(t *testing.T) {
	old := parcel().Close()
	new := old.Translate(Offset{Lng: 5e-5})

	mean, ok := exactOffset(old, new)
	require.True(t, ok)
	assert.InDelta(t, 5e-5, mean.Lng, 1e-12)
	assert.InDelta(t, 0, mean.Lat, 1e-12)
}
