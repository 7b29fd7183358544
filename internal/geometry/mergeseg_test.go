package geometry

import (
	"context"
	"testing"

	"github.com/parcelmap/parcelmap-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	accepted []Candidate
	pending  []Candidate
}

func (s *stubSource) AcceptedNear(ctx context.Context, b Bound) ([]Candidate, error) {
	return s.accepted, nil
}

func (s *stubSource) PendingNear(ctx context.Context, b Bound) ([]Candidate, error) {
	return s.pending, nil
}

func TestRing_Shrink(t *testing.T) {
	r := parcel()

	shrunk := r.Shrink(5)
	require.NotNil(t, shrunk)
	orig, err := r.AreaM2()
	require.NoError(t, err)
	smaller, err := shrunk.AreaM2()
	require.NoError(t, err)
	assert.Less(t, smaller, orig)
	assert.Greater(t, smaller, 0.0)

	// Insetting past the parcel's half-width consumes it.
	assert.Nil(t, r.Shrink(100))
}

func TestClassifier_Classify_Merged(t *testing.T) {
	// The new boundary covers the old parcel plus the accepted neighbour to
	// its east.
	old := parcel()
	neighbour := square(-0.9995, 51.0, 5e-4, 5e-4)
	new := square(-1.0, 51.0, 1e-3, 5e-4)

	c := &Classifier{
		EnableMergeSegment: true,
		Source:             &stubSource{accepted: []Candidate{{PolyID: 99, Ring: neighbour}}},
	}
	res, err := c.Classify(context.Background(), old, new, Offset{}, "")
	require.NoError(t, err)
	assert.Equal(t, models.MatchMerged, res.Tag)
	assert.Equal(t, []int64{99}, res.AbsorbedIDs)
	assert.Empty(t, res.SiblingIDs)
}

func TestClassifier_Classify_MergedIncomplete(t *testing.T) {
	// The new boundary swallows territory east and west of the old parcel,
	// but only the eastern neighbour exists in the accepted set.
	old := parcel()
	east := square(-0.9995, 51.0, 5e-4, 5e-4)
	new := square(-1.0005, 51.0, 1.5e-3, 5e-4)

	c := &Classifier{
		EnableMergeSegment: true,
		Source:             &stubSource{accepted: []Candidate{{PolyID: 99, Ring: east}}},
	}
	res, err := c.Classify(context.Background(), old, new, Offset{}, "")
	require.NoError(t, err)
	assert.Equal(t, models.MatchMergedIncomplete, res.Tag)
	assert.Equal(t, []int64{99}, res.AbsorbedIDs)
}

func TestClassifier_Classify_Segmented(t *testing.T) {
	// The old boundary spanned two plots; the new covers only the western
	// half, and the eastern half shows up as another pending polygon.
	old := square(-1.0, 51.0, 1e-3, 5e-4)
	new := parcel()
	sibling := square(-0.9995, 51.0, 5e-4, 5e-4)

	c := &Classifier{
		EnableMergeSegment: true,
		Source:             &stubSource{pending: []Candidate{{PolyID: 77, Ring: sibling}}},
	}
	res, err := c.Classify(context.Background(), old, new, Offset{}, "")
	require.NoError(t, err)
	assert.Equal(t, models.MatchSegmented, res.Tag)
	assert.Equal(t, []int64{77}, res.SiblingIDs)
	assert.Empty(t, res.AbsorbedIDs)
}

func TestClassifier_Classify_SegmentedIncomplete(t *testing.T) {
	// The old boundary loses territory east and west, but only the eastern
	// piece reappears as a pending sibling.
	old := square(-1.0005, 51.0, 1.5e-3, 5e-4)
	new := parcel()
	sibling := square(-0.9995, 51.0, 5e-4, 5e-4)

	c := &Classifier{
		EnableMergeSegment: true,
		Source:             &stubSource{pending: []Candidate{{PolyID: 77, Ring: sibling}}},
	}
	res, err := c.Classify(context.Background(), old, new, Offset{}, "")
	require.NoError(t, err)
	assert.Equal(t, models.MatchSegmentedIncomplete, res.Tag)
	assert.Equal(t, []int64{77}, res.SiblingIDs)
}

func TestClassifier_Classify_UnattributedDifferenceFails(t *testing.T) {
	// A large lost piece with no neighbour claiming it is a plain failure.
	old := square(-1.0, 51.0, 1e-3, 5e-4)
	new := parcel()

	c := &Classifier{EnableMergeSegment: true, Source: &stubSource{}}
	res, err := c.Classify(context.Background(), old, new, Offset{}, "")
	require.NoError(t, err)
	assert.Equal(t, models.MatchFail, res.Tag)
}

func TestClassifier_Classify_MergedAndSegmented(t *testing.T) {
	// The new boundary gains the eastern neighbour but gives up its own
	// northern half to a new pending segment.
	old := square(-1.0, 51.0, 5e-4, 1e-3)
	neighbour := square(-0.9995, 51.0, 5e-4, 5e-4)
	new := square(-1.0, 51.0, 1e-3, 5e-4)
	sibling := square(-1.0, 51.0005, 5e-4, 5e-4)

	c := &Classifier{
		EnableMergeSegment: true,
		Source: &stubSource{
			accepted: []Candidate{{PolyID: 99, Ring: neighbour}},
			pending:  []Candidate{{PolyID: 77, Ring: sibling}},
		},
	}
	res, err := c.Classify(context.Background(), old, new, Offset{}, "")
	require.NoError(t, err)
	assert.Equal(t, models.MatchMergedAndSegmented, res.Tag)
	assert.Equal(t, []int64{99}, res.AbsorbedIDs)
	assert.Equal(t, []int64{77}, res.SiblingIDs)
}

func TestClassifier_Classify_BoundariesShifted(t *testing.T) {
	// The new boundary nudges one edge out by ~2 m: too much symmetric
	// difference for a high-overlap match, but the strip collapses under the
	// sliver inset, so nothing merged or segmented.
	old := parcel()
	new := square(-1.0, 51.0, 5.3e-4, 5e-4)

	c := &Classifier{EnableMergeSegment: true, Source: &stubSource{}}
	res, err := c.Classify(context.Background(), old, new, Offset{}, "")
	require.NoError(t, err)
	assert.Equal(t, models.MatchBoundariesShifted, res.Tag)
}

func TestClassifier_Classify_MergeSegmentDisabled(t *testing.T) {
	old := parcel()
	new := square(-1.0, 51.0, 1e-3, 5e-4)

	res, err := (&Classifier{}).Classify(context.Background(), old, new, Offset{}, "")
	require.NoError(t, err)
	assert.Equal(t, models.MatchFail, res.Tag)
}

func TestCandidateIndex_Near(t *testing.T) {
	candidates := []Candidate{
		{PolyID: 1, Ring: square(-1.0, 51.0, 5e-4, 5e-4)},
		{PolyID: 2, Ring: square(-0.9995, 51.0, 5e-4, 5e-4)},
		{PolyID: 3, Ring: square(-0.5, 52.0, 5e-4, 5e-4)},
	}
	idx := NewCandidateIndex(candidates)
	assert.Equal(t, 3, idx.Len())

	near := idx.Near(square(-1.0, 51.0, 6e-4, 5e-4).Bound())
	ids := make(map[int64]bool)
	for _, c := range near {
		ids[c.PolyID] = true
	}
	assert.True(t, ids[1])
	assert.True(t, ids[2])
	assert.False(t, ids[3])
}
