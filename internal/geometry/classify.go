package geometry

import (
	"context"
	"errors"
	"math"

	"github.com/golang/geo/s2"
	"github.com/parcelmap/parcelmap-go/internal/models"
)

// Classifier constants. These values are contractual: the decision cascade
// is meaningless if they drift.
const (
	// CoordEqualityEpsilon is the exact-vertex comparison tolerance in
	// degrees (~11 cm at UK latitudes).
	CoordEqualityEpsilon = 1e-6
	// OffsetMeanThreshold bounds the per-axis mean of (new - old) for a
	// bulk reprojection to be recognised (~13 m).
	OffsetMeanThreshold = 1e-4
	// OffsetStdThreshold bounds the per-axis standard deviation for a
	// rigid-body shift to be recognised.
	OffsetStdThreshold = 5e-8
	// PercentIntersectThreshold is the high-overlap acceptance bar.
	PercentIntersectThreshold = 95.0
	// AbsoluteDifferenceThresholdM2 is the high-overlap acceptance bar on
	// the symmetric difference.
	AbsoluteDifferenceThresholdM2 = 100.0
	// ZeroAreaThresholdM2 discards slivers created by geometry ops.
	ZeroAreaThresholdM2 = 2.0
	// MovedTitleDistanceM is the geocoded-address fallback radius.
	MovedTitleDistanceM = 50.0
)

// Geocoder resolves a postal address to candidate WGS84 points, best effort.
type Geocoder interface {
	Geocode(ctx context.Context, address string) ([]Point, error)
}

// Candidate is a neighbouring polygon considered during merge/segment
// attribution.
type Candidate struct {
	PolyID int64
	Ring   Ring
}

// CandidateSource supplies polygons near a bounding box. Implemented by the
// reconciler over the accepted and pending tables.
type CandidateSource interface {
	AcceptedNear(ctx context.Context, b Bound) ([]Candidate, error)
	PendingNear(ctx context.Context, b Bound) ([]Candidate, error)
}

// Result is the classifier's verdict for one old/new polygon pair.
type Result struct {
	Tag              models.MatchType
	PercentIntersect float64
	// MeanOffset is populated on an exact-offset match and becomes the
	// council's sticky offset.
	MeanOffset Offset
	// AbsorbedIDs are accepted polygons the new boundary swallowed.
	AbsorbedIDs []int64
	// SiblingIDs are other pending polygons identified as segments of the
	// old boundary.
	SiblingIDs []int64
}

// Classifier runs the match decision cascade over two polygons in WGS84.
type Classifier struct {
	// Geocoder gates the moved-title rule; nil disables it.
	Geocoder Geocoder
	// EnableMergeSegment turns on the merge/segment cascade.
	// The live configuration leaves it off: past the moved-title rule the
	// verdict is a plain failure.
	EnableMergeSegment bool
	// Source supplies neighbour candidates when the cascade is enabled.
	Source CandidateSource
}

// Classify applies the decision cascade; the first matching rule wins.
func (c *Classifier) Classify(ctx context.Context, old, new Ring, sticky Offset, titleAddress string) (Result, error) {
	old, new = old.Close(), new.Close()

	if exactMatch(old, new) {
		return Result{Tag: models.MatchExact, PercentIntersect: 100}, nil
	}

	if mean, ok := exactOffset(old, new); ok {
		return Result{Tag: models.MatchExactOffset, PercentIntersect: 100, MeanOffset: mean}, nil
	}

	shifted := old.Translate(sticky)
	ov, err := ComputeOverlap(shifted, new)
	if err != nil {
		if errors.Is(err, ErrDegenerateGeometry) {
			// A ring the boolean engine rejects is a failed match, not a
			// pipeline fault.
			return Result{Tag: models.MatchFail}, nil
		}
		return Result{}, err
	}

	if ov.SymDiffM2 < AbsoluteDifferenceThresholdM2 && ov.PercentIntersect > PercentIntersectThreshold {
		return Result{Tag: models.MatchHighOverlap, PercentIntersect: ov.PercentIntersect}, nil
	}

	if ov.IntersectionM2 == 0 && titleAddress != "" && c.Geocoder != nil {
		moved, err := c.movedTitle(ctx, new, titleAddress)
		if err == nil && moved {
			return Result{Tag: models.MatchMoved}, nil
		}
		// Geocoding is best effort; a failure falls through to the next rule.
	}

	if c.EnableMergeSegment && c.Source != nil {
		res, err := c.mergeSegment(ctx, shifted, new)
		if err != nil {
			if errors.Is(err, ErrDegenerateGeometry) {
				return Result{Tag: models.MatchFail}, nil
			}
			return Result{}, err
		}
		res.PercentIntersect = ov.PercentIntersect
		return res, nil
	}

	return Result{Tag: models.MatchFail, PercentIntersect: ov.PercentIntersect}, nil
}

// exactMatch reports whether both rings have equal length and every pair of
// corresponding vertices is within the equality epsilon.
func exactMatch(old, new Ring) bool {
	if len(old) != len(new) {
		return false
	}
	for i := range old {
		if math.Abs(new[i].Lng-old[i].Lng) >= CoordEqualityEpsilon ||
			math.Abs(new[i].Lat-old[i].Lat) >= CoordEqualityEpsilon {
			return false
		}
	}
	return true
}

// exactOffset detects a uniform reprojection: same vertex count, small
// per-axis mean shift, negligible per-axis deviation. The closing vertex is
// excluded from the statistics so it does not double-count the first.
func exactOffset(old, new Ring) (Offset, bool) {
	if len(old) != len(new) || len(old) < 4 {
		return Offset{}, false
	}
	n := len(old) - 1

	var sumLng, sumLat float64
	for i := 0; i < n; i++ {
		sumLng += new[i].Lng - old[i].Lng
		sumLat += new[i].Lat - old[i].Lat
	}
	meanLng := sumLng / float64(n)
	meanLat := sumLat / float64(n)

	if math.Abs(meanLng) >= OffsetMeanThreshold || math.Abs(meanLat) >= OffsetMeanThreshold {
		return Offset{}, false
	}

	var varLng, varLat float64
	for i := 0; i < n; i++ {
		dLng := (new[i].Lng - old[i].Lng) - meanLng
		dLat := (new[i].Lat - old[i].Lat) - meanLat
		varLng += dLng * dLng
		varLat += dLat * dLat
	}
	stdLng := math.Sqrt(varLng / float64(n))
	stdLat := math.Sqrt(varLat / float64(n))

	if stdLng >= OffsetStdThreshold || stdLat >= OffsetStdThreshold {
		return Offset{}, false
	}
	return Offset{Lng: meanLng, Lat: meanLat}, true
}

func (c *Classifier) movedTitle(ctx context.Context, new Ring, address string) (bool, error) {
	candidates, err := c.Geocoder.Geocode(ctx, address)
	if err != nil {
		return false, err
	}
	centroid := new.Centroid()
	for _, cand := range candidates {
		if DistanceMeters(cand, centroid) <= MovedTitleDistanceM {
			return true, nil
		}
	}
	return false, nil
}

// DistanceMeters is the great-circle distance between two WGS84 points.
func DistanceMeters(a, b Point) float64 {
	const earthRadiusM = 6371010.0
	la := s2.LatLngFromDegrees(a.Lat, a.Lng)
	lb := s2.LatLngFromDegrees(b.Lat, b.Lng)
	return la.Distance(lb).Radians() * earthRadiusM
}
