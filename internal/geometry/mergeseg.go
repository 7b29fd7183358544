package geometry

import (
	"context"
	"math"

	"github.com/parcelmap/parcelmap-go/internal/models"
)

// The merge/segment cascade operates on the symmetric difference of old and
// new: territory the new boundary gained is attributed to accepted
// neighbours it may have absorbed, territory it lost to other pending
// polygons it may have segmented into. Slivers below the zero-area
// threshold are dropped outright; each remaining piece is shrunk by
// max(1 m, sqrt(area)/10) so long thin edge artefacts do not attribute to
// neighbours they merely brush against.

func (c *Classifier) mergeSegment(ctx context.Context, old, new Ring) (Result, error) {
	gained, err := differencePieces(new, old)
	if err != nil {
		return Result{}, err
	}
	lost, err := differencePieces(old, new)
	if err != nil {
		return Result{}, err
	}

	if len(gained) == 0 && len(lost) == 0 {
		// The shapes differ only by artefact-scale noise along shared
		// edges: the neighbourhood shifted, nothing merged or split.
		return Result{Tag: models.MatchBoundariesShifted}, nil
	}

	absorbed, gainedMatched, err := c.attributeGained(ctx, gained)
	if err != nil {
		return Result{}, err
	}
	siblings, lostMatched, err := c.attributeLost(ctx, lost)
	if err != nil {
		return Result{}, err
	}

	merged := len(absorbed) > 0
	segmented := len(siblings) > 0

	switch {
	case merged && segmented:
		return Result{Tag: models.MatchMergedAndSegmented, AbsorbedIDs: absorbed, SiblingIDs: siblings}, nil
	case merged:
		tag := models.MatchMerged
		if !gainedMatched {
			tag = models.MatchMergedIncomplete
		}
		return Result{Tag: tag, AbsorbedIDs: absorbed}, nil
	case segmented:
		tag := models.MatchSegmented
		if !lostMatched {
			tag = models.MatchSegmentedIncomplete
		}
		return Result{Tag: tag, SiblingIDs: siblings}, nil
	default:
		return Result{Tag: models.MatchFail}, nil
	}
}

// differencePieces decomposes a minus b into shrunk sub-polygons with
// slivers removed.
func differencePieces(a, b Ring) ([]Ring, error) {
	pieces, err := subtractPieces(a, b, ZeroAreaThresholdM2)
	if err != nil {
		return nil, err
	}
	var out []Ring
	for _, piece := range pieces {
		area, err := piece.AreaM2()
		if err != nil {
			continue
		}
		shrinkM := math.Max(1, math.Sqrt(area)/10)
		shrunk := piece.Shrink(shrinkM)
		if shrunk == nil {
			continue
		}
		out = append(out, shrunk)
	}
	return out, nil
}

// attributeGained finds accepted polygons (other than the one being
// reconciled, which the source excludes) that intersect each gained piece.
// It reports whether every piece found at least one owner.
func (c *Classifier) attributeGained(ctx context.Context, pieces []Ring) ([]int64, bool, error) {
	return c.attribute(pieces, func(b Bound) ([]Candidate, error) {
		return c.Source.AcceptedNear(ctx, b)
	})
}

// attributeLost finds other pending polygons that intersect each lost piece.
func (c *Classifier) attributeLost(ctx context.Context, pieces []Ring) ([]int64, bool, error) {
	return c.attribute(pieces, func(b Bound) ([]Candidate, error) {
		return c.Source.PendingNear(ctx, b)
	})
}

func (c *Classifier) attribute(pieces []Ring, near func(Bound) ([]Candidate, error)) ([]int64, bool, error) {
	seen := map[int64]bool{}
	var ids []int64
	allMatched := true

	for _, piece := range pieces {
		candidates, err := near(piece.Bound())
		if err != nil {
			return nil, false, err
		}

		idx := NewCandidateIndex(candidates)
		matched := false
		for _, cand := range idx.Near(piece.Bound()) {
			hit, err := RingsIntersect(piece, cand.Ring)
			if err != nil {
				continue
			}
			if !hit {
				continue
			}
			matched = true
			if !seen[cand.PolyID] {
				seen[cand.PolyID] = true
				ids = append(ids, cand.PolyID)
			}
		}
		if !matched {
			allMatched = false
		}
	}
	return ids, allMatched, nil
}

// Shrink insets the ring by the given distance in metres. It returns nil
// when the inset consumes the ring entirely, which is exactly the artefact
// case the cascade wants to discard.
func (r Ring) Shrink(meters float64) Ring {
	r = r.Close()
	n := len(r) - 1
	if n < 3 {
		return nil
	}

	// Work in a local equirectangular metre frame so the inset distance is
	// isotropic.
	origin := r[0]
	mLat, mLng := metersPerDegree(origin.Lat)
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i := 0; i < n; i++ {
		xs[i] = (r[i].Lng - origin.Lng) * mLng
		ys[i] = (r[i].Lat - origin.Lat) * mLat
	}

	// Signed area decides which side is inward.
	var signed float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		signed += xs[i]*ys[j] - xs[j]*ys[i]
	}
	if signed == 0 {
		return nil
	}
	inward := 1.0
	if signed < 0 {
		inward = -1.0
	}

	type line struct{ px, py, dx, dy float64 }
	lines := make([]line, n)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		dx, dy := xs[j]-xs[i], ys[j]-ys[i]
		length := math.Hypot(dx, dy)
		if length == 0 {
			return nil
		}
		// Left normal, flipped for clockwise rings.
		nx, ny := -dy/length*inward, dx/length*inward
		lines[i] = line{px: xs[i] + nx*meters, py: ys[i] + ny*meters, dx: dx, dy: dy}
	}

	out := make(Ring, 0, n+1)
	for i := 0; i < n; i++ {
		prev := lines[(i+n-1)%n]
		cur := lines[i]
		denom := prev.dx*cur.dy - prev.dy*cur.dx
		var x, y float64
		if math.Abs(denom) < 1e-12 {
			// Near-colinear corner: offset the shared vertex directly.
			x, y = cur.px, cur.py
		} else {
			t := ((cur.px-prev.px)*cur.dy - (cur.py-prev.py)*cur.dx) / denom
			x = prev.px + t*prev.dx
			y = prev.py + t*prev.dy
		}
		out = append(out, Point{Lng: origin.Lng + x/mLng, Lat: origin.Lat + y/mLat})
	}
	out = out.Close()

	// The inset collapses degenerate or over-shrunk pieces: reject rings
	// whose area did not shrink or whose orientation flipped.
	var outSigned float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		ax := (out[i].Lng - origin.Lng) * mLng
		ay := (out[i].Lat - origin.Lat) * mLat
		bx := (out[j].Lng - origin.Lng) * mLng
		by := (out[j].Lat - origin.Lat) * mLat
		outSigned += ax*by - bx*ay
	}
	if outSigned == 0 || (outSigned > 0) != (signed > 0) {
		return nil
	}
	if math.Abs(outSigned) >= math.Abs(signed) {
		return nil
	}
	return out
}
