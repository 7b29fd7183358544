package geometry

import "github.com/tidwall/rtree"

// CandidateIndex is a bbox rtree over neighbour candidates, used to prune
// pair-wise boolean-engine work during merge/segment attribution.
type CandidateIndex struct {
	tree  rtree.RTreeG[int]
	items []Candidate
}

// NewCandidateIndex builds an index over the given candidates.
func NewCandidateIndex(candidates []Candidate) *CandidateIndex {
	idx := &CandidateIndex{items: candidates}
	for i, cand := range candidates {
		b := cand.Ring.Bound()
		idx.tree.Insert([2]float64{b.MinLng, b.MinLat}, [2]float64{b.MaxLng, b.MaxLat}, i)
	}
	return idx
}

// Near returns candidates whose bounding boxes intersect b.
func (idx *CandidateIndex) Near(b Bound) []Candidate {
	var out []Candidate
	idx.tree.Search(
		[2]float64{b.MinLng, b.MinLat},
		[2]float64{b.MaxLng, b.MaxLat},
		func(_, _ [2]float64, i int) bool {
			out = append(out, idx.items[i])
			return true
		},
	)
	return out
}

// Len returns the number of indexed candidates.
func (idx *CandidateIndex) Len() int {
	return len(idx.items)
}
