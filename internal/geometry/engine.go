package geometry

import (
	"errors"
	"fmt"

	"github.com/peterstace/simplefeatures/geom"
)

// All boolean-engine access is funnelled through this file. Inputs are
// truncated to 6 decimal places before every operation; the engine's
// exact-arithmetic overlay still fails on some degenerate rings published
// upstream, and those failures surface as ErrDegenerateGeometry so the
// caller can record a failed match instead of halting the run.

var (
	// ErrNotSimplePolygon marks a geometry that is not a single-ring polygon.
	ErrNotSimplePolygon = errors.New("geometry is not a simple polygon")
	// ErrDegenerateGeometry marks a ring the boolean engine cannot process.
	ErrDegenerateGeometry = errors.New("degenerate geometry")
)

func toGeom(r Ring) (geom.Geometry, error) {
	r = r.Close()
	if len(r) < 4 {
		return geom.Geometry{}, ErrDegenerateGeometry
	}
	coords := make([]float64, 0, len(r)*2)
	for _, p := range r {
		coords = append(coords, trunc6(p.Lng), trunc6(p.Lat))
	}
	// Truncation can collapse the closing vertex away from the opening one.
	coords[len(coords)-2] = coords[0]
	coords[len(coords)-1] = coords[1]

	seq := geom.NewSequence(coords, geom.DimXY)
	ls := geom.NewLineString(seq)
	poly := geom.NewPolygon([]geom.LineString{ls})
	g := poly.AsGeometry()
	if err := g.Validate(); err != nil {
		return geom.Geometry{}, fmt.Errorf("%w: %v", ErrDegenerateGeometry, err)
	}
	return g, nil
}

// Overlap holds the metric areas relating an old and a new ring.
type Overlap struct {
	IntersectionM2 float64
	UnionM2        float64
	SymDiffM2      float64
	// PercentIntersect is intersection over union, scaled to 0..100.
	PercentIntersect float64
}

// ComputeOverlap runs the boolean engine over the two rings and converts
// the resulting areas to square metres at the rings' latitude.
func ComputeOverlap(old, new Ring) (Overlap, error) {
	a, err := toGeom(old)
	if err != nil {
		return Overlap{}, err
	}
	b, err := toGeom(new)
	if err != nil {
		return Overlap{}, err
	}

	inter, err := geom.Intersection(a, b)
	if err != nil {
		return Overlap{}, fmt.Errorf("%w: intersection: %v", ErrDegenerateGeometry, err)
	}
	union, err := geom.Union(a, b)
	if err != nil {
		return Overlap{}, fmt.Errorf("%w: union: %v", ErrDegenerateGeometry, err)
	}
	sym, err := geom.SymmetricDifference(a, b)
	if err != nil {
		return Overlap{}, fmt.Errorf("%w: symmetric difference: %v", ErrDegenerateGeometry, err)
	}

	lat := new.Centroidish()
	ov := Overlap{
		IntersectionM2: areaSqMeters(inter.Area(), lat),
		UnionM2:        areaSqMeters(union.Area(), lat),
		SymDiffM2:      areaSqMeters(sym.Area(), lat),
	}
	if ov.UnionM2 > 0 {
		ov.PercentIntersect = ov.IntersectionM2 / ov.UnionM2 * 100
	}
	return ov, nil
}

// Centroidish returns a representative latitude for metric conversion
// without invoking the boolean engine.
func (r Ring) Centroidish() float64 {
	if len(r) == 0 {
		return 0
	}
	b := r.Bound()
	return (b.MinLat + b.MaxLat) / 2
}

// subtractPieces returns the parts of a not covered by b, decomposed into
// individual rings, with pieces below dropBelowM2 square metres discarded
// as boolean-engine slivers.
func subtractPieces(a, b Ring, dropBelowM2 float64) ([]Ring, error) {
	ga, err := toGeom(a)
	if err != nil {
		return nil, err
	}
	gb, err := toGeom(b)
	if err != nil {
		return nil, err
	}
	diff, err := geom.Difference(ga, gb)
	if err != nil {
		return nil, fmt.Errorf("%w: difference: %v", ErrDegenerateGeometry, err)
	}

	lat := a.Centroidish()
	var out []Ring
	for _, poly := range dumpPolygons(diff) {
		ring := ringFromPolygon(poly)
		if len(ring) < 4 {
			continue
		}
		gr, err := toGeom(ring)
		if err != nil {
			continue
		}
		if areaSqMeters(gr.Area(), lat) < dropBelowM2 {
			continue
		}
		out = append(out, ring)
	}
	return out, nil
}

// dumpPolygons flattens a geometry into its polygonal components.
func dumpPolygons(g geom.Geometry) []geom.Polygon {
	switch g.Type() {
	case geom.TypePolygon:
		return []geom.Polygon{g.MustAsPolygon()}
	case geom.TypeMultiPolygon:
		mp := g.MustAsMultiPolygon()
		polys := make([]geom.Polygon, 0, mp.NumPolygons())
		for i := 0; i < mp.NumPolygons(); i++ {
			polys = append(polys, mp.PolygonN(i))
		}
		return polys
	case geom.TypeGeometryCollection:
		gc := g.MustAsGeometryCollection()
		var polys []geom.Polygon
		for i := 0; i < gc.NumGeometries(); i++ {
			polys = append(polys, dumpPolygons(gc.GeometryN(i))...)
		}
		return polys
	default:
		return nil
	}
}

func ringFromPolygon(p geom.Polygon) Ring {
	seq := p.ExteriorRing().Coordinates()
	ring := make(Ring, 0, seq.Length())
	for i := 0; i < seq.Length(); i++ {
		xy := seq.GetXY(i)
		ring = append(ring, Point{Lng: xy.X, Lat: xy.Y})
	}
	return ring
}

// AreaM2 returns the ring's area in square metres.
func (r Ring) AreaM2() (float64, error) {
	g, err := toGeom(r)
	if err != nil {
		return 0, err
	}
	return areaSqMeters(g.Area(), r.Centroidish()), nil
}

// RingsIntersect reports whether two rings share any interior area.
func RingsIntersect(a, b Ring) (bool, error) {
	if !a.Bound().Intersects(b.Bound()) {
		return false, nil
	}
	ov, err := ComputeOverlap(a, b)
	if err != nil {
		return false, err
	}
	return ov.IntersectionM2 > 0, nil
}

func engineCentroid(r Ring) (Point, error) {
	g, err := toGeom(r)
	if err != nil {
		return Point{}, err
	}
	xy, ok := g.Centroid().XY()
	if !ok {
		return Point{}, ErrDegenerateGeometry
	}
	return Point{Lng: xy.X, Lat: xy.Y}, nil
}
