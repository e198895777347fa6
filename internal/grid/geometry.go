package grid

import (
	"math"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

const epsilon = 1e-12

// normalizeRing drops consecutive duplicate vertices and the closing vertex.
func normalizeRing(points []pipeline.Point) []pipeline.Point {
	out := make([]pipeline.Point, 0, len(points))
	for _, p := range points {
		if n := len(out); n > 0 && samePoint(out[n-1], p) {
			continue
		}
		out = append(out, p)
	}
	if n := len(out); n > 1 && samePoint(out[0], out[n-1]) {
		out = out[:n-1]
	}
	return out
}

func samePoint(a, b pipeline.Point) bool {
	return math.Abs(a.X-b.X) <= epsilon && math.Abs(a.Y-b.Y) <= epsilon
}

// validateRing rejects rings that cannot bound a positive area.
func validateRing(ring []pipeline.Point) error {
	if len(ring) < 3 {
		return pipeline.InvalidGeometryf("polygon needs at least 3 distinct vertices, got %d", len(ring))
	}
	for i, p := range ring {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return pipeline.InvalidGeometryf("vertex %d is not finite", i)
		}
	}
	if math.Abs(signedArea(ring)) <= epsilon {
		return pipeline.InvalidGeometryf("polygon has zero area")
	}
	if i, j, ok := firstSelfIntersection(ring); ok {
		return pipeline.InvalidGeometryf("polygon edges %d and %d intersect", i, j)
	}
	return nil
}

// signedArea is the shoelace area; positive for counter-clockwise rings.
func signedArea(ring []pipeline.Point) float64 {
	var sum float64
	n := len(ring)
	for i := 0; i < n; i++ {
		a, b := ring[i], ring[(i+1)%n]
		sum += a.X*b.Y - b.X*a.Y
	}
	return sum / 2
}

func firstSelfIntersection(ring []pipeline.Point) (int, int, bool) {
	n := len(ring)
	for i := 0; i < n; i++ {
		a1, a2 := ring[i], ring[(i+1)%n]
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			b1, b2 := ring[j], ring[(j+1)%n]
			if segmentsIntersect(a1, a2, b1, b2) {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

func orientation(a, b, c pipeline.Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}

func onSegment(a, b, p pipeline.Point) bool {
	return p.X >= math.Min(a.X, b.X)-epsilon && p.X <= math.Max(a.X, b.X)+epsilon &&
		p.Y >= math.Min(a.Y, b.Y)-epsilon && p.Y <= math.Max(a.Y, b.Y)+epsilon
}

func sign(v float64) int {
	switch {
	case v > epsilon:
		return 1
	case v < -epsilon:
		return -1
	default:
		return 0
	}
}

// segmentsIntersect reports whether segments p1p2 and q1q2 touch or cross.
func segmentsIntersect(p1, p2, q1, q2 pipeline.Point) bool {
	d1 := sign(orientation(q1, q2, p1))
	d2 := sign(orientation(q1, q2, p2))
	d3 := sign(orientation(p1, p2, q1))
	d4 := sign(orientation(p1, p2, q2))
	if d1 != d2 && d3 != d4 {
		return true
	}
	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return true
	case d2 == 0 && onSegment(q1, q2, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, q1):
		return true
	case d4 == 0 && onSegment(p1, p2, q2):
		return true
	}
	return false
}

func ringBounds(ring []pipeline.Point) pipeline.BBox {
	b := pipeline.BBox{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, p := range ring {
		b.MinX = math.Min(b.MinX, p.X)
		b.MinY = math.Min(b.MinY, p.Y)
		b.MaxX = math.Max(b.MaxX, p.X)
		b.MaxY = math.Max(b.MaxY, p.Y)
	}
	return b
}

// clipToRect clips the ring against an axis-aligned rectangle
// (Sutherland-Hodgman; the rectangle is convex so concave rings clip correctly).
func clipToRect(ring []pipeline.Point, r pipeline.BBox) []pipeline.Point {
	type edge struct {
		inside func(pipeline.Point) bool
		cross  func(a, b pipeline.Point) pipeline.Point
	}
	atX := func(a, b pipeline.Point, x float64) pipeline.Point {
		t := (x - a.X) / (b.X - a.X)
		return pipeline.Point{X: x, Y: a.Y + t*(b.Y-a.Y)}
	}
	atY := func(a, b pipeline.Point, y float64) pipeline.Point {
		t := (y - a.Y) / (b.Y - a.Y)
		return pipeline.Point{X: a.X + t*(b.X-a.X), Y: y}
	}
	edges := []edge{
		{func(p pipeline.Point) bool { return p.X >= r.MinX }, func(a, b pipeline.Point) pipeline.Point { return atX(a, b, r.MinX) }},
		{func(p pipeline.Point) bool { return p.X <= r.MaxX }, func(a, b pipeline.Point) pipeline.Point { return atX(a, b, r.MaxX) }},
		{func(p pipeline.Point) bool { return p.Y >= r.MinY }, func(a, b pipeline.Point) pipeline.Point { return atY(a, b, r.MinY) }},
		{func(p pipeline.Point) bool { return p.Y <= r.MaxY }, func(a, b pipeline.Point) pipeline.Point { return atY(a, b, r.MaxY) }},
	}
	out := ring
	for _, e := range edges {
		if len(out) == 0 {
			break
		}
		in := out
		out = make([]pipeline.Point, 0, len(in)+4)
		prev := in[len(in)-1]
		for _, cur := range in {
			curIn, prevIn := e.inside(cur), e.inside(prev)
			switch {
			case curIn && !prevIn:
				out = append(out, e.cross(prev, cur), cur)
			case curIn:
				out = append(out, cur)
			case prevIn:
				out = append(out, e.cross(prev, cur))
			}
			prev = cur
		}
	}
	return out
}

// rectIntersectsRing reports whether the rectangle shares a positive area with
// the polygon; cells that only touch the boundary do not count.
func rectIntersectsRing(ring []pipeline.Point, r pipeline.BBox) bool {
	clipped := clipToRect(ring, r)
	if len(clipped) < 3 {
		return false
	}
	return math.Abs(signedArea(clipped)) > r.Area()*1e-9
}
