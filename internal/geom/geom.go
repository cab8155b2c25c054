// Package geom provides the 2D pixel-space primitives used by the
// tracking and counting pipeline: bounding boxes, counting-line segments,
// and region-of-interest polygons. All coordinates are in pixels with the
// origin at the top-left of the frame, y increasing downward.
package geom

import "math"

// Point is a 2D point in pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned bounding box in pixel space. X1,Y1 is the
// top-left corner and X2,Y2 the bottom-right corner.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the box width in pixels.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height in pixels.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the box area in square pixels. Degenerate boxes have
// non-positive area.
func (b Box) Area() float64 { return b.Width() * b.Height() }

// Valid reports whether the box has positive width and height.
func (b Box) Valid() bool { return b.Width() > 0 && b.Height() > 0 }

// Center returns the geometric center of the box.
func (b Box) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// BottomCenter returns the midpoint of the bottom edge. For vehicles this
// approximates the ground-contact point better than the centroid, so the
// crossing detector classifies this point against counting lines.
func (b Box) BottomCenter() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: b.Y2}
}

// Translate returns the box shifted by (dx, dy).
func (b Box) Translate(dx, dy float64) Box {
	return Box{X1: b.X1 + dx, Y1: b.Y1 + dy, X2: b.X2 + dx, Y2: b.Y2 + dy}
}

// IoU returns the Intersection-over-Union of two boxes in [0, 1].
// Non-overlapping or degenerate boxes return 0.
func IoU(a, b Box) float64 {
	ix1 := math.Max(a.X1, b.X1)
	iy1 := math.Max(a.Y1, b.Y1)
	ix2 := math.Min(a.X2, b.X2)
	iy2 := math.Min(a.Y2, b.Y2)

	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}

	intersection := (ix2 - ix1) * (iy2 - iy1)
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// Side identifies which side of a directed line a point lies on.
type Side int

const (
	SideOn Side = iota // On the line (cross product exactly zero)
	SideA              // Positive cross product side
	SideB              // Negative cross product side
)

func (s Side) String() string {
	switch s {
	case SideA:
		return "A"
	case SideB:
		return "B"
	default:
		return "on"
	}
}

// Line is a directed segment from Start to End.
type Line struct {
	Start Point `json:"start"`
	End   Point `json:"end"`
}

// Side classifies p against the infinite extension of the line using the
// sign of the 2D cross product of the line direction and the vector from
// Start to p.
func (l Line) Side(p Point) Side {
	cross := (l.End.X-l.Start.X)*(p.Y-l.Start.Y) - (l.End.Y-l.Start.Y)*(p.X-l.Start.X)
	switch {
	case cross > 0:
		return SideA
	case cross < 0:
		return SideB
	default:
		return SideOn
	}
}

// SegmentDistance returns the distance from p to the finite segment, not
// its infinite extension: the projection of p onto the line is clamped to
// [Start, End] before measuring. This is what keeps crossing detection
// from firing when a track merely grazes the line's extended direction far
// from the segment itself.
func (l Line) SegmentDistance(p Point) float64 {
	dx := l.End.X - l.Start.X
	dy := l.End.Y - l.Start.Y
	lengthSq := dx*dx + dy*dy
	if lengthSq == 0 {
		return math.Hypot(p.X-l.Start.X, p.Y-l.Start.Y)
	}

	t := ((p.X-l.Start.X)*dx + (p.Y-l.Start.Y)*dy) / lengthSq
	t = math.Max(0, math.Min(1, t))

	projX := l.Start.X + t*dx
	projY := l.Start.Y + t*dy
	return math.Hypot(p.X-projX, p.Y-projY)
}

// Length returns the segment length in pixels.
func (l Line) Length() float64 {
	return math.Hypot(l.End.X-l.Start.X, l.End.Y-l.Start.Y)
}

// Polygon is an ordered sequence of vertices. It is not required to be
// convex or non-self-intersecting.
type Polygon []Point

// Area returns the absolute polygon area via the shoelace formula.
func (pg Polygon) Area() float64 {
	if len(pg) < 3 {
		return 0
	}
	var sum float64
	for i := range pg {
		j := (i + 1) % len(pg)
		sum += pg[i].X*pg[j].Y - pg[j].X*pg[i].Y
	}
	return math.Abs(sum) / 2
}

// Contains reports whether p is inside the polygon using ray casting.
// Points exactly on an edge may test either way; callers that need edge
// inclusivity should not rely on boundary behaviour.
func (pg Polygon) Contains(p Point) bool {
	if len(pg) < 3 {
		return false
	}
	inside := false
	j := len(pg) - 1
	for i := 0; i < len(pg); i++ {
		vi, vj := pg[i], pg[j]
		if (vi.Y > p.Y) != (vj.Y > p.Y) {
			xCross := (vj.X-vi.X)*(p.Y-vi.Y)/(vj.Y-vi.Y) + vi.X
			if p.X < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Bounds returns the axis-aligned bounding box of the polygon.
func (pg Polygon) Bounds() Box {
	if len(pg) == 0 {
		return Box{}
	}
	b := Box{X1: pg[0].X, Y1: pg[0].Y, X2: pg[0].X, Y2: pg[0].Y}
	for _, p := range pg[1:] {
		b.X1 = math.Min(b.X1, p.X)
		b.Y1 = math.Min(b.Y1, p.Y)
		b.X2 = math.Max(b.X2, p.X)
		b.Y2 = math.Max(b.Y2, p.Y)
	}
	return b
}
