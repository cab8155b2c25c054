// Package roi models the counting region: a fixed polygon plus the
// directed counting lines derived from it. An ROI is immutable once built;
// changing the geometry means starting a new job.
package roi

import (
	"errors"
	"fmt"

	"github.com/roadwatch/trafficcount/internal/geom"
)

// ErrInvalidROI is returned when the configured polygon cannot form a
// usable counting region. It is fatal at job start; a job with an invalid
// ROI never runs.
var ErrInvalidROI = errors.New("invalid ROI")

// MinPolygonArea is the smallest polygon area (square pixels) accepted as
// a counting region. Anything smaller is treated as degenerate.
const MinPolygonArea = 1.0

// DefaultLineOffset is the vertical offset, in pixels, of the derived
// entry/exit lines from the polygon's vertical center when the caller
// supplies no explicit lines.
const DefaultLineOffset = 30.0

// Direction labels which way a track crossed a counting line, relative to
// that line's configured inbound side.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// LineConfig describes one caller-supplied counting line.
type LineConfig struct {
	ID      string    `json:"id"`
	Segment geom.Line `json:"segment"`
	// InboundSide is the side a track must come FROM for the crossing to
	// count as "in". Defaults to side A when unset.
	InboundSide geom.Side `json:"inbound_side,omitempty"`
}

// Config is the caller-facing ROI description: a polygon with at least
// three vertices and optional explicit counting lines.
type Config struct {
	Polygon []geom.Point `json:"polygon"`
	Lines   []LineConfig `json:"lines,omitempty"`
}

// CountingLine is a directed segment with a fixed inbound side.
type CountingLine struct {
	ID          string
	Segment     geom.Line
	InboundSide geom.Side
}

// Direction maps a side transition onto in/out for this line. A track
// moving from the inbound side to the other side is "in"; the reverse is
// "out".
func (cl CountingLine) Direction(from geom.Side) Direction {
	if from == cl.InboundSide {
		return DirectionIn
	}
	return DirectionOut
}

// ROI is the validated, immutable counting region for one job.
type ROI struct {
	polygon geom.Polygon
	lines   []CountingLine
}

// New validates cfg and derives the counting lines. Fewer than three
// vertices or a polygon area below MinPolygonArea fail with ErrInvalidROI.
// When cfg.Lines is empty the default policy derives an "entry" and an
// "exit" line spanning the polygon's x-extent at DefaultLineOffset above
// and below its vertical center.
func New(cfg Config) (*ROI, error) {
	if len(cfg.Polygon) < 3 {
		return nil, fmt.Errorf("%w: need at least 3 vertices, got %d", ErrInvalidROI, len(cfg.Polygon))
	}

	polygon := geom.Polygon(cfg.Polygon)
	if area := polygon.Area(); area < MinPolygonArea {
		return nil, fmt.Errorf("%w: polygon area %.2f below minimum %.2f", ErrInvalidROI, area, MinPolygonArea)
	}

	r := &ROI{polygon: polygon}

	if len(cfg.Lines) > 0 {
		seen := make(map[string]bool, len(cfg.Lines))
		for i, lc := range cfg.Lines {
			id := lc.ID
			if id == "" {
				id = fmt.Sprintf("line_%d", i+1)
			}
			if seen[id] {
				return nil, fmt.Errorf("%w: duplicate counting line id %q", ErrInvalidROI, id)
			}
			seen[id] = true
			if lc.Segment.Length() == 0 {
				return nil, fmt.Errorf("%w: counting line %q has zero length", ErrInvalidROI, id)
			}
			inbound := lc.InboundSide
			if inbound == geom.SideOn {
				inbound = geom.SideA
			}
			r.lines = append(r.lines, CountingLine{ID: id, Segment: lc.Segment, InboundSide: inbound})
		}
		return r, nil
	}

	r.lines = defaultLines(polygon)
	return r, nil
}

// defaultLines places two horizontal counting lines across the polygon's
// x-extent, one above and one below the vertical center. This matches the
// common fixed-camera traffic setup where vehicles move vertically through
// the frame.
func defaultLines(polygon geom.Polygon) []CountingLine {
	b := polygon.Bounds()
	centerY := (b.Y1 + b.Y2) / 2

	entry := geom.Line{
		Start: geom.Point{X: b.X1, Y: centerY - DefaultLineOffset},
		End:   geom.Point{X: b.X2, Y: centerY - DefaultLineOffset},
	}
	exit := geom.Line{
		Start: geom.Point{X: b.X1, Y: centerY + DefaultLineOffset},
		End:   geom.Point{X: b.X2, Y: centerY + DefaultLineOffset},
	}

	// For a left-to-right horizontal line in image coordinates, side B is
	// above the line. Traffic entering from the top therefore comes from
	// side B on the entry line; the exit line faces the other way.
	return []CountingLine{
		{ID: "entry", Segment: entry, InboundSide: geom.SideB},
		{ID: "exit", Segment: exit, InboundSide: geom.SideA},
	}
}

// Contains reports whether p lies inside the counting polygon. Tracks
// outside the region are not eligible for crossing tests.
func (r *ROI) Contains(p geom.Point) bool {
	return r.polygon.Contains(p)
}

// Lines returns the derived counting lines. The returned slice is shared;
// callers must not modify it.
func (r *ROI) Lines() []CountingLine {
	return r.lines
}

// Polygon returns the counting polygon.
func (r *ROI) Polygon() geom.Polygon {
	return r.polygon
}
