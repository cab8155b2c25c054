package roi

import (
	"errors"
	"testing"

	"github.com/roadwatch/trafficcount/internal/geom"
)

func squareConfig() Config {
	return Config{
		Polygon: []geom.Point{{X: 0, Y: 0}, {X: 200, Y: 0}, {X: 200, Y: 200}, {X: 0, Y: 200}},
	}
}

func TestNewRejectsTooFewVertices(t *testing.T) {
	_, err := New(Config{Polygon: []geom.Point{{X: 0, Y: 0}, {X: 10, Y: 10}}})
	if !errors.Is(err, ErrInvalidROI) {
		t.Fatalf("expected ErrInvalidROI, got %v", err)
	}
}

func TestNewRejectsDegeneratePolygon(t *testing.T) {
	// Collinear points enclose zero area.
	_, err := New(Config{Polygon: []geom.Point{{X: 0, Y: 0}, {X: 10, Y: 10}, {X: 20, Y: 20}}})
	if !errors.Is(err, ErrInvalidROI) {
		t.Fatalf("expected ErrInvalidROI for zero-area polygon, got %v", err)
	}
}

func TestNewDefaultLines(t *testing.T) {
	r, err := New(squareConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lines := r.Lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 default lines, got %d", len(lines))
	}
	if lines[0].ID != "entry" || lines[1].ID != "exit" {
		t.Errorf("unexpected line ids: %q, %q", lines[0].ID, lines[1].ID)
	}

	// Entry line sits above center, exit below; both span the x-extent.
	if got := lines[0].Segment.Start.Y; got != 100-DefaultLineOffset {
		t.Errorf("entry line y = %v, want %v", got, 100-DefaultLineOffset)
	}
	if got := lines[1].Segment.Start.Y; got != 100+DefaultLineOffset {
		t.Errorf("exit line y = %v, want %v", got, 100+DefaultLineOffset)
	}
	if lines[0].Segment.Start.X != 0 || lines[0].Segment.End.X != 200 {
		t.Errorf("entry line does not span polygon x-extent: %+v", lines[0].Segment)
	}
	if got := r.Polygon().Area(); got != 200*200 {
		t.Errorf("polygon area = %v, want %v", got, 200*200)
	}
}

func TestNewExplicitLines(t *testing.T) {
	cfg := squareConfig()
	cfg.Lines = []LineConfig{
		{ID: "main", Segment: geom.Line{Start: geom.Point{X: 0, Y: 100}, End: geom.Point{X: 200, Y: 100}}},
		{Segment: geom.Line{Start: geom.Point{X: 100, Y: 0}, End: geom.Point{X: 100, Y: 200}}},
	}

	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lines := r.Lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].ID != "main" {
		t.Errorf("line 0 id = %q, want main", lines[0].ID)
	}
	if lines[1].ID != "line_2" {
		t.Errorf("unnamed line id = %q, want line_2", lines[1].ID)
	}
	if lines[0].InboundSide != geom.SideA {
		t.Errorf("unset inbound side should default to SideA, got %v", lines[0].InboundSide)
	}
}

func TestNewRejectsBadLines(t *testing.T) {
	t.Run("duplicate ids", func(t *testing.T) {
		cfg := squareConfig()
		seg := geom.Line{Start: geom.Point{X: 0, Y: 50}, End: geom.Point{X: 200, Y: 50}}
		cfg.Lines = []LineConfig{{ID: "dup", Segment: seg}, {ID: "dup", Segment: seg}}
		if _, err := New(cfg); !errors.Is(err, ErrInvalidROI) {
			t.Fatalf("expected ErrInvalidROI, got %v", err)
		}
	})

	t.Run("zero-length segment", func(t *testing.T) {
		cfg := squareConfig()
		cfg.Lines = []LineConfig{{ID: "dot", Segment: geom.Line{Start: geom.Point{X: 5, Y: 5}, End: geom.Point{X: 5, Y: 5}}}}
		if _, err := New(cfg); !errors.Is(err, ErrInvalidROI) {
			t.Fatalf("expected ErrInvalidROI, got %v", err)
		}
	})
}

func TestCountingLineDirection(t *testing.T) {
	cl := CountingLine{InboundSide: geom.SideA}
	if d := cl.Direction(geom.SideA); d != DirectionIn {
		t.Errorf("crossing from inbound side = %v, want in", d)
	}
	if d := cl.Direction(geom.SideB); d != DirectionOut {
		t.Errorf("crossing from opposite side = %v, want out", d)
	}
}

func TestContains(t *testing.T) {
	r, err := New(squareConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !r.Contains(geom.Point{X: 100, Y: 100}) {
		t.Error("center should be inside the ROI")
	}
	if r.Contains(geom.Point{X: 300, Y: 100}) {
		t.Error("point outside the polygon should not be contained")
	}
}
