package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tidwall/gjson"

	"github.com/roadwatch/trafficcount/internal/geom"
	"github.com/roadwatch/trafficcount/internal/track"
)

// DefaultMinConfidence is the detector confidence floor applied before
// detections reach the tracker.
const DefaultMinConfidence = 0.5

// DefaultFPS synthesizes frame timestamps when the file carries none.
const DefaultFPS = 30.0

// JSONLConfig configures a JSONLSource.
type JSONLConfig struct {
	Path          string
	MinConfidence float64 // 0 means DefaultMinConfidence
	FPS           float64 // used when frames carry no timestamp_ms; 0 means DefaultFPS
}

// JSONLSource reads one JSON object per line, each describing one frame of
// detector output:
//
//	{"frame": 0, "timestamp_ms": 0, "detections": [
//	    {"bbox": [x1, y1, x2, y2], "class": "car", "confidence": 0.92}
//	]}
//
// Boxes may also appear as an object {"x1":..,"y1":..,"x2":..,"y2":..}.
// Lines that do not parse as JSON objects are skipped. Detections below
// the confidence floor or with unknown classes are filtered here, upstream
// of the tracker.
type JSONLSource struct {
	cfg     JSONLConfig
	file    *os.File
	scanner *bufio.Scanner
	total   int
	index   int
	started time.Time
}

// scannerBuffer bounds the per-line read for dense frames.
const scannerBuffer = 10 << 20

// NewJSONLSource opens path and counts its frames up front so progress can
// be reported as a fraction.
func NewJSONLSource(cfg JSONLConfig) (*JSONLSource, error) {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}

	total, err := countLines(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("count frames in %s: %w", cfg.Path, err)
	}

	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open detections file: %w", err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, scannerBuffer), scannerBuffer)

	return &JSONLSource{
		cfg:     cfg,
		file:    f,
		scanner: scanner,
		total:   total,
		started: time.Now(),
	}, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, scannerBuffer), scannerBuffer)
	n := 0
	for scanner.Scan() {
		if frameLine(scanner.Bytes()) {
			n++
		}
	}
	return n, scanner.Err()
}

// frameLine reports whether a line holds a JSON object. Blank and malformed
// lines are ignored by both the frame count and Next, so Total stays in step
// with the frames actually delivered.
func frameLine(line []byte) bool {
	return len(line) > 0 && gjson.ValidBytes(line) && gjson.ParseBytes(line).IsObject()
}

// Next returns the next frame or io.EOF at end of file.
func (s *JSONLSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if !frameLine(line) {
			continue
		}
		frame := s.parseFrame(line)
		s.index++
		return frame, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return Frame{}, io.EOF
}

func (s *JSONLSource) parseFrame(line []byte) Frame {
	doc := gjson.ParseBytes(line)

	frame := Frame{Index: s.index}
	if ms := doc.Get("timestamp_ms"); ms.Exists() {
		frame.Timestamp = s.started.Add(time.Duration(ms.Float() * float64(time.Millisecond)))
	} else {
		frame.Timestamp = s.started.Add(time.Duration(float64(s.index) / s.cfg.FPS * float64(time.Second)))
	}

	doc.Get("detections").ForEach(func(_, det gjson.Result) bool {
		if d, ok := s.parseDetection(det); ok {
			frame.Detections = append(frame.Detections, d)
		}
		return true
	})
	return frame
}

func (s *JSONLSource) parseDetection(det gjson.Result) (track.Detection, bool) {
	conf := det.Get("confidence").Float()
	if conf < s.cfg.MinConfidence {
		return track.Detection{}, false
	}

	class := track.Class(det.Get("class").String())
	switch class {
	case track.ClassCar, track.ClassTruck, track.ClassBus, track.ClassMotorcycle:
	default:
		return track.Detection{}, false
	}

	var box geom.Box
	if bbox := det.Get("bbox"); bbox.IsArray() {
		coords := bbox.Array()
		if len(coords) != 4 {
			return track.Detection{}, false
		}
		box = geom.Box{X1: coords[0].Float(), Y1: coords[1].Float(), X2: coords[2].Float(), Y2: coords[3].Float()}
	} else {
		b := det.Get("box")
		box = geom.Box{
			X1: b.Get("x1").Float(),
			Y1: b.Get("y1").Float(),
			X2: b.Get("x2").Float(),
			Y2: b.Get("y2").Float(),
		}
	}

	return track.Detection{Box: box, Class: class, Confidence: conf}, true
}

// Total returns the number of frames in the file.
func (s *JSONLSource) Total() int { return s.total }

// Close releases the underlying file.
func (s *JSONLSource) Close() error { return s.file.Close() }
