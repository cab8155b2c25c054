// Package crossing turns track motion into counting-line crossing events.
// A crossing fires at most once per (track, line) pair: the detector marks
// the line on the track before emitting the event, and the counting engine
// deduplicates again downstream.
package crossing

import (
	"time"

	"github.com/roadwatch/trafficcount/internal/geom"
	"github.com/roadwatch/trafficcount/internal/roi"
	"github.com/roadwatch/trafficcount/internal/track"
)

// DefaultJitterTolerance is the maximum distance, in pixels, between the
// track's current reference point and the finite counting segment for a
// side flip to count as a crossing.
const DefaultJitterTolerance = 100.0

// Event is one deduplicated record of a track crossing a counting line.
// Events are immutable and append-only once created.
type Event struct {
	TrackID   int64         `json:"track_id"`
	LineID    string        `json:"line_id"`
	Direction roi.Direction `json:"direction"`
	Class     track.Class   `json:"class"`
	Timestamp time.Time     `json:"timestamp"`

	// Speed is nil when the estimator had too little history at crossing
	// time. SpeedCalibrated tells whether Speed is m/s or raw px/s.
	Speed           *float64 `json:"speed,omitempty"`
	SpeedCalibrated bool     `json:"speed_calibrated,omitempty"`
}

// Detector tests confirmed tracks against an ROI's counting lines.
type Detector struct {
	roi             ROI
	estimator       *track.Estimator
	jitterTolerance float64
}

// ROI is the geometry surface the detector needs. *roi.ROI satisfies it.
type ROI interface {
	Contains(geom.Point) bool
	Lines() []roi.CountingLine
}

// NewDetector creates a detector over the given region. A non-positive
// jitterTolerance falls back to DefaultJitterTolerance.
func NewDetector(region ROI, estimator *track.Estimator, jitterTolerance float64) *Detector {
	if jitterTolerance <= 0 {
		jitterTolerance = DefaultJitterTolerance
	}
	return &Detector{roi: region, estimator: estimator, jitterTolerance: jitterTolerance}
}

// Detect tests every confirmed track with at least two observations
// against every counting line it has not already crossed, and returns the
// crossings declared this frame in (track, line) order.
//
// A crossing is declared when the reference point's side flips between the
// previous and current observation, the current point lies within the
// jitter tolerance of the finite segment, and the point is inside the
// counting region.
func (d *Detector) Detect(tracks []*track.Track, ts time.Time) []Event {
	var events []Event
	for _, tr := range tracks {
		if tr.State != track.TrackConfirmed {
			continue
		}
		prev, ok := tr.PrevRefPoint()
		if !ok {
			continue
		}
		curr := tr.RefPoint()

		for _, line := range d.roi.Lines() {
			if tr.CrossedLines[line.ID] {
				continue
			}
			prevSide := line.Segment.Side(prev)
			currSide := line.Segment.Side(curr)
			if prevSide == geom.SideOn || currSide == geom.SideOn || prevSide == currSide {
				continue
			}
			if line.Segment.SegmentDistance(curr) > d.jitterTolerance {
				continue
			}
			if !d.roi.Contains(curr) {
				continue
			}

			// Mark before emitting so no error path can double count.
			tr.CrossedLines[line.ID] = true

			ev := Event{
				TrackID:   tr.ID,
				LineID:    line.ID,
				Direction: line.Direction(prevSide),
				Class:     tr.Class(),
				Timestamp: ts,
			}
			if est, ok := d.estimator.Estimate(tr); ok {
				v := est.Value
				ev.Speed = &v
				ev.SpeedCalibrated = est.Calibrated
			}
			events = append(events, ev)
		}
	}
	return events
}
