// Package count aggregates crossing events into per-direction,
// per-vehicle-type, per-line counters and an ordered, append-only event
// log. Recording is idempotent on (track, line) as defence in depth beyond
// the tracker's own dedup: no event is ever deleted or mutated.
package count

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/roadwatch/trafficcount/internal/crossing"
	"github.com/roadwatch/trafficcount/internal/roi"
	"github.com/roadwatch/trafficcount/internal/track"
)

// pairKey identifies one (track, line) combination for dedup.
type pairKey struct {
	trackID int64
	lineID  string
}

// DirectionCounts splits a counter by crossing direction.
type DirectionCounts struct {
	In  int `json:"in"`
	Out int `json:"out"`
}

// SpeedSummary describes the distribution of speeds recorded on events.
// Values are m/s when Calibrated, raw px/s otherwise; Calibrated is false
// as soon as any recorded speed was uncalibrated.
type SpeedSummary struct {
	Samples    int     `json:"samples"`
	Mean       float64 `json:"mean"`
	P50        float64 `json:"p50"`
	P85        float64 `json:"p85"`
	P95        float64 `json:"p95"`
	Calibrated bool    `json:"calibrated"`
}

// Snapshot is a point-in-time copy of all counters. It shares no state
// with the engine and stays valid after further recording.
type Snapshot struct {
	Total   DirectionCounts                 `json:"total"`
	ByClass map[track.Class]DirectionCounts `json:"by_class"`
	ByLine  map[string]DirectionCounts      `json:"by_line"`
	Events  int                             `json:"events"`
	Speed   *SpeedSummary                   `json:"speed,omitempty"`
}

// Engine is the counting engine for one job.
type Engine struct {
	mu       sync.RWMutex
	events   []crossing.Event
	recorded map[pairKey]bool
	total    DirectionCounts
	byClass  map[track.Class]DirectionCounts
	byLine   map[string]DirectionCounts

	speeds      []float64
	speedsCalib bool // every recorded speed so far was calibrated
}

// NewEngine creates an empty counting engine.
func NewEngine() *Engine {
	return &Engine{
		recorded: make(map[pairKey]bool),
		byClass:  make(map[track.Class]DirectionCounts),
		byLine:   make(map[string]DirectionCounts),
	}
}

// RecordCrossing appends ev to the log and bumps the counters. Recording
// the same (track, line) pair twice is a no-op; the first event wins.
// Returns whether the event was recorded.
func (e *Engine) RecordCrossing(ev crossing.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := pairKey{trackID: ev.TrackID, lineID: ev.LineID}
	if e.recorded[key] {
		return false
	}
	e.recorded[key] = true
	e.events = append(e.events, ev)

	bump := func(c DirectionCounts) DirectionCounts {
		if ev.Direction == roi.DirectionIn {
			c.In++
		} else {
			c.Out++
		}
		return c
	}
	e.total = bump(e.total)
	e.byClass[ev.Class] = bump(e.byClass[ev.Class])
	e.byLine[ev.LineID] = bump(e.byLine[ev.LineID])

	if ev.Speed != nil {
		if len(e.speeds) == 0 {
			e.speedsCalib = ev.SpeedCalibrated
		} else {
			e.speedsCalib = e.speedsCalib && ev.SpeedCalibrated
		}
		e.speeds = append(e.speeds, *ev.Speed)
	}
	return true
}

// Snapshot returns a copy of the current counters.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := Snapshot{
		Total:   e.total,
		ByClass: make(map[track.Class]DirectionCounts, len(e.byClass)),
		ByLine:  make(map[string]DirectionCounts, len(e.byLine)),
		Events:  len(e.events),
	}
	for class, c := range e.byClass {
		snap.ByClass[class] = c
	}
	for line, c := range e.byLine {
		snap.ByLine[line] = c
	}
	if len(e.speeds) > 0 {
		snap.Speed = summarizeSpeeds(e.speeds, e.speedsCalib)
	}
	return snap
}

// Events returns the ordered event log as a copy.
func (e *Engine) Events() []crossing.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]crossing.Event, len(e.events))
	copy(out, e.events)
	return out
}

// summarizeSpeeds computes mean and percentile statistics over the
// recorded event speeds.
func summarizeSpeeds(speeds []float64, calibrated bool) *SpeedSummary {
	sorted := make([]float64, len(speeds))
	copy(sorted, speeds)
	sort.Float64s(sorted)

	return &SpeedSummary{
		Samples:    len(sorted),
		Mean:       stat.Mean(sorted, nil),
		P50:        stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P85:        stat.Quantile(0.85, stat.Empirical, sorted, nil),
		P95:        stat.Quantile(0.95, stat.Empirical, sorted, nil),
		Calibrated: calibrated,
	}
}
