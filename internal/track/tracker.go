// Package track maintains vehicle identity across frames. The tracker
// associates each frame's detections to live tracks by greedy
// Intersection-over-Union matching, manages the per-track lifecycle
// (tentative, confirmed, lost, terminated), and keeps the bounded
// positional history the speed estimator and crossing detector read.
package track

import (
	"log"
	"sort"
	"time"

	"github.com/roadwatch/trafficcount/internal/geom"
)

// TrackState represents the lifecycle state of a track.
type TrackState string

const (
	TrackTentative  TrackState = "tentative"  // Just created, awaiting confirmation
	TrackConfirmed  TrackState = "confirmed"  // Matched on enough consecutive frames
	TrackLost       TrackState = "lost"       // Unmatched, still within patience
	TrackTerminated TrackState = "terminated" // Past patience, removed from the live set
)

// TrackerConfig holds configuration parameters for the tracker.
type TrackerConfig struct {
	IoUThreshold     float64 // Minimum IoU to accept a track/detection match
	MaxMisses        int     // Consecutive misses tolerated before termination (patience)
	HitsToConfirm    int     // Consecutive hits needed for confirmation
	MinDetectionArea float64 // Minimum detection area (px²) to spawn a new track
	MaxHistory       int     // Bounded length of the per-track observation window
	ExtrapolateBoxes bool    // Extrapolate the last box by recent motion before IoU
	FrameWidth       float64 // Frame bounds for off-frame termination; 0 = unknown
	FrameHeight      float64
}

// DefaultTrackerConfig returns default tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		IoUThreshold:     0.3,
		MaxMisses:        10,
		HitsToConfirm:    2,
		MinDetectionArea: 500,
		MaxHistory:       30,
		ExtrapolateBoxes: false,
	}
}

// Observation is one matched detection in a track's history.
type Observation struct {
	Box       geom.Box
	Timestamp time.Time
}

// Track is a persistent vehicle identity within one job. Tracks are owned
// exclusively by their Tracker and are never shared across jobs.
type Track struct {
	ID    int64
	State TrackState

	// Lifecycle counters
	Hits   int // Consecutive successful associations
	Missed int // Consecutive frames without a match

	// Bounded observation window, ordered by non-decreasing timestamp.
	History []Observation

	// CrossedLines holds the IDs of counting lines already counted for
	// this track. It only ever grows.
	CrossedLines map[string]bool

	classVotes map[Class]int

	// confirmed latches once the track first reaches Confirmed. A later
	// detection dropout moves the track through Lost and back, never down
	// to Tentative, so a crossing spanning the gap still counts.
	confirmed bool

	// EMA state owned by the speed estimator.
	smoothedSpeed float64
	speedPrimed   bool
}

// Class returns the majority-vote class over all matched detections.
// Ties break by lexicographic class name so the result is deterministic.
func (tr *Track) Class() Class {
	var best Class
	bestVotes := -1
	for class, votes := range tr.classVotes {
		if votes > bestVotes || (votes == bestVotes && class < best) {
			best = class
			bestVotes = votes
		}
	}
	return best
}

// LastBox returns the most recent observed bounding box.
func (tr *Track) LastBox() geom.Box {
	return tr.History[len(tr.History)-1].Box
}

// RefPoint returns the track's current reference point: the bottom-center
// of its latest box.
func (tr *Track) RefPoint() geom.Point {
	return tr.LastBox().BottomCenter()
}

// PrevRefPoint returns the reference point of the previous observation and
// whether one exists.
func (tr *Track) PrevRefPoint() (geom.Point, bool) {
	if len(tr.History) < 2 {
		return geom.Point{}, false
	}
	return tr.History[len(tr.History)-2].Box.BottomCenter(), true
}

// predictedBox returns the box to measure IoU against: the last observed
// box, optionally advanced by the displacement between the last two
// observations to compensate for motion between frames.
func (tr *Track) predictedBox(extrapolate bool) geom.Box {
	last := tr.LastBox()
	if !extrapolate || len(tr.History) < 2 {
		return last
	}
	prev := tr.History[len(tr.History)-2].Box
	dx := last.Center().X - prev.Center().X
	dy := last.Center().Y - prev.Center().Y
	return last.Translate(dx, dy)
}

// Tracker manages the live track set for one job. It is not safe for
// concurrent use; a job's frames are processed strictly in order on one
// goroutine.
type Tracker struct {
	Config TrackerConfig

	tracks map[int64]*Track
	nextID int64
}

// NewTracker creates a tracker with the given configuration.
func NewTracker(config TrackerConfig) *Tracker {
	return &Tracker{
		Config: config,
		tracks: make(map[int64]*Track),
		nextID: 1,
	}
}

// candidate is one potential track/detection pairing considered by the
// greedy matcher.
type candidate struct {
	iou      float64
	trackID  int64
	detIndex int
}

// Update consumes one frame's detections and advances the track set.
// Work is O(tracks × detections) and never blocks.
func (t *Tracker) Update(detections []Detection, ts time.Time) {
	// Drop malformed detections up front.
	valid := detections[:0:0]
	for _, det := range detections {
		if !det.Valid() {
			log.Printf("tracker: dropping malformed detection with box %+v", det.Box)
			continue
		}
		valid = append(valid, det)
	}

	// Score every live pair above the IoU threshold.
	var candidates []candidate
	for id, tr := range t.tracks {
		pred := tr.predictedBox(t.Config.ExtrapolateBoxes)
		for di, det := range valid {
			if iou := geom.IoU(pred, det.Box); iou >= t.Config.IoUThreshold {
				candidates = append(candidates, candidate{iou: iou, trackID: id, detIndex: di})
			}
		}
	}

	// Greedy: always take the best remaining pair. Ties break by lower
	// track ID, then lower detection index, so identical inputs always
	// produce identical matchings.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.iou != b.iou {
			return a.iou > b.iou
		}
		if a.trackID != b.trackID {
			return a.trackID < b.trackID
		}
		return a.detIndex < b.detIndex
	})

	matchedTracks := make(map[int64]bool)
	matchedDets := make(map[int]bool)
	for _, c := range candidates {
		if matchedTracks[c.trackID] || matchedDets[c.detIndex] {
			continue
		}
		matchedTracks[c.trackID] = true
		matchedDets[c.detIndex] = true
		t.observe(t.tracks[c.trackID], valid[c.detIndex], ts)
	}

	// Age unmatched tracks toward termination.
	for id, tr := range t.tracks {
		if matchedTracks[id] {
			continue
		}
		tr.Missed++
		tr.Hits = 0
		if tr.Missed > t.Config.MaxMisses || t.offFrame(tr) {
			tr.State = TrackTerminated
			delete(t.tracks, id)
			continue
		}
		tr.State = TrackLost
	}

	// Spawn tentative tracks from unmatched detections of sufficient size.
	for di, det := range valid {
		if matchedDets[di] || det.Box.Area() < t.Config.MinDetectionArea {
			continue
		}
		t.spawn(det, ts)
	}
}

// observe appends a matched detection to the track and advances its state.
func (t *Tracker) observe(tr *Track, det Detection, ts time.Time) {
	tr.History = append(tr.History, Observation{Box: det.Box, Timestamp: ts})
	if limit := t.Config.MaxHistory; limit > 0 && len(tr.History) > limit {
		tr.History = tr.History[len(tr.History)-limit:]
	}

	tr.Missed = 0
	tr.Hits++
	tr.classVotes[det.Class]++

	if tr.Hits >= t.Config.HitsToConfirm {
		tr.confirmed = true
	}
	if tr.confirmed {
		tr.State = TrackConfirmed
	} else {
		tr.State = TrackTentative
	}
}

// spawn creates a new tentative track with a fresh, never-reused ID.
func (t *Tracker) spawn(det Detection, ts time.Time) *Track {
	tr := &Track{
		ID:           t.nextID,
		State:        TrackTentative,
		Hits:         1,
		History:      []Observation{{Box: det.Box, Timestamp: ts}},
		CrossedLines: make(map[string]bool),
		classVotes:   map[Class]int{det.Class: 1},
	}
	t.nextID++
	t.tracks[tr.ID] = tr
	return tr
}

// offFrame reports whether the track's reference point has left the frame
// bounds, when bounds are known.
func (t *Tracker) offFrame(tr *Track) bool {
	if t.Config.FrameWidth <= 0 || t.Config.FrameHeight <= 0 {
		return false
	}
	p := tr.RefPoint()
	return p.X < 0 || p.Y < 0 || p.X > t.Config.FrameWidth || p.Y > t.Config.FrameHeight
}

// Live returns the live tracks ordered by ascending ID.
func (t *Tracker) Live() []*Track {
	out := make([]*Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Confirmed returns only confirmed tracks, ordered by ascending ID.
func (t *Tracker) Confirmed() []*Track {
	out := make([]*Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		if tr.State == TrackConfirmed {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a live track by ID, or nil if it is not in the live set.
func (t *Tracker) Get(id int64) *Track {
	return t.tracks[id]
}

// Count returns counts of live tracks by state.
func (t *Tracker) Count() (total, tentative, confirmed, lost int) {
	for _, tr := range t.tracks {
		total++
		switch tr.State {
		case TrackTentative:
			tentative++
		case TrackConfirmed:
			confirmed++
		case TrackLost:
			lost++
		}
	}
	return
}
