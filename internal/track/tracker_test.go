package track

import (
	"testing"
	"time"

	"github.com/roadwatch/trafficcount/internal/geom"
)

func det(x1, y1, x2, y2 float64, class Class) Detection {
	return Detection{Box: geom.Box{X1: x1, Y1: y1, X2: x2, Y2: y2}, Class: class, Confidence: 0.9}
}

func frameTime(n int) time.Time {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(n) * 33 * time.Millisecond)
}

func TestNewTracker(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	if tracker == nil {
		t.Fatal("expected non-nil tracker")
	}
	if total, _, _, _ := tracker.Count(); total != 0 {
		t.Errorf("expected empty tracker, got %d tracks", total)
	}
}

func TestDefaultTrackerConfig(t *testing.T) {
	config := DefaultTrackerConfig()

	if config.IoUThreshold <= 0 || config.IoUThreshold >= 1 {
		t.Errorf("IoUThreshold must be in (0,1), got %v", config.IoUThreshold)
	}
	if config.MaxMisses < 1 {
		t.Errorf("MaxMisses must be >= 1, got %d", config.MaxMisses)
	}
	if config.HitsToConfirm < 1 {
		t.Errorf("HitsToConfirm must be >= 1, got %d", config.HitsToConfirm)
	}
	if config.MinDetectionArea <= 0 {
		t.Errorf("MinDetectionArea must be positive, got %v", config.MinDetectionArea)
	}
	if config.MaxHistory < 2 {
		t.Errorf("MaxHistory must be >= 2, got %d", config.MaxHistory)
	}
}

func TestTrackerSpawnsTentativeTrack(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())

	tracker.Update([]Detection{det(100, 100, 150, 140, ClassCar)}, frameTime(0))

	total, tentative, confirmed, _ := tracker.Count()
	if total != 1 || tentative != 1 || confirmed != 0 {
		t.Fatalf("after one frame: total=%d tentative=%d confirmed=%d", total, tentative, confirmed)
	}

	tr := tracker.Live()[0]
	if tr.ID != 1 {
		t.Errorf("first track ID = %d, want 1", tr.ID)
	}
	if tr.Class() != ClassCar {
		t.Errorf("track class = %q, want car", tr.Class())
	}
}

func TestTrackerConfirmsAfterConsecutiveMatches(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())

	tracker.Update([]Detection{det(100, 100, 150, 140, ClassCar)}, frameTime(0))
	tracker.Update([]Detection{det(102, 101, 152, 141, ClassCar)}, frameTime(1))

	_, _, confirmed, _ := tracker.Count()
	if confirmed != 1 {
		t.Fatalf("expected 1 confirmed track after 2 matches, got %d", confirmed)
	}
	if len(tracker.Live()[0].History) != 2 {
		t.Errorf("history length = %d, want 2", len(tracker.Live()[0].History))
	}
}

func TestTrackerSmallDetectionDoesNotSpawn(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())

	// 20x20 = 400 px², below the 500 px² minimum.
	tracker.Update([]Detection{det(0, 0, 20, 20, ClassCar)}, frameTime(0))

	if total, _, _, _ := tracker.Count(); total != 0 {
		t.Errorf("sub-threshold detection spawned %d tracks", total)
	}
}

func TestTrackerSmallDetectionStillMatchesExistingTrack(t *testing.T) {
	config := DefaultTrackerConfig()
	config.MinDetectionArea = 500
	tracker := NewTracker(config)

	tracker.Update([]Detection{det(0, 0, 40, 40, ClassCar)}, frameTime(0))
	// Shrunk below spawn threshold but still overlapping: should update,
	// not be discarded.
	tracker.Update([]Detection{det(0, 0, 22, 22, ClassCar)}, frameTime(1))

	tr := tracker.Live()[0]
	if len(tr.History) != 2 {
		t.Errorf("small overlapping detection should still match: history=%d", len(tr.History))
	}
}

func TestTrackerDropsMalformedDetection(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())

	// Inverted box has non-positive dimensions.
	tracker.Update([]Detection{det(150, 140, 100, 100, ClassCar)}, frameTime(0))

	if total, _, _, _ := tracker.Count(); total != 0 {
		t.Errorf("malformed detection spawned %d tracks", total)
	}
}

func TestTrackerPatienceTermination(t *testing.T) {
	config := DefaultTrackerConfig()
	config.MaxMisses = 10
	tracker := NewTracker(config)

	tracker.Update([]Detection{det(100, 100, 150, 140, ClassCar)}, frameTime(0))
	tracker.Update([]Detection{det(101, 100, 151, 140, ClassCar)}, frameTime(1))

	// 10 empty frames: still within patience, track is lost but live.
	for i := 0; i < 10; i++ {
		tracker.Update(nil, frameTime(2+i))
	}
	total, _, _, lost := tracker.Count()
	if total != 1 || lost != 1 {
		t.Fatalf("within patience: total=%d lost=%d, want 1/1", total, lost)
	}

	// The 11th consecutive miss exceeds patience and terminates the track.
	tracker.Update(nil, frameTime(12))
	if total, _, _, _ := tracker.Count(); total != 0 {
		t.Errorf("track should be terminated after %d misses, still have %d live", 11, total)
	}
	if tracker.Get(1) != nil {
		t.Error("terminated track still retrievable from live set")
	}
}

func TestTrackerLostTrackRecovers(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())

	tracker.Update([]Detection{det(100, 100, 150, 140, ClassCar)}, frameTime(0))
	tracker.Update([]Detection{det(101, 100, 151, 140, ClassCar)}, frameTime(1))
	tracker.Update(nil, frameTime(2))

	if _, _, _, lost := tracker.Count(); lost != 1 {
		t.Fatal("expected track to be lost after a missed frame")
	}

	tracker.Update([]Detection{det(102, 100, 152, 140, ClassCar)}, frameTime(3))
	tr := tracker.Get(1)
	if tr == nil {
		t.Fatal("track should survive a recoverable miss")
	}
	if tr.Missed != 0 {
		t.Errorf("Missed = %d after re-match, want 0", tr.Missed)
	}
}

func TestTrackerConfirmationSurvivesDropout(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())

	tracker.Update([]Detection{det(100, 100, 150, 140, ClassCar)}, frameTime(0))
	tracker.Update([]Detection{det(101, 100, 151, 140, ClassCar)}, frameTime(1))
	if tr := tracker.Get(1); tr.State != TrackConfirmed {
		t.Fatalf("state = %q before dropout, want confirmed", tr.State)
	}

	// One missed frame, then a re-match: the track passes through Lost but
	// comes back Confirmed, not Tentative.
	tracker.Update(nil, frameTime(2))
	tracker.Update([]Detection{det(102, 100, 152, 140, ClassCar)}, frameTime(3))

	tr := tracker.Get(1)
	if tr.State != TrackConfirmed {
		t.Errorf("state = %q after re-match, want confirmed", tr.State)
	}
	if tr.Hits != 1 {
		t.Errorf("Hits = %d after re-match, want 1 (consecutive count restarts)", tr.Hits)
	}
}

func TestTrackerIDsNeverReused(t *testing.T) {
	config := DefaultTrackerConfig()
	config.MaxMisses = 1
	tracker := NewTracker(config)

	tracker.Update([]Detection{det(100, 100, 150, 140, ClassCar)}, frameTime(0))
	tracker.Update(nil, frameTime(1))
	tracker.Update(nil, frameTime(2)) // terminates track 1

	tracker.Update([]Detection{det(100, 100, 150, 140, ClassCar)}, frameTime(3))
	tr := tracker.Live()[0]
	if tr.ID != 2 {
		t.Errorf("new track reused ID %d, want 2", tr.ID)
	}
}

func TestTrackerGreedyMatchingIsDeterministic(t *testing.T) {
	// Two identical runs over an ambiguous sequence must produce identical
	// track assignments.
	run := func() []int64 {
		tracker := NewTracker(DefaultTrackerConfig())
		// Two overlapping tracks side by side.
		tracker.Update([]Detection{
			det(100, 100, 160, 140, ClassCar),
			det(130, 100, 190, 140, ClassTruck),
		}, frameTime(0))
		// One detection overlapping both equally well.
		tracker.Update([]Detection{det(115, 100, 175, 140, ClassCar)}, frameTime(1))

		var ids []int64
		for _, tr := range tracker.Live() {
			ids = append(ids, tr.ID, int64(len(tr.History)))
		}
		return ids
	}

	first := run()
	for i := 0; i < 5; i++ {
		again := run()
		if len(again) != len(first) {
			t.Fatalf("run %d produced different track set: %v vs %v", i, again, first)
		}
		for j := range first {
			if again[j] != first[j] {
				t.Fatalf("run %d diverged: %v vs %v", i, again, first)
			}
		}
	}
}

func TestTrackerHistoryBounded(t *testing.T) {
	config := DefaultTrackerConfig()
	config.MaxHistory = 5
	tracker := NewTracker(config)

	for i := 0; i < 20; i++ {
		tracker.Update([]Detection{det(float64(i), 0, float64(i)+50, 40, ClassCar)}, frameTime(i))
	}

	tr := tracker.Live()[0]
	if len(tr.History) != 5 {
		t.Errorf("history length = %d, want bounded at 5", len(tr.History))
	}
	// History stays ordered by non-decreasing timestamp.
	for i := 1; i < len(tr.History); i++ {
		if tr.History[i].Timestamp.Before(tr.History[i-1].Timestamp) {
			t.Fatal("history out of order")
		}
	}
}

func TestTrackerClassVote(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())

	tracker.Update([]Detection{det(100, 100, 150, 140, ClassTruck)}, frameTime(0))
	tracker.Update([]Detection{det(101, 100, 151, 140, ClassCar)}, frameTime(1))
	tracker.Update([]Detection{det(102, 100, 152, 140, ClassCar)}, frameTime(2))

	if c := tracker.Live()[0].Class(); c != ClassCar {
		t.Errorf("majority class = %q, want car", c)
	}
}

func TestTrackerOffFrameTermination(t *testing.T) {
	config := DefaultTrackerConfig()
	config.FrameWidth = 640
	config.FrameHeight = 480
	tracker := NewTracker(config)

	// Reference point (650, 500) is already outside the 640x480 frame.
	tracker.Update([]Detection{det(600, 450, 700, 500, ClassCar)}, frameTime(0))
	if total, _, _, _ := tracker.Count(); total != 1 {
		t.Fatal("expected a track")
	}

	// First miss terminates immediately because the track left the frame,
	// without waiting out the full patience window.
	tracker.Update(nil, frameTime(1))
	if total, _, _, _ := tracker.Count(); total != 0 {
		t.Errorf("off-frame track should terminate, still have %d live", total)
	}
}
