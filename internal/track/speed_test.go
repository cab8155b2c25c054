package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadwatch/trafficcount/internal/geom"
)

// trackWithPath builds a track whose bottom-center moves through the given
// points at one observation per interval.
func trackWithPath(points []geom.Point, interval time.Duration) *Track {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := &Track{ID: 1, State: TrackConfirmed, CrossedLines: make(map[string]bool), classVotes: map[Class]int{ClassCar: 1}}
	for i, p := range points {
		// A 40x40 box whose bottom-center lands on p.
		box := geom.Box{X1: p.X - 20, Y1: p.Y - 40, X2: p.X + 20, Y2: p.Y}
		tr.History = append(tr.History, Observation{Box: box, Timestamp: base.Add(time.Duration(i) * interval)})
	}
	return tr
}

func TestEstimatorUncalibrated(t *testing.T) {
	// 100 px in 1 s → 100 px/s, flagged uncalibrated.
	tr := trackWithPath([]geom.Point{{X: 0, Y: 100}, {X: 100, Y: 100}}, time.Second)
	est := NewEstimator(DefaultEstimatorConfig(), Calibration{})

	got, ok := est.Estimate(tr)
	require.True(t, ok)
	assert.False(t, got.Calibrated)
	assert.InDelta(t, 100.0, got.Value, 1e-9)
}

func TestEstimatorCalibrated(t *testing.T) {
	// 100 px over 1 s at 10 px/m → 10 m/s.
	tr := trackWithPath([]geom.Point{{X: 0, Y: 100}, {X: 100, Y: 100}}, time.Second)
	est := NewEstimator(DefaultEstimatorConfig(), Calibration{PixelsPerMeter: 10})

	got, ok := est.Estimate(tr)
	require.True(t, ok)
	assert.True(t, got.Calibrated)
	assert.InDelta(t, 10.0, got.Value, 1e-9)
}

func TestEstimatorWindowUsesOldestAndNewest(t *testing.T) {
	// 7 observations, 25 px/frame at 1 frame/s; default window of 5 spans
	// 4 s and 100 px of displacement → 25 px/s.
	var points []geom.Point
	for i := 0; i < 7; i++ {
		points = append(points, geom.Point{X: float64(i) * 25, Y: 100})
	}
	tr := trackWithPath(points, time.Second)
	est := NewEstimator(DefaultEstimatorConfig(), Calibration{})

	got, ok := est.Estimate(tr)
	require.True(t, ok)
	assert.InDelta(t, 25.0, got.Value, 1e-9)
}

func TestEstimatorSmoothing(t *testing.T) {
	cfg := EstimatorConfig{Window: 2, SmoothingAlpha: 0.5}
	est := NewEstimator(cfg, Calibration{})
	tr := trackWithPath([]geom.Point{{X: 0, Y: 100}, {X: 100, Y: 100}}, time.Second)

	first, ok := est.Estimate(tr)
	require.True(t, ok)
	assert.InDelta(t, 100.0, first.Value, 1e-9)

	// The track slows to 50 px/s; EMA pulls the report halfway.
	base := tr.History[1].Timestamp
	tr.History = append(tr.History, Observation{
		Box:       geom.Box{X1: 130, Y1: 60, X2: 170, Y2: 100},
		Timestamp: base.Add(time.Second),
	})
	second, ok := est.Estimate(tr)
	require.True(t, ok)
	assert.InDelta(t, 0.5*50+0.5*100, second.Value, 1e-9)
}

func TestEstimatorInsufficientHistory(t *testing.T) {
	est := NewEstimator(DefaultEstimatorConfig(), Calibration{})

	tr := trackWithPath([]geom.Point{{X: 0, Y: 100}}, time.Second)
	if _, ok := est.Estimate(tr); ok {
		t.Error("one observation should not produce a speed")
	}

	// Two observations with identical timestamps have no elapsed time.
	same := trackWithPath([]geom.Point{{X: 0, Y: 100}, {X: 50, Y: 100}}, 0)
	if _, ok := est.Estimate(same); ok {
		t.Error("zero elapsed time should not produce a speed")
	}
}
