package track

import "math"

// Calibration converts pixel displacement to real-world distance.
// A zero PixelsPerMeter means the job is uncalibrated and speeds are
// reported as raw pixels per second.
type Calibration struct {
	PixelsPerMeter float64 `json:"pixels_per_meter"`
}

// Calibrated reports whether a real-world scale was supplied.
func (c Calibration) Calibrated() bool { return c.PixelsPerMeter > 0 }

// EstimatorConfig holds speed estimation parameters.
type EstimatorConfig struct {
	Window         int     // Number of recent observations used per estimate
	SmoothingAlpha float64 // EMA weight of the newest raw estimate, in (0, 1]
}

// DefaultEstimatorConfig returns default speed estimation parameters:
// a five-observation window and an EMA alpha of 0.5.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		Window:         5,
		SmoothingAlpha: 0.5,
	}
}

// Estimate is one speed reading for a track. Value is metres per second
// when Calibrated, raw pixels per second otherwise.
type Estimate struct {
	Value      float64
	Calibrated bool
}

// Estimator derives per-track speed from positional history. Estimates are
// computed lazily, only when a crossing event needs a speed value, and
// smoothed with an exponential moving average held on the track itself.
type Estimator struct {
	Config      EstimatorConfig
	Calibration Calibration
}

// NewEstimator creates an estimator with the given config and calibration.
func NewEstimator(config EstimatorConfig, cal Calibration) *Estimator {
	return &Estimator{Config: config, Calibration: cal}
}

// Estimate computes the track's current smoothed speed. Returns false when
// the track has fewer than two observations or no elapsed time between the
// window's oldest and newest entries.
func (e *Estimator) Estimate(tr *Track) (Estimate, bool) {
	window := tr.History
	if n := e.Config.Window; n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}
	if len(window) < 2 {
		return Estimate{}, false
	}

	oldest := window[0]
	newest := window[len(window)-1]
	elapsed := newest.Timestamp.Sub(oldest.Timestamp)
	if elapsed <= 0 {
		return Estimate{}, false
	}

	from := oldest.Box.BottomCenter()
	to := newest.Box.BottomCenter()
	pixels := math.Hypot(to.X-from.X, to.Y-from.Y)
	raw := pixels / elapsed.Seconds()

	if e.Calibration.Calibrated() {
		raw /= e.Calibration.PixelsPerMeter // px/s → m/s
	}

	smoothed := raw
	if tr.speedPrimed {
		alpha := e.Config.SmoothingAlpha
		smoothed = alpha*raw + (1-alpha)*tr.smoothedSpeed
	}
	tr.smoothedSpeed = smoothed
	tr.speedPrimed = true

	return Estimate{Value: smoothed, Calibrated: e.Calibration.Calibrated()}, true
}
