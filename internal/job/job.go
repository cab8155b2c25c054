// Package job runs the per-video counting pipeline: it pulls frames from
// a source, feeds them through the tracker, crossing detector, and
// counting engine, and persists progress and results. Each job owns its
// pipeline exclusively; jobs never share trackers, engines, or ROIs.
package job

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roadwatch/trafficcount/internal/count"
	"github.com/roadwatch/trafficcount/internal/crossing"
	"github.com/roadwatch/trafficcount/internal/roi"
	"github.com/roadwatch/trafficcount/internal/source"
	"github.com/roadwatch/trafficcount/internal/store"
	"github.com/roadwatch/trafficcount/internal/track"
)

// State is a job's lifecycle state.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool { return s != StateRunning }

// Config describes one counting job.
type Config struct {
	// Source labels where the frames come from (file path, stream URL).
	// Informational only; the FrameSource itself is passed separately.
	Source string `json:"source"`

	ROI         roi.Config            `json:"roi"`
	Tracker     track.TrackerConfig   `json:"tracker"`
	Estimator   track.EstimatorConfig `json:"estimator"`
	Calibration track.Calibration     `json:"calibration"`

	// JitterTolerance caps how far off the counting segment a crossing
	// may land. Zero uses the detector default.
	JitterTolerance float64 `json:"jitter_tolerance,omitempty"`

	// MaxRetries bounds consecutive reconnect attempts after a transient
	// source failure. Zero uses DefaultMaxRetries.
	MaxRetries int `json:"max_retries,omitempty"`

	// RetryBackoff is the first retry delay; it doubles per attempt.
	// Zero uses DefaultRetryBackoff.
	RetryBackoff time.Duration `json:"retry_backoff,omitempty"`

	// ProgressEvery sets how many frames pass between persisted progress
	// updates. Zero uses DefaultProgressEvery.
	ProgressEvery int `json:"progress_every,omitempty"`
}

const (
	DefaultMaxRetries    = 3
	DefaultRetryBackoff  = 250 * time.Millisecond
	DefaultProgressEvery = 25
)

// Status is a point-in-time view of a job for API consumers.
type Status struct {
	ID              string     `json:"id"`
	Source          string     `json:"source"`
	State           State      `json:"state"`
	FramesProcessed int        `json:"frames_processed"`
	TotalFrames     int        `json:"total_frames"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Job is one running (or finished) counting pipeline.
type Job struct {
	ID string

	cfg      Config
	source   source.FrameSource
	tracker  *track.Tracker
	detector *crossing.Detector
	engine   *count.Engine
	db       *store.Store // nil in store-less runs

	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	state           State
	framesProcessed int
	totalFrames     int
	errMsg          string
	startedAt       time.Time
	finishedAt      *time.Time
	subscribers     map[chan crossing.Event]bool
}

// newJob assembles the pipeline. The ROI must already be validated.
func newJob(id string, cfg Config, region *roi.ROI, src source.FrameSource, db *store.Store) *Job {
	estimator := track.NewEstimator(cfg.Estimator, cfg.Calibration)
	return &Job{
		ID:          id,
		cfg:         cfg,
		source:      src,
		tracker:     track.NewTracker(cfg.Tracker),
		detector:    crossing.NewDetector(region, estimator, cfg.JitterTolerance),
		engine:      count.NewEngine(),
		db:          db,
		done:        make(chan struct{}),
		state:       StateRunning,
		totalFrames: src.Total(),
		startedAt:   time.Now().UTC(),
		subscribers: make(map[chan crossing.Event]bool),
	}
}

// Status returns the job's current lifecycle view.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Status{
		ID:              j.ID,
		Source:          j.cfg.Source,
		State:           j.state,
		FramesProcessed: j.framesProcessed,
		TotalFrames:     j.totalFrames,
		Error:           j.errMsg,
		StartedAt:       j.startedAt,
		FinishedAt:      j.finishedAt,
	}
}

// Counts returns the job's committed counters. Valid in every state;
// cancelled and failed jobs keep the counts committed before they stopped.
func (j *Job) Counts() count.Snapshot { return j.engine.Snapshot() }

// Events returns the job's ordered crossing event log.
func (j *Job) Events() []crossing.Event { return j.engine.Events() }

// Cancel requests the job stop at the next frame boundary. Calling it on
// a finished or already-cancelled job is a no-op.
func (j *Job) Cancel() { j.cancel() }

// Done returns a channel closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Subscribe registers a live event feed. Slow consumers lose events
// rather than stall the pipeline. The returned func unsubscribes.
// Subscribing to a finished job yields an already-closed channel.
func (j *Job) Subscribe() (<-chan crossing.Event, func()) {
	ch := make(chan crossing.Event, 64)
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	j.subscribers[ch] = true
	j.mu.Unlock()

	unsubscribe := func() {
		j.mu.Lock()
		if j.subscribers[ch] {
			delete(j.subscribers, ch)
			close(ch)
		}
		j.mu.Unlock()
	}
	return ch, unsubscribe
}

func (j *Job) broadcast(ev crossing.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for ch := range j.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// run drives the pipeline until the source ends, fails permanently, or
// the context is cancelled. The Next call is the only suspension point:
// cancellation is observed there, never mid-frame, so every processed
// frame's counts are committed atomically.
func (j *Job) run(ctx context.Context) {
	maxRetries := j.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	backoff := j.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	progressEvery := j.cfg.ProgressEvery
	if progressEvery <= 0 {
		progressEvery = DefaultProgressEvery
	}

	final := StateCompleted
	var finalErr string

	retries := 0
	delay := backoff
	for {
		frame, err := j.source.Next(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				final = StateCancelled
				break
			}
			if errors.Is(err, source.ErrDisconnected) {
				if retries >= maxRetries {
					final = StateFailed
					finalErr = err.Error()
					log.Printf("job %s: source failed after %d reconnect attempts: %v", j.ID, retries, err)
					break
				}
				retries++
				log.Printf("job %s: source disconnected, retry %d/%d in %s", j.ID, retries, maxRetries, delay)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					final = StateCancelled
				}
				if final == StateCancelled {
					break
				}
				delay *= 2
				continue
			}
			final = StateFailed
			finalErr = err.Error()
			log.Printf("job %s: source error: %v", j.ID, err)
			break
		}
		retries = 0
		delay = backoff

		j.processFrame(frame)

		j.mu.Lock()
		j.framesProcessed++
		processed := j.framesProcessed
		j.mu.Unlock()

		if j.db != nil && processed%progressEvery == 0 {
			if err := j.db.UpdateJobProgress(j.ID, processed); err != nil {
				log.Printf("job %s: persist progress: %v", j.ID, err)
			}
		}
	}

	j.finish(final, finalErr)
}

// processFrame advances the tracker one frame and commits any crossings.
func (j *Job) processFrame(frame source.Frame) {
	j.tracker.Update(frame.Detections, frame.Timestamp)

	for _, ev := range j.detector.Detect(j.tracker.Confirmed(), frame.Timestamp) {
		if !j.engine.RecordCrossing(ev) {
			continue
		}
		if j.db != nil {
			if err := j.db.InsertEvent(j.ID, ev); err != nil {
				log.Printf("job %s: persist event: %v", j.ID, err)
			}
		}
		j.broadcast(ev)
	}
}

// finish records the terminal state, persists the final counters, and
// releases the source and subscribers.
func (j *Job) finish(state State, errMsg string) {
	if err := j.source.Close(); err != nil {
		log.Printf("job %s: close source: %v", j.ID, err)
	}

	j.mu.Lock()
	j.state = state
	j.errMsg = errMsg
	now := time.Now().UTC()
	j.finishedAt = &now
	processed := j.framesProcessed
	subs := j.subscribers
	j.subscribers = make(map[chan crossing.Event]bool)
	j.mu.Unlock()

	for ch := range subs {
		close(ch)
	}

	if j.db != nil {
		if err := j.db.SaveSnapshot(j.ID, j.engine.Snapshot()); err != nil {
			log.Printf("job %s: persist snapshot: %v", j.ID, err)
		}
		if err := j.db.FinishJob(j.ID, string(state), errMsg, processed, now); err != nil {
			log.Printf("job %s: persist final state: %v", j.ID, err)
		}
	}

	close(j.done)
}

// Manager owns every job in the process and serializes access to them.
type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	db   *store.Store
}

// NewManager creates a manager. db may be nil for store-less runs.
func NewManager(db *store.Store) *Manager {
	return &Manager{jobs: make(map[string]*Job), db: db}
}

// Start validates cfg, registers a new job, and begins processing frames
// from src on its own goroutine. ROI validation errors, including
// roi.ErrInvalidROI, are returned before any frame is consumed.
func (m *Manager) Start(ctx context.Context, cfg Config, src source.FrameSource) (*Job, error) {
	region, err := roi.New(cfg.ROI)
	if err != nil {
		src.Close()
		return nil, err
	}

	id := uuid.NewString()
	j := newJob(id, cfg, region, src, m.db)

	if m.db != nil {
		if err := m.db.CreateJob(id, cfg.Source, j.totalFrames, j.startedAt); err != nil {
			src.Close()
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel

	m.mu.Lock()
	m.jobs[id] = j
	m.mu.Unlock()

	log.Printf("job %s: started (source=%q, frames=%d)", id, cfg.Source, j.totalFrames)
	go j.run(runCtx)
	return j, nil
}

// Get returns the job with the given ID.
func (m *Manager) Get(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	return j, ok
}

// List returns every job's status, newest first.
func (m *Manager) List() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Status())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}

// Cancel stops the job with the given ID. Cancelling a finished job is a
// no-op; cancelling an unknown ID reports false.
func (m *Manager) Cancel(id string) bool {
	j, ok := m.Get(id)
	if !ok {
		return false
	}
	j.Cancel()
	return true
}
