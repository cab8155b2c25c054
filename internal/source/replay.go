package source

import (
	"context"
	"io"
	"sync"
)

// ReplaySource serves a fixed slice of frames, optionally injecting
// transient disconnects. It backs tests and dev-mode runs the way the
// fixtures file backs the hardware path.
type ReplaySource struct {
	mu     sync.Mutex
	frames []Frame
	index  int

	// FailAt maps frame index → number of ErrDisconnected results to
	// serve before that frame succeeds.
	FailAt map[int]int

	closed bool
}

// NewReplaySource creates a source over the given frames.
func NewReplaySource(frames []Frame) *ReplaySource {
	return &ReplaySource{frames: frames}
}

// Next returns the next queued frame, a scheduled disconnect, or io.EOF.
func (s *ReplaySource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index >= len(s.frames) {
		return Frame{}, io.EOF
	}
	if remaining := s.FailAt[s.index]; remaining > 0 {
		s.FailAt[s.index] = remaining - 1
		return Frame{}, ErrDisconnected
	}

	frame := s.frames[s.index]
	s.index++
	return frame, nil
}

// Total returns the number of queued frames.
func (s *ReplaySource) Total() int { return len(s.frames) }

// Close marks the source closed.
func (s *ReplaySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called; used by orchestrator tests.
func (s *ReplaySource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
