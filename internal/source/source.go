// Package source supplies per-frame detection batches to the job
// orchestrator. A FrameSource is pull-based: the orchestrator calls Next
// in a loop, and that call is the pipeline's only suspension point, which
// is where cancellation and disconnect handling live.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/roadwatch/trafficcount/internal/track"
)

// ErrDisconnected reports a transient source failure (stream drop,
// truncated read). The orchestrator retries these with bounded backoff
// before failing the job.
var ErrDisconnected = errors.New("source disconnected")

// Frame is one frame's worth of detector output.
type Frame struct {
	Index      int
	Timestamp  time.Time
	Detections []track.Detection
}

// FrameSource produces frames strictly in arrival order. Implementations
// return io.EOF from Next when the stream ends normally.
type FrameSource interface {
	// Next blocks until the next frame is available, the source fails, or
	// ctx is cancelled.
	Next(ctx context.Context) (Frame, error)

	// Total returns the number of frames the source will produce, or 0
	// when unbounded (live streams).
	Total() int

	Close() error
}
