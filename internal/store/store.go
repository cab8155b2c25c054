// Package store persists jobs, crossing events, and counter snapshots to
// sqlite so finished and failed jobs stay queryable across restarts. Each
// job's rows are addressable by job ID; nothing is shared across jobs.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/roadwatch/trafficcount/internal/count"
	"github.com/roadwatch/trafficcount/internal/crossing"
	"github.com/roadwatch/trafficcount/internal/roi"
	"github.com/roadwatch/trafficcount/internal/track"
)

// Store wraps the sqlite handle.
type Store struct {
	*sql.DB
}

// Open opens (or creates) the database at path and applies any pending
// migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent jobs.
	db.SetMaxOpenConns(1)

	s := &Store{DB: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// JobRecord is the persisted view of a job.
type JobRecord struct {
	ID              string     `json:"id"`
	Source          string     `json:"source"`
	State           string     `json:"state"`
	FramesProcessed int        `json:"frames_processed"`
	TotalFrames     int        `json:"total_frames"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// CreateJob inserts the initial row for a job.
func (s *Store) CreateJob(id, source string, totalFrames int, startedAt time.Time) error {
	_, err := s.Exec(`
		INSERT INTO jobs (id, source, state, total_frames, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, source, "running", totalFrames, startedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobProgress records the number of frames processed so far.
func (s *Store) UpdateJobProgress(id string, framesProcessed int) error {
	_, err := s.Exec(`UPDATE jobs SET frames_processed = ? WHERE id = ?`, framesProcessed, id)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// FinishJob records a job's terminal state. errMsg is empty unless the job
// failed.
func (s *Store) FinishJob(id, state, errMsg string, framesProcessed int, finishedAt time.Time) error {
	_, err := s.Exec(`
		UPDATE jobs SET state = ?, error = ?, frames_processed = ?, finished_at = ?
		WHERE id = ?`,
		state, errMsg, framesProcessed, finishedAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// GetJob returns one job row, or sql.ErrNoRows.
func (s *Store) GetJob(id string) (*JobRecord, error) {
	row := s.QueryRow(`
		SELECT id, source, state, frames_processed, total_frames, error, started_at, finished_at
		FROM jobs WHERE id = ?`, id)

	var rec JobRecord
	var finished sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Source, &rec.State, &rec.FramesProcessed,
		&rec.TotalFrames, &rec.Error, &rec.StartedAt, &finished); err != nil {
		return nil, err
	}
	if finished.Valid {
		rec.FinishedAt = &finished.Time
	}
	return &rec, nil
}

// ListJobs returns all job rows, most recent first.
func (s *Store) ListJobs() ([]JobRecord, error) {
	rows, err := s.Query(`
		SELECT id, source, state, frames_processed, total_frames, error, started_at, finished_at
		FROM jobs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var rec JobRecord
		var finished sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.State, &rec.FramesProcessed,
			&rec.TotalFrames, &rec.Error, &rec.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			rec.FinishedAt = &finished.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertEvent appends one crossing event. The UNIQUE(job_id, track_id,
// line_id) guard makes re-insertion a no-op, mirroring the in-memory
// engine's idempotence.
func (s *Store) InsertEvent(jobID string, ev crossing.Event) error {
	var speed sql.NullFloat64
	if ev.Speed != nil {
		speed = sql.NullFloat64{Float64: *ev.Speed, Valid: true}
	}
	_, err := s.Exec(`
		INSERT OR IGNORE INTO crossing_events
			(job_id, track_id, line_id, direction, class, speed, speed_calibrated, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, ev.TrackID, ev.LineID, string(ev.Direction), string(ev.Class),
		speed, ev.SpeedCalibrated, ev.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert crossing event: %w", err)
	}
	return nil
}

// GetEvents returns a job's event log in insertion order.
func (s *Store) GetEvents(jobID string) ([]crossing.Event, error) {
	rows, err := s.Query(`
		SELECT track_id, line_id, direction, class, speed, speed_calibrated, ts
		FROM crossing_events WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query crossing events: %w", err)
	}
	defer rows.Close()

	var out []crossing.Event
	for rows.Next() {
		var ev crossing.Event
		var dir, class string
		var speed sql.NullFloat64
		if err := rows.Scan(&ev.TrackID, &ev.LineID, &dir, &class, &speed, &ev.SpeedCalibrated, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Direction = roi.Direction(dir)
		ev.Class = track.Class(class)
		if speed.Valid {
			v := speed.Float64
			ev.Speed = &v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveSnapshot upserts the latest committed counters for a job.
func (s *Store) SaveSnapshot(jobID string, snap count.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.Exec(`
		INSERT INTO count_snapshots (job_id, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		jobID, string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns a job's last committed counters, or sql.ErrNoRows.
func (s *Store) GetSnapshot(jobID string) (count.Snapshot, error) {
	var payload string
	if err := s.QueryRow(`SELECT snapshot FROM count_snapshots WHERE job_id = ?`, jobID).Scan(&payload); err != nil {
		return count.Snapshot{}, err
	}
	var snap count.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return count.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}
