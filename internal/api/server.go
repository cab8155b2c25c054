// Package api exposes the counting pipeline over HTTP: job submission and
// control, count snapshots, the crossing event log (JSON or CSV), and a
// websocket feed of live crossings. Speeds are stored in m/s and converted
// to the configured display units at this edge.
package api

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/roadwatch/trafficcount/internal/count"
	"github.com/roadwatch/trafficcount/internal/crossing"
	"github.com/roadwatch/trafficcount/internal/job"
	"github.com/roadwatch/trafficcount/internal/roi"
	"github.com/roadwatch/trafficcount/internal/source"
	"github.com/roadwatch/trafficcount/internal/store"
	"github.com/roadwatch/trafficcount/internal/track"
	"github.com/roadwatch/trafficcount/internal/units"
	"github.com/roadwatch/trafficcount/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	manager *job.Manager
	db      *store.Store
	units   string
}

// NewServer creates the API server. db may be nil; finished jobs are then
// only visible while they remain in memory.
func NewServer(manager *job.Manager, db *store.Store, displayUnits string) *Server {
	if !units.Valid(displayUnits) {
		displayUnits = "mps"
	}
	return &Server{
		manager: manager,
		db:      db,
		units:   displayUnits,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack passes through so websocket upgrades work behind the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", s.createJob)
	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.showJob)
	mux.HandleFunc("GET /api/jobs/{id}/counts", s.showCounts)
	mux.HandleFunc("GET /api/jobs/{id}/events", s.listEvents)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.cancelJob)
	mux.HandleFunc("GET /api/jobs/{id}/live", s.liveEvents)
	mux.HandleFunc("GET /api/config", s.showConfig)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}

// createJobRequest is the POST /api/jobs body. Source must name a readable
// JSONL detections file; the remaining fields default sensibly when absent.
type createJobRequest struct {
	Source        string       `json:"source"`
	MinConfidence float64      `json:"min_confidence,omitempty"`
	FPS           float64      `json:"fps,omitempty"`
	Job           jobOverrides `json:"job"`
}

type jobOverrides struct {
	ROI             roi.Config `json:"roi"`
	PixelsPerMeter  float64    `json:"pixels_per_meter,omitempty"`
	JitterTolerance float64    `json:"jitter_tolerance,omitempty"`
	IoUThreshold    float64    `json:"iou_threshold,omitempty"`
	MaxMisses       int        `json:"max_misses,omitempty"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Source == "" {
		s.writeJSONError(w, http.StatusBadRequest, "source is required")
		return
	}

	src, err := source.NewJSONLSource(source.JSONLConfig{
		Path:          req.Source,
		MinConfidence: req.MinConfidence,
		FPS:           req.FPS,
	})
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("open source: %v", err))
		return
	}

	cfg := job.Config{
		Source:          req.Source,
		ROI:             req.Job.ROI,
		Tracker:         track.DefaultTrackerConfig(),
		Estimator:       track.DefaultEstimatorConfig(),
		Calibration:     track.Calibration{PixelsPerMeter: req.Job.PixelsPerMeter},
		JitterTolerance: req.Job.JitterTolerance,
	}
	if req.Job.IoUThreshold > 0 {
		cfg.Tracker.IoUThreshold = req.Job.IoUThreshold
	}
	if req.Job.MaxMisses > 0 {
		cfg.Tracker.MaxMisses = req.Job.MaxMisses
	}

	j, err := s.manager.Start(r.Context(), cfg, src)
	if err != nil {
		if errors.Is(err, roi.ErrInvalidROI) {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("start job: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(j.Status())
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.manager.List())
}

func (s *Server) showJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if j, ok := s.manager.Get(id); ok {
		s.writeJSON(w, j.Status())
		return
	}
	if s.db != nil {
		if rec, err := s.db.GetJob(id); err == nil {
			s.writeJSON(w, rec)
			return
		}
	}
	s.writeJSONError(w, http.StatusNotFound, "job not found")
}

func (s *Server) showCounts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var snap count.Snapshot
	if j, ok := s.manager.Get(id); ok {
		snap = j.Counts()
	} else if s.db != nil {
		stored, err := s.db.GetSnapshot(id)
		if err != nil {
			s.writeJSONError(w, http.StatusNotFound, "job not found")
			return
		}
		snap = stored
	} else {
		s.writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}

	// Uncalibrated summaries carry raw px/s; only real m/s values convert.
	if snap.Speed != nil && snap.Speed.Calibrated {
		converted := *snap.Speed
		converted.Mean = units.ConvertSpeed(converted.Mean, s.units)
		converted.P50 = units.ConvertSpeed(converted.P50, s.units)
		converted.P85 = units.ConvertSpeed(converted.P85, s.units)
		converted.P95 = units.ConvertSpeed(converted.P95, s.units)
		snap.Speed = &converted
	}
	s.writeJSON(w, snap)
}

// convertEventSpeed applies display-unit conversion to a calibrated event.
// Uncalibrated speeds are raw px/s and pass through unchanged.
func (s *Server) convertEventSpeed(ev crossing.Event) crossing.Event {
	if ev.Speed != nil && ev.SpeedCalibrated {
		converted := units.ConvertSpeed(*ev.Speed, s.units)
		ev.Speed = &converted
	}
	return ev
}

func (s *Server) jobEvents(id string) ([]crossing.Event, bool) {
	if j, ok := s.manager.Get(id); ok {
		return j.Events(), true
	}
	if s.db != nil {
		if _, err := s.db.GetJob(id); err == nil {
			events, err := s.db.GetEvents(id)
			if err != nil {
				log.Printf("api: load events for %s: %v", id, err)
				return nil, false
			}
			return events, true
		}
	}
	return nil, false
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	events, ok := s.jobEvents(r.PathValue("id"))
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	for i := range events {
		events[i] = s.convertEventSpeed(events[i])
	}

	if r.URL.Query().Get("format") == "csv" {
		s.writeEventsCSV(w, events)
		return
	}
	s.writeJSON(w, events)
}

func (s *Server) writeEventsCSV(w http.ResponseWriter, events []crossing.Event) {
	w.Header().Set("Content-Type", "text/csv")
	cw := csv.NewWriter(w)
	cw.Write([]string{"track_id", "line_id", "direction", "class", "speed", "speed_calibrated", "timestamp"})
	for _, ev := range events {
		speed := ""
		if ev.Speed != nil {
			speed = strconv.FormatFloat(*ev.Speed, 'f', 2, 64)
		}
		cw.Write([]string{
			strconv.FormatInt(ev.TrackID, 10),
			ev.LineID,
			string(ev.Direction),
			string(ev.Class),
			speed,
			strconv.FormatBool(ev.SpeedCalibrated),
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		log.Printf("api: write events csv: %v", err)
	}
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.manager.Cancel(id) {
		s.writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	j, _ := s.manager.Get(id)
	s.writeJSON(w, j.Status())
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"units":   s.units,
		"version": version.Version,
	})
}
