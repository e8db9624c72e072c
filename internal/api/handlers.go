package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/zombor/receipt-reel/internal/pipeline"
	"github.com/zombor/receipt-reel/internal/store"
)

// ErrBadRequest marks invalid client input
var ErrBadRequest = errors.New("bad request")

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// statusFor maps an error onto an HTTP status code
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest), errors.Is(err, pipeline.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrJobActive), errors.Is(err, pipeline.ErrJobFinished):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrQueueClosed), errors.Is(err, pipeline.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as a JSON error body. Internal errors are not echoed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		slog.Error("Error handling request", "method", r.Method, "path", r.URL.Path, "error", err)
		message = "Internal server error"
	}
	writeJSON(w, code, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleSubmitJob admits a new job
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source     string  `json:"source"`
		SampleRate float64 `json:"sample_rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid request body", ErrBadRequest))
		return
	}

	job, err := s.service.SubmitJob(r.Context(), req.Source, req.SampleRate)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleListJobs returns all jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.service.ListJobs(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleGetJob returns a single job
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRerunJob requeues a finished job
func (s *Server) handleRerunJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.RerunJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleCancelJob stops a job
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.CancelJob(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleListFrames returns the frames of a job
func (s *Server) handleListFrames(w http.ResponseWriter, r *http.Request) {
	frames, err := s.service.ListFrames(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, frames)
}

// handleGetFrameImage returns the PNG of one frame
func (s *Server) handleGetFrameImage(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		corsError(w, "Frame index must be a non-negative integer", http.StatusBadRequest)
		return
	}
	data, err := s.service.GetFrameImage(r.PathValue("id"), index)
	if err != nil {
		if statusFor(err) == http.StatusNotFound {
			corsError(w, "Image not found", http.StatusNotFound)
			return
		}
		writeError(w, r, err)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

// handleListReceipts returns the receipts of a job
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

// handleListJournal returns the journal entries of a job
func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.ListJournal(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
