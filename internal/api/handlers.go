// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tonearm/tonearm/internal/engine"
	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/queue"
	"github.com/tonearm/tonearm/internal/store"
	"github.com/tonearm/tonearm/internal/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.GetStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	paused, err := s.engine.Paused(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		queue.Stats
		Paused bool `json:"paused"`
	}{Stats: stats, Paused: paused})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts := store.ListJobsOpts{Limit: 100}
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		st := types.JobStatus(v)
		opts.Status = &st
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		opts.Offset = n
	}

	jobs, total, err := s.engine.ListJobs(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"total": total,
	})
}

type enqueueRequest struct {
	Paths     []string `json:"paths"`
	Force     bool     `json:"force"`
	Recursive bool     `json:"recursive"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Paths) == 0 {
		writeError(w, http.StatusBadRequest, "paths is required")
		return
	}

	res, err := s.engine.Enqueue(r.Context(), req.Paths, req.Force, req.Recursive)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.engine.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	n, err := s.engine.RemoveJobs(r.Context(), store.RemoveJobsFilter{ID: &id})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if n == 0 {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

type scanRequest struct {
	LibraryID *int64 `json:"library_id"`
	Full      bool   `json:"full"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	res, err := s.engine.StartScan(r.Context(), req.LibraryID, req.Full)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrScanConflict):
			writeError(w, http.StatusConflict, "scan already running")
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "library not found")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pause(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Resume(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type flushRequest struct {
	Statuses []string `json:"statuses"`
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	req := flushRequest{Statuses: []string{string(types.JobDone), string(types.JobError)}}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	n, err := s.engine.FlushJobs(r.Context(), req.Statuses)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

type resetRequest struct {
	Stuck  bool `json:"stuck"`
	Errors bool `json:"errors"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	req := resetRequest{Stuck: true}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	n, err := s.engine.ResetJobs(r.Context(), engine.ResetOptions{
		Stuck:  req.Stuck,
		Errors: req.Errors,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// splitTopics parses the topics query parameter. An empty parameter
// subscribes to everything.
func splitTopics(raw string) []string {
	if raw == "" {
		return []string{"*"}
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
