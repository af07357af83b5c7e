package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/G-Research/Pulp-manager/pkg/queue"
)

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.inspector.Queues(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.inspector.Stats(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleScheduledJobs(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.inspector.Schedules(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleRegistryJobs(w http.ResponseWriter, r *http.Request) {
	page := atoiDefault(r.URL.Query().Get("page"), 1)
	pageSize := atoiDefault(r.URL.Query().Get("page_size"), s.cfg.Paging.DefaultPageSize)
	if max := s.cfg.Paging.MaxPageSize; max > 0 && pageSize > max {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("page_size %d larger than maximum %d", pageSize, max))
		return
	}

	jobs, err := s.inspector.RegistryJobs(r.Context(),
		chi.URLParam(r, "name"), chi.URLParam(r, "registry"), page, pageSize)
	if err != nil {
		if strings.Contains(err.Error(), "unknown registry") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.inspector.Job(r.Context(), chi.URLParam(r, "id"))
	if err == queue.ErrJobNotFound {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// atoiDefault parses a positive integer, falling back on bad input.
func atoiDefault(raw string, fallback int) int {
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return n
	}
	return fallback
}
