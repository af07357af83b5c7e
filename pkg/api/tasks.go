package api

import (
	"net/http"

	"github.com/G-Research/Pulp-manager/pkg/log"
	"github.com/G-Research/Pulp-manager/pkg/types"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q, ok := s.parseListQuery(w, r)
	if !ok {
		return
	}
	page, err := s.store.PageTasks(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleTaskTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.TaskTypeNames())
}

func (s *Server) handleTaskStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.TaskStateNames())
}

// taskDetail is a task with its stages inlined.
type taskDetail struct {
	types.Task
	Stages []*types.TaskStage `json:"stages"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	task, err := s.store.GetTask(id)
	if err != nil {
		writeStoreError(w, err, "Task not found")
		return
	}
	stages, err := s.tasks.ListStages(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &taskDetail{Task: *task, Stages: stages})
}

type patchTaskRequest struct {
	State string `json:"state"`
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var req patchTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.State == "" {
		writeError(w, http.StatusBadRequest, "state is required")
		return
	}

	if _, err := s.store.GetTask(id); err != nil {
		writeStoreError(w, err, "Task not found")
		return
	}

	// invalid transitions, unknown states and unsupported targets all
	// come back as one client error
	task, err := s.jobs.ChangeTaskState(r.Context(), id, req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if claims := claimsFromContext(r.Context()); claims != nil {
		log.WithTaskID(id).Info().
			Str("username", claims.Username).
			Str("state", req.State).
			Msg("task state changed via api")
	}
	writeJSON(w, http.StatusOK, task)
}
