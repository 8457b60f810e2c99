package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/kirayoXkaki/mgxEngine/internal/task"
)

// handleTasks serves POST /api/v1/tasks (create) and GET /api/v1/tasks
// (historical listing).
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	raw, err := s.createReq.Validate(r.Body)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req struct {
		TaskID      string `json:"task_id"`
		Requirement string `json:"requirement"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	state, err := s.cfg.Runner.Create(r.Context(), req.TaskID, req.Requirement)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("task created", "task_id", state.TaskID)
	writeJSON(w, http.StatusCreated, state)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "persistence disabled"})
		return
	}
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	pageSize := 20
	if v := r.URL.Query().Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	status := task.Status(r.URL.Query().Get("status"))
	result, err := s.cfg.Store.ListTasks(r.Context(), page, pageSize, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleActiveTasks serves GET /api/v1/tasks/active with the states of every
// non-terminal task.
func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ids := s.cfg.Runner.ListActive()
	states := make([]task.State, 0, len(ids))
	for _, id := range ids {
		if st, err := s.cfg.Runner.State(id); err == nil {
			states = append(states, st)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": states, "total": len(states)})
}

// handleTaskSubpath routes /api/v1/tasks/{id}[/...] to the per-task handlers.
func (s *Server) handleTaskSubpath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	taskID, rest, _ := strings.Cut(path, "/")
	if taskID == "" {
		writeBadRequest(w, "task_id required")
		return
	}

	switch {
	case rest == "" || rest == "state":
		switch r.Method {
		case http.MethodGet:
			s.taskState(w, taskID)
		case http.MethodDelete:
			if rest != "" {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.deleteTask(w, taskID)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case rest == "start":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.startTask(w, taskID)
	case rest == "cancel":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.cancelTask(w, taskID)
	case rest == "events":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.taskEvents(w, r, taskID)
	case rest == "metrics":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.taskMetrics(w, taskID)
	case rest == "artifacts":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.taskArtifacts(w, taskID)
	case rest == "artifacts/content":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.artifactContent(w, r, taskID)
	case rest == "edit":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.editArtifact(w, r, taskID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) taskState(w http.ResponseWriter, taskID string) {
	state, err := s.cfg.Runner.State(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) startTask(w http.ResponseWriter, taskID string) {
	if err := s.cfg.Runner.Start(taskID); err != nil {
		writeError(w, err)
		return
	}
	state, err := s.cfg.Runner.State(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("task started", "task_id", taskID)
	writeJSON(w, http.StatusAccepted, state)
}

func (s *Server) deleteTask(w http.ResponseWriter, taskID string) {
	if err := s.cfg.Runner.Delete(taskID); err != nil {
		writeError(w, err)
		return
	}
	if s.cfg.Artifacts != nil {
		s.cfg.Artifacts.Drop(taskID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelTask(w http.ResponseWriter, taskID string) {
	cancelled, err := s.cfg.Runner.Cancel(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := s.cfg.Runner.State(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled, "state": state})
}

func (s *Server) taskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	var since int64
	if v := r.URL.Query().Get("since_event_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeBadRequest(w, "since_event_id must be a non-negative integer")
			return
		}
		since = n
	}
	events, err := s.cfg.Runner.Events(taskID, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "events": events, "count": len(events)})
}

func (s *Server) taskMetrics(w http.ResponseWriter, taskID string) {
	metrics, err := s.cfg.Runner.Metrics(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) taskArtifacts(w http.ResponseWriter, taskID string) {
	if _, err := s.cfg.Runner.State(taskID); err != nil {
		writeError(w, err)
		return
	}
	files := s.cfg.Artifacts.Files(taskID)
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "files": files})
}

func (s *Server) artifactContent(w http.ResponseWriter, r *http.Request, taskID string) {
	filePath := r.URL.Query().Get("file_path")
	if filePath == "" {
		writeBadRequest(w, "file_path required")
		return
	}
	if v := r.URL.Query().Get("version"); v != "" {
		version, err := strconv.Atoi(v)
		if err != nil || version < 1 {
			writeBadRequest(w, "version must be a positive integer")
			return
		}
		art, err := s.cfg.Artifacts.Version(taskID, filePath, version)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, art)
		return
	}
	art, err := s.cfg.Artifacts.Latest(taskID, filePath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func (s *Server) editArtifact(w http.ResponseWriter, r *http.Request, taskID string) {
	if s.cfg.Editor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "editing disabled"})
		return
	}
	raw, err := s.editReq.Validate(r.Body)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req struct {
		FilePath    string `json:"file_path"`
		Instruction string `json:"instruction"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if _, err := s.cfg.Runner.State(taskID); err != nil {
		writeError(w, err)
		return
	}
	art, err := s.cfg.Editor.Edit(r.Context(), taskID, req.FilePath, req.Instruction)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("artifact edited", "task_id", taskID, "file_path", req.FilePath, "version", art.Version)
	writeJSON(w, http.StatusOK, art)
}
