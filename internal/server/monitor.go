package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/snakemake/snakeface/internal/store"
	"github.com/snakemake/snakeface/internal/version"
)

// ServiceInfo describes the server to the engine's monitor client, which
// checks that status is "running".
type ServiceInfo struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Name             string            `json:"name"`
	Type             map[string]string `json:"type"`
	Description      string            `json:"description"`
	Organization     map[string]string `json:"organization"`
	DocumentationURL string            `json:"documentationUrl"`
	Version          string            `json:"version"`
}

func (s *Server) serviceInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ServiceInfo{
		ID:               "snakeface",
		Status:           "running",
		Name:             "Snakemake Workflow Interface (SnakeFace)",
		Type:             map[string]string{"group": "org.ga4gh", "artifact": "beacon", "version": "1.0.0"},
		Description:      "This service provides an interface to interact with Snakemake.",
		Organization:     map[string]string{"name": "Snakemake", "url": "https://snakemake.github.io"},
		DocumentationURL: "https://snakemake.github.io/snakeface",
		Version:          version.Version,
	})
}

// monitorUser enforces the monitor protocol's auth: 401 without a token,
// 403 when the user is not a member of run.
func (s *Server) monitorUser(w http.ResponseWriter, r *http.Request, run *store.Run) *store.User {
	user := requireUser(w, r)
	if user == nil || run == nil {
		return user
	}
	ok, err := s.opts.Store.IsMember(r.Context(), run.ID, user.ID)
	if err != nil {
		s.internalError(w, r, err)
		return nil
	}
	if !ok && user != s.opts.NotebookUser {
		httpError(w, "Forbidden", http.StatusForbidden)
		return nil
	}
	return user
}

// lookupRun writes 404 and returns nil when id names no run.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request, id string) *store.Run {
	run, err := s.opts.Store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, "Not Found", http.StatusNotFound)
		return nil
	}
	if err != nil {
		s.internalError(w, r, err)
		return nil
	}
	return run
}

// createWorkflow is called by the engine when it starts. With an id it
// resets the run's status events; without one it registers a run started
// outside the server.
func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httpError(w, "invalid form", http.StatusBadRequest)
		return
	}

	if id := r.Form.Get("id"); id != "" {
		run := s.lookupRun(w, r, id)
		if run == nil {
			return
		}
		if s.monitorUser(w, r, run) == nil {
			return
		}
		if err := s.opts.Store.DeleteStatusEvents(r.Context(), run.ID); err != nil {
			s.internalError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"id": run.ID})
		return
	}

	user := s.monitorUser(w, r, nil)
	if user == nil {
		return
	}
	run := &store.Run{
		ID:        uuid.NewString(),
		Snakefile: r.PostForm.Get("snakefile"),
		Workdir:   r.PostForm.Get("workdir"),
		Command:   r.PostForm.Get("command"),
	}
	if err := s.opts.Store.CreateRun(r.Context(), run, user.ID); err != nil {
		s.internalError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "registered external run", "run_id", run.ID)
	respondJSON(w, http.StatusOK, map[string]string{"id": run.ID})
}

// updateWorkflowStatus stores one status message from the engine. The msg
// field must hold a JSON object; anything else is dropped.
func (s *Server) updateWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httpError(w, "invalid form", http.StatusBadRequest)
		return
	}
	run := s.lookupRun(w, r, r.PostForm.Get("id"))
	if run == nil {
		return
	}
	if s.monitorUser(w, r, run) == nil {
		return
	}

	raw := json.RawMessage(r.PostForm.Get("msg"))
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		s.logger.WarnContext(r.Context(), "dropping malformed status message", "run_id", run.ID, "error", err)
		httpError(w, "msg must be a JSON object", http.StatusBadRequest)
		return
	}

	if err := s.opts.Store.AppendStatusEvent(r.Context(), run.ID, raw); err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}
