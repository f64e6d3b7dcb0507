package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/snakemake/snakeface/internal/argschema"
	"github.com/snakemake/snakeface/internal/store"
	"github.com/snakemake/snakeface/internal/supervisor"
)

// SubmitBody is the JSON body of a submission. Config holds argument
// values by name.
type SubmitBody struct {
	Name    string          `json:"name,omitempty"`
	Workdir string          `json:"workdir,omitempty"`
	Private bool            `json:"private,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// ShareBody names the user who becomes an owner of a run.
type ShareBody struct {
	User string `json:"user"`
}

// ChoicesResponse lists the Snakefiles and working directories under the
// server's workdir.
type ChoicesResponse struct {
	Snakefiles []string `json:"snakefiles"`
	Workdirs   []string `json:"workdirs"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Store.Ping(r.Context()); err != nil {
		s.logger.WarnContext(r.Context(), "health check failed", "error", err)
		httpError(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getSchema(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.opts.Supervisor.Schema())
}

func (s *Server) getChoices(w http.ResponseWriter, r *http.Request) {
	snakefiles, err := argschema.SnakefileChoices(s.opts.Workdir)
	if err != nil {
		s.internalError(w, r, fmt.Errorf("failed to list Snakefiles: %w", err))
		return
	}
	workdirs, err := argschema.WorkdirChoices(s.opts.Workdir)
	if err != nil {
		s.internalError(w, r, fmt.Errorf("failed to list working directories: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, ChoicesResponse{Snakefiles: snakefiles, Workdirs: workdirs})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.opts.Supervisor.List(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	respondJSON(w, http.StatusOK, DataResponse{Data: runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, out, err := s.opts.Supervisor.View(r.Context(), UserFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if run == nil {
		respondOutcome(w, out)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, "")
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, mux.Vars(r)["id"])
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, runID string) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	req, err := decodeSubmit(r)
	if err != nil {
		httpError(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.RunID = runID

	out, err := s.opts.Supervisor.Submit(r.Context(), user, req)
	if errors.Is(err, supervisor.ErrShuttingDown) {
		httpError(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondOutcome(w, out)
}

// decodeSubmit reads a JSON body or form fields. Form fields other than
// name, workdir and private are argument values.
func decodeSubmit(r *http.Request) (supervisor.SubmitRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body SubmitBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return supervisor.SubmitRequest{}, fmt.Errorf("invalid request body: %w", err)
		}
		req := supervisor.SubmitRequest{Name: body.Name, Workdir: body.Workdir, Private: body.Private}
		if len(body.Config) > 0 {
			req.Config = body.Config
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return supervisor.SubmitRequest{}, fmt.Errorf("invalid form: %w", err)
	}
	form := r.PostForm
	private, _ := strconv.ParseBool(form.Get("private"))
	req := supervisor.SubmitRequest{Name: form.Get("name"), Workdir: form.Get("workdir"), Private: private}
	for _, key := range []string{"name", "workdir", "private"} {
		form.Del(key)
	}
	if len(form) > 0 {
		req.Config = form
	}
	return req, nil
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}
	out, err := s.opts.Supervisor.Cancel(r.Context(), user, mux.Vars(r)["id"])
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondOutcome(w, out)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}
	out, err := s.opts.Supervisor.Delete(r.Context(), user, mux.Vars(r)["id"])
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondOutcome(w, out)
}

func (s *Server) shareRun(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}
	var body ShareBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if body.User == "" {
		httpError(w, "user is required", http.StatusBadRequest)
		return
	}
	out, err := s.opts.Supervisor.Share(r.Context(), user, mux.Vars(r)["id"], body.User)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondOutcome(w, out)
}

func (s *Server) getStatuses(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, out, err := s.opts.Supervisor.View(r.Context(), UserFromContext(r.Context()), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if run == nil {
		respondOutcome(w, out)
		return
	}

	snap, err := s.opts.Publisher.Snapshot(r.Context(), id, s.plain(r))
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, fmt.Sprintf("Run %s does not exist.", id), http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, DataResponse{Data: snap.Statuses})
}

// plain reports whether the client asked for plain status entries.
func (s *Server) plain(r *http.Request) bool {
	if v := r.URL.Query().Get("plain"); v != "" {
		b, err := strconv.ParseBool(v)
		return err == nil && b
	}
	return s.opts.PlainLevels
}
