package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/mattkinnersley/script-runner/internal/engine"
	"github.com/mattkinnersley/script-runner/internal/state"
)

// Handler returns the HTTP routes wrapped in the rate limiter.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs/run", s.handleRun)
	mux.HandleFunc("GET /api/jobs", s.handleList)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGet)
	mux.HandleFunc("GET /api/jobs/{id}/output", s.handleOutput)
	mux.HandleFunc("POST /api/jobs/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /api/jobs/{id}/follow", s.handleFollow)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	return s.rateLimit(mux)
}

type runRequest struct {
	ScriptPath string `json:"scriptPath"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be JSON with a scriptPath field")
		return
	}
	if err := validateScriptPath(req.ScriptPath, s.opts.ScriptExtension); err != nil {
		writeError(w, validationStatus(err), err.Error())
		return
	}
	id, err := s.jobs.TrySubmit(req.ScriptPath)
	if err != nil {
		writeError(w, http.StatusTooManyRequests, "Task queue is full, please try again later")
		return
	}
	writeData(w, id)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.List()
	resp := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, newJobResponse(job.Snapshot()))
	}
	writeData(w, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeData(w, newJobResponse(job.Snapshot()))
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	outOff, err := queryOffset(r, "outputOffset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	errOff, err := queryOffset(r, "errorOffset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeData(w, newOutputResponse(job.ReadSince(outOff, errOff)))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.jobs.Stop(id)
	switch {
	case err == nil:
		writeData(w, true)
	case errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, engine.ErrAlreadyTerminal):
		writeError(w, http.StatusBadRequest, "Task has already finished")
	default:
		slog.Error("stopping job", "job", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to stop task")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, s.Ready())
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*state.Job, bool) {
	job, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return nil, false
	}
	return job, true
}

// queryOffset reads an optional integer offset; absent means 0.
func queryOffset(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Newf("%s must be an integer", key)
	}
	return n, nil
}
