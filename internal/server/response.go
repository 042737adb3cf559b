package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mattkinnersley/script-runner/internal/state"
)

const timeLayout = "2006-01-02 15:04:05"

// envelope wraps every response. Code mirrors the HTTP status.
type envelope struct {
	Code      int    `json:"code"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message,omitempty"`
}

func writeData(w http.ResponseWriter, data any) {
	writeEnvelope(w, envelope{Code: http.StatusOK, Data: data})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeEnvelope(w, envelope{Code: code, Message: msg})
}

func writeEnvelope(w http.ResponseWriter, env envelope) {
	env.Timestamp = time.Now().UTC().UnixMilli()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.Code)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Warn("writing response", "error", err)
	}
}

type timestamp time.Time

func (t timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(timeLayout))
}

type jobResponse struct {
	ID          string       `json:"id"`
	ScriptPath  string       `json:"scriptPath"`
	Status      state.Status `json:"status"`
	ExitCode    *int         `json:"exitCode,omitempty"`
	CreatedAt   timestamp    `json:"createdAt"`
	CompletedAt *timestamp   `json:"completedAt,omitempty"`
}

func newJobResponse(s state.Snapshot) jobResponse {
	resp := jobResponse{
		ID:         s.ID,
		ScriptPath: s.ScriptPath,
		Status:     s.Status,
		ExitCode:   s.ExitCode,
		CreatedAt:  timestamp(s.CreatedAt),
	}
	if s.CompletedAt != nil {
		at := timestamp(*s.CompletedAt)
		resp.CompletedAt = &at
	}
	return resp
}

type outputResponse struct {
	Output       string       `json:"output"`
	Error        string       `json:"error"`
	OutputOffset int          `json:"outputOffset"`
	ErrorOffset  int          `json:"errorOffset"`
	Status       state.Status `json:"status"`
	ExitCode     *int         `json:"exitCode,omitempty"`
}

func newOutputResponse(c state.Chunk) outputResponse {
	return outputResponse{
		Output:       c.Output,
		Error:        c.Error,
		OutputOffset: c.OutputOffset,
		ErrorOffset:  c.ErrorOffset,
		Status:       c.Status,
		ExitCode:     c.ExitCode,
	}
}
