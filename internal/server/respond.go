package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/snakemake/snakeface/internal/supervisor"
	"github.com/snakemake/snakeface/internal/telemetry"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// DataResponse wraps list payloads.
type DataResponse struct {
	Data any `json:"data"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func httpError(w http.ResponseWriter, message string, code int) {
	respondJSON(w, code, ErrorResponse{Error: message, Code: strconv.Itoa(code)})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	telemetry.Error(err, "route", routeTemplate(r))
	httpError(w, "Internal Server Error", http.StatusInternalServerError)
}

// outcomeStatus maps a supervisor outcome to its HTTP status code.
func outcomeStatus(kind supervisor.OutcomeKind) int {
	switch kind {
	case supervisor.OutcomeStarted, supervisor.OutcomeCancelled:
		return http.StatusAccepted
	case supervisor.OutcomeDeleted, supervisor.OutcomeShared:
		return http.StatusOK
	case supervisor.OutcomeInvalid:
		return http.StatusBadRequest
	case supervisor.OutcomeDenied:
		return http.StatusForbidden
	case supervisor.OutcomeNotFound:
		return http.StatusNotFound
	case supervisor.OutcomeQuotaExceeded:
		return http.StatusTooManyRequests
	case supervisor.OutcomeAlreadyRunning, supervisor.OutcomeNotRunning:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func respondOutcome(w http.ResponseWriter, out supervisor.Outcome) {
	respondJSON(w, outcomeStatus(out.Kind), out)
}
