package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/retrieval"
	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Kind  string `json:"kind,omitempty"`
}

// WriteJSON writes data as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes an ErrorResponse.
func WriteError(w http.ResponseWriter, status int, message, code string) {
	WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeErr maps a domain error onto a status code.
func writeErr(w http.ResponseWriter, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}
	var se *svcerr.Error
	if errors.As(err, &se) {
		resp.Kind = string(se.Kind)
	}
	WriteJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case svcerr.Is(err, svcerr.InvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, job.ErrNotFound), errors.Is(err, job.ErrUnknownStage), errors.Is(err, retrieval.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, job.ErrTerminal), errors.Is(err, job.ErrConflict), errors.Is(err, job.ErrInvalidTransition):
		return http.StatusConflict, "CONFLICT"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}
