package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/parley-ai/parley/internal/orchestrator"
	"github.com/parley-ai/parley/internal/store"
)

// apiError is a client error with an explicit HTTP status. Handlers
// return it for validation failures; respondError unwraps the status.
type apiError struct {
	status int
	detail string
}

func (e *apiError) Error() string { return e.detail }

func badRequest(detail string) error {
	return &apiError{status: http.StatusBadRequest, detail: detail}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// respondDetail writes the canonical error body {"detail": ...}.
func respondDetail(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}

// respondError maps domain errors to HTTP statuses. Unrecognised errors
// become an opaque 500 so internal details never reach clients.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apiError
	switch {
	case errors.As(err, &ae):
		respondDetail(w, ae.status, ae.detail)
	case errors.Is(err, store.ErrNotFound):
		respondDetail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrPermissionDenied):
		respondDetail(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrConflict):
		respondDetail(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalid):
		respondDetail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrQueueFull):
		respondDetail(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, store.ErrConfig):
		respondDetail(w, http.StatusInternalServerError, err.Error())
	default:
		s.log.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		respondDetail(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}
