// Package httpserver exposes the control-plane HTTP API.
package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/riskline/defector/internal/adapter/observability"
	"github.com/riskline/defector/internal/domain"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels onto HTTP statuses: invalid input 400,
// missing entity 404, state conflicts 409, transient infrastructure 503,
// everything else 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrDependency):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrTransient):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		observability.LoggerFromContext(r.Context()).Error("request failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// decodeBody parses a JSON request body into v, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w: %w", domain.ErrInvalidArgument, err)
	}
	return nil
}
