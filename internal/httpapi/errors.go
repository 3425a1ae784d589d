package httpapi

import (
	"errors"
	"net/http"

	json "github.com/goccy/go-json"

	"localllm/internal/backend"
	"localllm/internal/generation"
	"localllm/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	switch {
	case generation.IsModelNotFound(err):
		return http.StatusNotFound
	case generation.IsBusy(err):
		return http.StatusConflict
	case generation.IsValidation(err), errors.Is(err, generation.ErrUnknownPromptFormat):
		return http.StatusBadRequest
	case backend.IsUnavailable(err),
		errors.Is(err, generation.ErrNoModelLoaded),
		errors.Is(err, generation.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
