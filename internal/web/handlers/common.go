package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/photo-index/internal/cluster"
	"github.com/kozaktomas/photo-index/internal/constants"
	"github.com/kozaktomas/photo-index/internal/vector"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, vector.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, vector.ErrDimensionMismatch), errors.Is(err, vector.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, vector.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, vector.ErrStorageFailure), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondEngineError sends err with the status matching its kind.
func respondEngineError(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err.Error())
}

// decodeJSON reads a size limited JSON body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return false
	}
	return true
}

// pathParam returns an unescaped URL parameter. Face ids contain a slash
// and travel escaped as %2F.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func kindParam(w http.ResponseWriter, r *http.Request) (vector.Kind, bool) {
	kind, err := vector.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		respondEngineError(w, err)
		return "", false
	}
	return kind, true
}

func clusterParam(w http.ResponseWriter, r *http.Request, name string) (cluster.ID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 1 {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid cluster id %q", chi.URLParam(r, name)))
		return 0, false
	}
	return cluster.ID(id), true
}

// intQuery parses an optional non-negative integer query parameter.
func intQuery(r *http.Request, name string, def, maxValue int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", vector.ErrInvalidOperation, name, s)
	}
	return min(n, maxValue), nil
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
