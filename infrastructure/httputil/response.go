package httputil

import (
	"encoding/json"
	"net/http"
	"time"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
)

// ErrorResponse is the error envelope every endpoint returns on failure.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Timestamp returns the ISO-8601 timestamp carried by every response body.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// WriteJSON serialises v with the standard headers.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the standard error envelope for status.
func WriteError(w http.ResponseWriter, status int, errName, message string) {
	WriteJSON(w, status, ErrorResponse{
		Success:   false,
		Error:     errName,
		Message:   message,
		Timestamp: Timestamp(),
	})
}

// WriteServiceError maps a *ServiceError (or any error) onto the envelope.
func WriteServiceError(w http.ResponseWriter, err error) {
	se := svcerrors.AsServiceError(err)
	body := map[string]interface{}{
		"success":   false,
		"error":     string(se.Code),
		"message":   se.Message,
		"timestamp": Timestamp(),
	}
	for k, v := range se.Details {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}
	WriteJSON(w, se.HTTPStatus, body)
}

// BadRequest writes a 400 envelope.
func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "validation_error", message)
}

// Unauthorized writes a 401 envelope.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

// Forbidden writes a 403 envelope.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}

// NotFound writes a 404 envelope.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

// Conflict writes a 409 envelope.
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, "conflict", message)
}

// TooManyRequests writes a 429 envelope with a Retry-After header.
func TooManyRequests(w http.ResponseWriter, retryAfter time.Duration, message string) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", retryAfter.Round(time.Second).String())
	}
	WriteError(w, http.StatusTooManyRequests, "rate_limited", message)
}

// InternalError writes a 500 envelope.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_error", message)
}

// ServiceUnavailable writes a 503 envelope.
func ServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, "unavailable", message)
}
