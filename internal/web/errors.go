package web

// errors.go provides unified error response handling for the web layer.
//
// The error flow:
//  1. Handler encounters an error
//  2. Calls respondError(w, r, err, status, detail)
//  3. Error is mapped via core.MapError to get a user-friendly message
//  4. Technical error + context is logged with the request ID for correlation
//  5. The JSON body carries detail as "error" plus the mapped message and code

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/logging"
	"github.com/JonMunkholm/catalog/internal/progress"
	"github.com/JonMunkholm/catalog/internal/queue"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

var rateLimitedMessage = core.MapError(errors.New("rate limit exceeded"))

// respondError logs err and writes the JSON error body. An empty detail
// falls back to the mapped message.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int, detail string) {
	userMsg := core.MapError(err)

	log := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
	}
	if statusCode >= http.StatusInternalServerError {
		log.Error("request error", attrs...)
	} else {
		log.Warn("request rejected", attrs...)
	}

	respondErrorJSON(w, userMsg, statusCode, detail)
}

// respondErrorJSON writes a JSON error response.
func respondErrorJSON(w http.ResponseWriter, msg core.UserMessage, statusCode int, detail string) {
	if detail == "" {
		detail = msg.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   detail,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// statusFor picks the HTTP status for an error coming out of core.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, core.ErrNotFound), errors.Is(err, progress.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrDuplicateSKU),
		errors.Is(err, core.ErrInvalidInput),
		errors.Is(err, core.ErrMissingColumn),
		errors.Is(err, core.ErrUnsupportedFormat),
		errors.Is(err, core.ErrEmptyFile):
		return http.StatusBadRequest
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrTooManyUploads),
		errors.Is(err, queue.ErrQueueFull),
		errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
