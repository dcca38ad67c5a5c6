package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/device"
	"github.com/nerrad567/gray-logic-bacnet/internal/multiplexer"
	"github.com/nerrad567/gray-logic-bacnet/internal/point"
	"github.com/nerrad567/gray-logic-bacnet/internal/scheduler"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeForbidden      = "forbidden"
	ErrCodeConflict       = "conflict"
	ErrCodeMismatch       = "value_mismatch"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeTimeout        = "device_timeout"
	ErrCodeUnreachable    = "device_unreachable"
	ErrCodeProtocol       = "protocol_error"
	ErrCodeUnavailable    = "service_unavailable"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeServiceError maps an error from the registry, point model, scheduler
// or multiplexer onto an HTTP status. Errors outside the known taxonomy are
// logged and reported as 500.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeInternalError(w, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}

// classifyError returns the HTTP status and error code for err.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, point.ErrPointNotFound),
		errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, scheduler.ErrNotScheduled):
		return http.StatusNotFound, ErrCodeNotFound

	case errors.Is(err, point.ErrPointExists),
		errors.Is(err, scheduler.ErrAlreadyScheduled):
		return http.StatusConflict, ErrCodeConflict

	case errors.Is(err, scheduler.ErrMismatch):
		return http.StatusConflict, ErrCodeMismatch

	case errors.Is(err, point.ErrInvalidKey),
		errors.Is(err, point.ErrInvalidMode),
		errors.Is(err, point.ErrInvalidVirtual),
		errors.Is(err, point.ErrInvalidPriority),
		errors.Is(err, point.ErrReadOnly),
		errors.Is(err, scheduler.ErrManualPoint),
		errors.Is(err, scheduler.ErrLocalPoint),
		errors.Is(err, device.ErrInvalidInstance),
		errors.Is(err, device.ErrInvalidAddress),
		errors.Is(err, device.ErrInvalidScope),
		errors.Is(err, bacnet.ErrInvalidValue),
		errors.Is(err, bacnet.ErrInvalidObjectType),
		errors.Is(err, bacnet.ErrInvalidProperty):
		return http.StatusBadRequest, ErrCodeValidation

	case errors.Is(err, multiplexer.ErrDeviceUnreachable):
		return http.StatusGatewayTimeout, ErrCodeUnreachable

	case errors.Is(err, multiplexer.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeTimeout

	case errors.Is(err, multiplexer.ErrProtocol):
		return http.StatusBadGateway, ErrCodeProtocol

	case errors.Is(err, multiplexer.ErrClosed),
		errors.Is(err, multiplexer.ErrCancelled),
		errors.Is(err, device.ErrNoTransport),
		errors.Is(err, device.ErrNoRequester),
		errors.Is(err, point.ErrNoRequester):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	}
	return http.StatusInternalServerError, ErrCodeInternal
}
