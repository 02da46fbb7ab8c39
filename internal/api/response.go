package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Utitofon-Udoekong/nexushield/internal/allocator"
	"github.com/Utitofon-Udoekong/nexushield/internal/lifecycle"
	"github.com/Utitofon-Udoekong/nexushield/internal/schedule"
	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/rs/zerolog"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNotConnected), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, schedule.ErrInvalid):
		return http.StatusBadRequest
	}

	switch allocator.KindOf(err) {
	case allocator.RegionUnavailable:
		return http.StatusUnprocessableEntity
	case allocator.Upstream, allocator.InvalidResponse:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeServiceError logs unexpected failures and writes the mapped response.
func writeServiceError(w http.ResponseWriter, logger zerolog.Logger, err error, action string) {
	status := statusFor(err)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error().Err(err).Int("status", status).Msg(action + " failed")
	case status != http.StatusNotFound:
		logger.Warn().Err(err).Int("status", status).Msg(action + " rejected")
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = action + " failed"
	}
	writeError(w, status, message)
}
