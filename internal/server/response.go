package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

const (
	ErrCodeNotFound        = "not_found"
	ErrCodeNeedsConnection = "needs_connection"
	ErrCodeInternal        = "internal_error"
)

// ErrorResponse is the JSON envelope of every failed /-/ call.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write json response")
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	if status >= 500 {
		log.Error().
			Str("request_id", requestIDFrom(r.Context())).
			Str("path", r.URL.Path).
			Str("code", code).
			Msg(msg)
	}
	writeJSON(w, status, ErrorResponse{
		RequestID: requestIDFrom(r.Context()),
		Code:      code,
		Message:   msg,
	})
}
