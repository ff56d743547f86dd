package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/thetahealth/ingest/internal/provider"
	"github.com/thetahealth/ingest/internal/store"
)

// envelope is the uniform response shape. Code 0 is success; non-zero codes
// mirror the HTTP status.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Code: 0, Msg: "ok", Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Code: status, Msg: msg})
}

// writeDomainError maps the shared sentinel errors onto envelope codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, provider.ErrValidation), errors.Is(err, provider.ErrNotSupported):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, provider.ErrAuthFailed):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, provider.ErrNotLinked), errors.Is(err, store.ErrRawNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
