package api

import (
	"bytes"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds request bodies. Operation params are small.
const maxBodyBytes = 1 << 20

// writeJSON encodes v into a buffer first so a failed encode never sends a partial body.
func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logger.Debug().Err(err).Msg("Failed to write response")
	}
}

// decodeJSON reads a JSON request body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
