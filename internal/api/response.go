package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/parleyhq/parley/internal/log"
)

// errorResponse is the JSON envelope for failures.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response. Encoding happens into a buffer first so
// headers go out only after a successful encode and a proper 500 can still
// be returned on failure.
func writeJSON(w http.ResponseWriter, status int, data any, logger log.Logger) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		logger.Error("encoding JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		// Client disconnects are common here, not worth more than debug.
		logger.Debug("writing response body", "error", err)
	}
}

// writeError writes a JSON error envelope.
func writeError(w http.ResponseWriter, status int, code, message string, logger log.Logger) {
	writeJSON(w, status, errorResponse{Code: code, Message: message}, logger)
}
