package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// envelope is the standard API response wrapper:
// { "data": ..., "error": ..., "request_id": ... }. The request id is only
// set on errors so failures can be matched to the request log.
type envelope struct {
	Data      any    `json:"data"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Data: data})
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeEnvelope(w, status, envelope{Error: msg, RequestID: chimw.GetReqID(r.Context())})
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("failed to encode json response", "status", status, "error", err)
	}
}
