package middleware

import (
	"encoding/json"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// errorBody matches the API envelope for responses produced before a
// handler runs.
type errorBody struct {
	Data      any    `json:"data"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{ //nolint:errcheck
		Error:     msg,
		RequestID: chimw.GetReqID(r.Context()),
	})
}
