package httptransport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// apiError is the uniform failure payload for the job API and the worker
// protocol alike. RequestID ties a rejected call back to its log line, which
// matters most for authentication failures where the body says nothing else.
type apiError struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, apiError{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}
