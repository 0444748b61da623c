package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"expenseflow/fault"
)

// errorBody is the contractual error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError is the single place classified errors become HTTP responses.
// Internal causes are logged always but surfaced only in the dev profile.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := fault.HTTPStatus(kind)

	details := err.Error()
	if kind == fault.Internal {
		s.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		if s.environment != "dev" {
			details = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: string(kind), Details: details})
}

// contextWithTimeout derives a bounded context from the request, keeping the
// shorter of the request deadline and d.
func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
