// Package middleware holds the transport middleware that sits between chi's
// base stack and the handlers: idempotent replay for mutating routes, per
// principal rate limiting, and request metrics.
package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"expenseflow/auth"
	"expenseflow/fault"
	"expenseflow/models"
)

const replayedHeader = "Idempotency-Replayed"

// maxIdempotentBody bounds how much request body is buffered for hashing.
// Larger bodies execute without replay protection.
const maxIdempotentBody = 1 << 20

// WithIdempotency makes mutating requests replayable. A request carrying an
// Idempotency-Key header executes once per (principal, key); replays with
// the same body get the recorded response back, replays with a different
// body or route are refused. Requests without the header pass through.
func WithIdempotency(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			if key == "" || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := auth.FromContext(r.Context())
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			actorID := claims.UserID.String()

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, fault.ValidationFailed, "unreadable request body")
				return
			}
			if len(body) > maxIdempotentBody {
				// Too large to buffer; execute without replay protection.
				r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
				next.ServeHTTP(w, r)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			requestHash := hex.EncodeToString(sum[:])

			var record models.IdempotencyRecord
			err = db.First(&record, "key = ? AND actor_id = ?", key, actorID).Error
			if err == nil {
				if record.RequestHash != requestHash || record.Method != r.Method || record.Path != r.URL.Path {
					writeError(w, http.StatusConflict, fault.Conflict,
						"idempotency key already used with a different request")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(replayedHeader, "true")
				w.WriteHeader(record.Status)
				_, _ = io.WriteString(w, record.Response)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			stored := models.IdempotencyRecord{
				Key:         key,
				ActorID:     actorID,
				Method:      r.Method,
				Path:        r.URL.Path,
				RequestHash: requestHash,
				Status:      recorder.status,
				Response:    recorder.buf.String(),
			}
			if err := db.Create(&stored).Error; err != nil {
				// A lost record only costs replay protection, not correctness.
				slog.Warn("store idempotency record", "key", key, "error", err)
			}
		})
	}
}

// responseRecorder tees the response so it can be stored for replay.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}

func writeError(w http.ResponseWriter, status int, kind fault.Kind, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": string(kind), "details": details})
}
