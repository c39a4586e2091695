package gateway

import (
	"bytes"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"deopenchat/services/gateway/api"
)

// HeaderIdempotencyKey marks admin requests that must run at most once.
const HeaderIdempotencyKey = "Idempotency-Key"

// WithIdempotency replays the stored response for a repeated key instead of
// running the handler again. Reusing a key for a different request is a
// conflict. Requests without a key pass through.
func WithIdempotency(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.MaxBodyBytes))
			if err != nil {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "read request body: "+err.Error(), "format_error")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := requestFingerprint(r.Method, r.URL.Path, body)

			var record idempotencyRow
			if err := db.WithContext(r.Context()).First(&record, "idempotency_key = ?", key).Error; err == nil {
				if record.Fingerprint != fingerprint {
					writeJSONError(w, http.StatusUnprocessableEntity, "idempotency key reused for a different request", "idempotency_conflict")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(record.Status)
				_, _ = w.Write([]byte(record.Response))
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)
			if recorder.status == 0 {
				recorder.status = http.StatusOK
			}
			if recorder.status >= http.StatusInternalServerError {
				return
			}
			_ = db.WithContext(r.Context()).Create(&idempotencyRow{
				Key:         key,
				Method:      r.Method,
				Path:        r.URL.Path,
				Fingerprint: fingerprint,
				Status:      recorder.status,
				Response:    recorder.buf.String(),
				CreatedAt:   time.Now().UTC(),
			}).Error
		})
	}
}

func requestFingerprint(method, path string, body []byte) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(method))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

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
