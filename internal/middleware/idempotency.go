package middleware

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/crypto/blake2b"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxReplayBody        = 1 << 20 // 1 MB
)

// replayEntry is the cached response stored in the KV bucket.
type replayEntry struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// Idempotency returns middleware that deduplicates mutating requests by the
// Idempotency-Key header, replaying the cached response on repeats. Entries
// are scoped to method and path so the same client key on different
// endpoints does not collide, and only successful (2xx) responses are
// cached: a failed submission may be retried with the same key.
func Idempotency(kv jetstream.KeyValue) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			clientKey := r.Header.Get(headerIdempotencyKey)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := replayKey(r.Method, r.URL.Path, clientKey)

			entry, err := kv.Get(r.Context(), key)
			if err == nil {
				var cached replayEntry
				if err := json.Unmarshal(entry.Value(), &cached); err == nil {
					for k, vals := range cached.Headers {
						for _, v := range vals {
							w.Header().Add(k, v)
						}
					}
					w.WriteHeader(cached.StatusCode)
					_, _ = w.Write(cached.Body)
					return
				}
				slog.Warn("idempotency: corrupt cache entry", "key", key)
			}

			rec := &replayRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}
			next.ServeHTTP(rec, r)

			if rec.statusCode < 200 || rec.statusCode >= 300 {
				return
			}
			if rec.body.Len() > maxReplayBody {
				return
			}
			cached := replayEntry{
				StatusCode: rec.statusCode,
				Headers:    w.Header().Clone(),
				Body:       rec.body.Bytes(),
			}
			data, marshalErr := json.Marshal(cached)
			if marshalErr == nil {
				if _, putErr := kv.Put(r.Context(), key, data); putErr != nil {
					slog.Warn("idempotency: failed to store response", "key", key, "error", putErr)
				}
			}
		})
	}
}

// replayKey hashes the scope and client key into a fixed-width hex string.
// NATS KV keys have a restricted charset, so the raw header value cannot be
// used directly.
func replayKey(method, path, clientKey string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(clientKey))
	return hex.EncodeToString(h.Sum(nil))
}

// replayRecorder wraps http.ResponseWriter to capture the response for
// later replay.
type replayRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *replayRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *replayRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
