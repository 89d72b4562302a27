package idempotency

import (
	"bytes"
	"net/http"
)

const HeaderKey = "X-Idempotency-Key"

// Middleware replays a cached response for a repeated X-Idempotency-Key on
// mutating admin/operator requests (spec §6), recording the first
// response for any key it hasn't seen.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" || (r.Method != http.MethodPost && r.Method != http.MethodPatch) {
				next.ServeHTTP(w, r)
				return
			}

			if cached, ok := store.Get(r.Context(), key); ok {
				for k, vs := range cached.Headers {
					for _, v := range vs {
						w.Header().Add(k, v)
					}
				}
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK, body: &bytes.Buffer{}}
			next.ServeHTTP(rec, r)

			store.Set(r.Context(), key, Response{
				StatusCode: rec.status,
				Body:       rec.body.Bytes(),
				Headers:    w.Header().Clone(),
			})
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
