package gateway

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// APIKeyHeader carries the shared key when authentication is enabled.
const APIKeyHeader = "X-API-Key"

type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func requireAPIKey(key string) middleware {
	want := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(APIKeyHeader))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimit(l *rate.Limiter) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// boundedQueue runs at most running requests at once and lets up to waiting
// more block for a slot. Anything beyond that, or a request whose client goes
// away while queued, gets 503.
func boundedQueue(running, waiting int) middleware {
	slots := semaphore.NewWeighted(int64(running))
	queue := semaphore.NewWeighted(int64(waiting))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !slots.TryAcquire(1) {
				if !queue.TryAcquire(1) {
					writeError(w, http.StatusServiceUnavailable, "execution queue full")
					return
				}
				err := slots.Acquire(r.Context(), 1)
				queue.Release(1)
				if err != nil {
					writeError(w, http.StatusServiceUnavailable, "request abandoned while queued")
					return
				}
			}
			defer slots.Release(1)
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func accessLog(logger *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					logger.Error("handler panic", "path", r.URL.Path, "panic", p)
					writeError(rec, http.StatusInternalServerError, "internal error")
				}
				logger.Debug("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", rec.status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote_addr", r.RemoteAddr)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
