package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// RejectFunc writes the response for a limited request.
type RejectFunc func(w http.ResponseWriter, r *http.Request)

type retryAfterer interface {
	RetryAfter(key string) time.Duration
}

// Middleware limits requests by keyFunc. Limiter errors are logged and the
// request is let through.
func Middleware(limiter Limiter, keyFunc KeyFunc, reject RejectFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter failed, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			retry := 1
			if ra, isRA := limiter.(retryAfterer); isRA {
				retry = max(1, int(math.Ceil(ra.RetryAfter(key).Seconds())))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			reject(w, r)
		})
	}
}

// IPKeyFunc keys on the client IP from RemoteAddr. X-Forwarded-For is not
// trusted.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// HeaderKeyFunc keys on a request header, falling back to the client IP.
func HeaderKeyFunc(header string) KeyFunc {
	return func(r *http.Request) string {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return header + ":" + v
		}
		return "ip:" + IPKeyFunc(r)
	}
}
