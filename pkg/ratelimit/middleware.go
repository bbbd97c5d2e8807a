package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/redis/go-redis/v9"

	"github.com/tendant/devicetrust/pkg/device"
	"github.com/tendant/devicetrust/pkg/errors"
)

// KeyFunc derives the throttle key of a request. An empty key skips the limit.
type KeyFunc func(r *http.Request) string

// ByIP keys requests by client IP.
func ByIP(r *http.Request) string {
	return device.ClientIP(r)
}

// ByUser keys requests by the authenticated subject, falling back to the client IP
// for anonymous requests.
func ByUser(r *http.Request) string {
	if _, claims, err := jwtauth.FromContext(r.Context()); err == nil && claims != nil {
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return "user:" + sub
		}
	}
	return "ip:" + device.ClientIP(r)
}

type retryAfterer interface {
	RetryAfter(key string) time.Duration
}

// NewThrottler returns a Redis fixed-window throttler allowing capacity requests
// per window when rdb is set, otherwise an in-process token bucket limiter.
func NewThrottler(name string, capacity int, refillRate float64, window, ttl time.Duration, rdb redis.Cmdable) Throttler {
	if rdb != nil {
		return NewRedisThrottler(rdb, capacity, window).WithPrefix(DefaultRedisPrefix + name + ":")
	}
	return NewRateLimiter(capacity, refillRate, ttl)
}

// Limit rejects requests with 429 once the throttler denies their key. A throttler
// error lets the request through.
func Limit(name string, t Throttler, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := t.CheckLimit(r.Context(), key)
			if err != nil {
				slog.Error("Rate limit check failed, allowing request", "limit", name, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				rateLimitExceeded(w, r, name, key, t)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitExceeded(w http.ResponseWriter, r *http.Request, name, key string, t Throttler) {
	slog.Warn("Rate limit exceeded",
		"limit", name,
		"ip", device.ClientIP(r),
		"path", r.URL.Path,
		"method", r.Method,
	)

	retryAfter := "60"
	if ra, ok := t.(retryAfterer); ok {
		secs := int(math.Ceil(ra.RetryAfter(key).Seconds()))
		if secs < 1 {
			secs = 1
		}
		retryAfter = strconv.Itoa(secs)
	}
	w.Header().Set("Retry-After", retryAfter)

	e := errors.RateLimitExceeded(retryAfter)
	render.Status(r, e.HTTPStatusCode())
	render.JSON(w, r, map[string]interface{}{
		"code":    e.Code,
		"message": e.Message,
		"details": map[string]string{"limit": name, "retry_after": retryAfter},
	})
}
