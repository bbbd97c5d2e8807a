package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingThrottler struct{}

func (failingThrottler) CheckLimit(ctx context.Context, key string) (bool, error) {
	return false, errors.New("redis unavailable")
}

func newRouter(t Throttler, keyFn KeyFunc) http.Handler {
	r := chi.NewRouter()
	r.With(Limit("verify", t, keyFn)).Post("/verify", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func post(h http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/verify", nil)
	req.RemoteAddr = ip + ":5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLimitReturns429(t *testing.T) {
	clock := newClock()
	h := newRouter(NewRateLimiter(2, 0.5, 0, WithClock(clock.now)), ByIP)

	assert.Equal(t, http.StatusNoContent, post(h, "192.0.2.1").Code)
	assert.Equal(t, http.StatusNoContent, post(h, "192.0.2.1").Code)

	rec := post(h, "192.0.2.1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])

	assert.Equal(t, http.StatusNoContent, post(h, "192.0.2.2").Code, "other clients are unaffected")

	clock.advance(2 * time.Second)
	assert.Equal(t, http.StatusNoContent, post(h, "192.0.2.1").Code)
}

func TestLimitFailsOpenOnThrottlerError(t *testing.T) {
	h := newRouter(failingThrottler{}, ByIP)
	assert.Equal(t, http.StatusNoContent, post(h, "192.0.2.1").Code)
}

func TestByUserFallsBackToIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.9:1234"
	assert.Equal(t, "ip:192.0.2.9", ByUser(req))
}
