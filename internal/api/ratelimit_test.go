package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func newTestLimiter(t *testing.T, rps float64, burst int) *RateLimitMiddleware {
	t.Helper()
	rl := NewRateLimitMiddleware(rps, burst, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(rl.Stop)
	return rl
}

func hit(h http.Handler, method, path, remoteAddr string) int {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimit_BlocksAfterBurst(t *testing.T) {
	rl := newTestLimiter(t, 1, 2)
	h := rl.Wrap(okHandler())

	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/v1/payments/batch", "10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/v1/payments/batch", "10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, hit(h, http.MethodPost, "/v1/payments/batch", "10.0.0.1:1234"))
}

func TestRateLimit_PerClientIsolation(t *testing.T) {
	rl := newTestLimiter(t, 1, 1)
	h := rl.Wrap(okHandler())

	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/v1/payments", "10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, hit(h, http.MethodPost, "/v1/payments", "10.0.0.1:5678"))
	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/v1/payments", "10.0.0.2:1234"))
}

func TestRateLimit_ReadsBudgetedSeparately(t *testing.T) {
	rl := newTestLimiter(t, 1, 1)
	h := rl.Wrap(okHandler())

	// Exhaust the write budget; reads still pass on their own limiter.
	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/v1/payments", "10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, hit(h, http.MethodPost, "/v1/payments", "10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, hit(h, http.MethodGet, "/v1/payments/abc", "10.0.0.1:1234"))
}

func TestRateLimit_ForwardedForWins(t *testing.T) {
	rl := newTestLimiter(t, 1, 1)
	h := rl.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/payments", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1, rl.LimiterCount())
}

func TestRateLimit_EvictsStaleEntries(t *testing.T) {
	rl := newTestLimiter(t, 1, 1)
	h := rl.Wrap(okHandler())

	now := time.Now()
	rl.nowFunc = func() time.Time { return now }
	hit(h, http.MethodPost, "/v1/payments", "10.0.0.1:1234")
	assert.Equal(t, 1, rl.LimiterCount())

	rl.nowFunc = func() time.Time { return now.Add(staleLimiterTTL + time.Minute) }
	rl.evictStale()
	assert.Equal(t, 0, rl.LimiterCount())
}
