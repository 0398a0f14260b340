package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func send(h http.Handler, method, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remote
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRateLimiter_BlocksAfterBurst(t *testing.T) {
	rl := New(Config{Enabled: true, RequestsPerMin: 60, BurstSize: 2})
	defer rl.Stop()
	h := rl.Middleware()(okHandler())

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, send(h, http.MethodGet, "/api/v1/projects", "192.168.1.100:12345").Code)
	}

	rr := send(h, http.MethodGet, "/api/v1/projects", "192.168.1.100:12345")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	var response map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	errObj, ok := response["error"].(map[string]any)
	require.True(t, ok, "error should be an object")
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errObj["code"])
}

func TestRateLimiter_SeparateLimitsPerClient(t *testing.T) {
	rl := New(Config{Enabled: true, RequestsPerMin: 60, BurstSize: 1})
	defer rl.Stop()
	h := rl.Middleware()(okHandler())

	assert.Equal(t, http.StatusOK, send(h, http.MethodGet, "/x", "192.168.1.100:1").Code)
	// same host, different port
	assert.Equal(t, http.StatusTooManyRequests, send(h, http.MethodGet, "/x", "192.168.1.100:2").Code)
	assert.Equal(t, http.StatusOK, send(h, http.MethodGet, "/x", "192.168.1.101:1").Code)
	assert.Equal(t, 2, rl.Clients())
}

func TestRateLimiter_WriteBudget(t *testing.T) {
	rl := New(Config{Enabled: true, RequestsPerMin: 600, BurstSize: 10, WritesPerMin: 1})
	defer rl.Stop()
	h := rl.Middleware()(okHandler())

	assert.Equal(t, http.StatusOK, send(h, http.MethodPost, "/api/v1/operations", "10.0.0.1:1").Code)
	rr := send(h, http.MethodPost, "/api/v1/operations", "10.0.0.1:1")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, rr.Body.String(), "WRITE_RATE_LIMIT_EXCEEDED")
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))

	// reads still have budget
	assert.Equal(t, http.StatusOK, send(h, http.MethodGet, "/api/v1/operations/abc", "10.0.0.1:1").Code)
}

func TestRateLimiter_EvictsLeastRecentClient(t *testing.T) {
	rl := New(Config{Enabled: true, RequestsPerMin: 60, BurstSize: 1, MaxClients: 2})
	defer rl.Stop()
	h := rl.Middleware()(okHandler())

	send(h, http.MethodGet, "/x", "10.0.0.1:1")
	send(h, http.MethodGet, "/x", "10.0.0.2:1")
	send(h, http.MethodGet, "/x", "10.0.0.3:1")
	assert.Equal(t, 2, rl.Clients())

	// 10.0.0.1 was evicted and starts with a fresh bucket
	assert.Equal(t, http.StatusOK, send(h, http.MethodGet, "/x", "10.0.0.1:1").Code)
}

func TestRateLimiter_BypassesHealthChecks(t *testing.T) {
	rl := New(Config{Enabled: true, RequestsPerMin: 60, BurstSize: 1})
	defer rl.Stop()
	h := rl.Middleware()(okHandler())

	for _, path := range []string{"/health", "/healthz", "/readyz", "/metrics"} {
		for i := 0; i < 10; i++ {
			assert.Equal(t, http.StatusOK, send(h, http.MethodGet, path, "192.168.1.100:12345").Code,
				"%s request %d should not be rate limited", path, i+1)
		}
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	h := Middleware(Config{Enabled: false, RequestsPerMin: 1, BurstSize: 1})(okHandler())
	for i := 0; i < 100; i++ {
		assert.Equal(t, http.StatusOK, send(h, http.MethodGet, "/x", "192.168.1.100:12345").Code)
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := New(Config{Enabled: true, RequestsPerMin: 6000, BurstSize: 100, WritesPerMin: 6000})
	defer rl.Stop()
	h := rl.Middleware()(okHandler())

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				send(h, http.MethodPost, "/x", "192.168.1.100:12345")
			}
		}()
	}
	wg.Wait()
}
