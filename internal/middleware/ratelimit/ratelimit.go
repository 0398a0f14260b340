// Package ratelimit provides per-client token bucket rate limiting.
//
// Every client gets a read bucket; state-changing requests (POST) also draw
// from a smaller write bucket, since each one can end in a relay submission.
package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Config holds the configuration for rate limiting
type Config struct {
	Enabled bool
	// RequestsPerMin is the steady request rate per client
	RequestsPerMin int
	// BurstSize is the maximum burst size
	BurstSize int
	// WritesPerMin is the steady POST rate per client; 0 disables the
	// separate write budget
	WritesPerMin int
	// MaxClients bounds tracked clients; the least recently seen is evicted
	MaxClients int
	// IdleMinutes forgets clients idle for this long
	IdleMinutes int
}

type buckets struct {
	read  *rate.Limiter
	write *rate.Limiter
}

// RateLimiter manages per-client limiters.
type RateLimiter struct {
	clients    *expirable.LRU[string, *buckets]
	readRate   rate.Limit
	writeRate  rate.Limit
	burst      int
	writeBurst int
}

// New creates a new RateLimiter with the given configuration
func New(cfg Config) *RateLimiter {
	idle := time.Duration(cfg.IdleMinutes) * time.Minute
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	size := cfg.MaxClients
	if size <= 0 {
		size = 10_000
	}
	burst := max(cfg.BurstSize, 1)

	rl := &RateLimiter{
		clients:  expirable.NewLRU[string, *buckets](size, nil, idle),
		readRate: perMinute(cfg.RequestsPerMin),
		burst:    burst,
	}
	if cfg.WritesPerMin > 0 {
		rl.writeRate = perMinute(cfg.WritesPerMin)
		rl.writeBurst = max(min(burst, cfg.WritesPerMin), 1)
	}
	return rl
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

// Stop releases the client cache.
func (rl *RateLimiter) Stop() {
	rl.clients.Purge()
}

// Clients reports how many clients are tracked.
func (rl *RateLimiter) Clients() int {
	return rl.clients.Len()
}

func (rl *RateLimiter) get(client string) *buckets {
	if b, ok := rl.clients.Get(client); ok {
		return b
	}
	b := &buckets{read: rate.NewLimiter(rl.readRate, rl.burst)}
	if rl.writeRate > 0 {
		b.write = rate.NewLimiter(rl.writeRate, rl.writeBurst)
	}
	// a concurrent first request may race here; the loser's bucket is
	// simply replaced
	rl.clients.Add(client, b)
	return b
}

// healthCheckPaths are exempt from rate limiting
var healthCheckPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// Middleware returns an HTTP middleware that rate limits requests per client.
// The client is the host part of RemoteAddr, which chi's RealIP middleware
// rewrites when the server trusts its proxy.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if healthCheckPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			b := rl.get(clientIP(r))
			if !b.read.Allow() {
				reject(w, b.read, "RATE_LIMIT_EXCEEDED", "Too many requests. Please try again later.")
				return
			}
			if r.Method == http.MethodPost && b.write != nil && !b.write.Allow() {
				reject(w, b.write, "WRITE_RATE_LIMIT_EXCEEDED", "Too many write requests. Please try again later.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, l *rate.Limiter, code, message string) {
	retryAfter := 60
	if lim := l.Limit(); lim > 0 {
		retryAfter = max(int(1/float64(lim)+0.5), 1)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("X-Rate-Limit-Exceeded", "true")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware returns a rate limiting middleware with the given configuration.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	return New(cfg).Middleware()
}
