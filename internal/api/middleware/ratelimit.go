package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	Rate  rate.Limit
	Burst int
	// MaxAge is how long an idle client entry is kept.
	MaxAge time.Duration
}

// ControlRateLimit is the limit for call control endpoints: 10 requests per
// second with a burst of 20, enough for a UI polling the call snapshot.
func ControlRateLimit() RateLimitConfig {
	return RateLimitConfig{Rate: rate.Limit(10), Burst: 20, MaxAge: 10 * time.Minute}
}

// LoginRateLimit is the limit for PIN login. PINs are short, so guesses are
// held to one every two seconds after a burst of 5.
func LoginRateLimit() RateLimitConfig {
	return RateLimitConfig{Rate: rate.Every(2 * time.Second), Burst: 5, MaxAge: 30 * time.Minute}
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter holds one token bucket per client IP.
type ClientLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	clients map[string]*clientEntry
}

// NewClientLimiter creates a limiter. Call Run to evict idle clients.
func NewClientLimiter(cfg RateLimitConfig) *ClientLimiter {
	return &ClientLimiter{cfg: cfg, clients: make(map[string]*clientEntry)}
}

// Allow reports whether a request from ip may proceed.
func (l *ClientLimiter) Allow(ip string) bool {
	l.mu.Lock()
	e, ok := l.clients[ip]
	if !ok {
		e = &clientEntry{limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.clients[ip] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	return e.limiter.Allow()
}

// Run evicts idle clients every interval until ctx is done.
func (l *ClientLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

func (l *ClientLimiter) evict() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.cfg.MaxAge)
	removed := 0
	for ip, e := range l.clients {
		if !e.lastSeen.After(cutoff) {
			delete(l.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("api rate limiter eviction", "removed", removed, "remaining", len(l.clients))
	}
	return removed
}

// RateLimit returns middleware that answers 429 with Retry-After once a
// client exceeds its limit.
func RateLimit(l *ClientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !l.Allow(ip) {
				slog.Warn("rate limit exceeded", "ip", ip, "method", r.Method, "path", r.URL.Path)
				w.Header().Set("Retry-After", "2")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(authEnvelope{Error: "rate limit exceeded"}) //nolint:errcheck
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
