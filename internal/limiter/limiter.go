// Package limiter throttles run submissions per client address.
package limiter

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/michaelbrown/termrun/internal/metrics"
	"golang.org/x/time/rate"
)

// Config holds the rate limit settings. A zero PerIPRPS disables per-client limiting
// and a zero GlobalRPS disables the global limit.
type Config struct {
	GlobalRPS  float64 `mapstructure:"global_rps"`
	PerIPRPS   float64 `mapstructure:"per_ip_rps"`
	PerIPBurst int     `mapstructure:"per_ip_burst"`
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type RateLimiter struct {
	global  *rate.Limiter
	ipRate  rate.Limit
	ipBurst int

	mu      sync.Mutex
	clients map[string]*client
}

func NewRateLimiter(cfg Config) *RateLimiter {
	rl := &RateLimiter{
		ipRate:  rate.Limit(cfg.PerIPRPS),
		ipBurst: cfg.PerIPBurst,
		clients: make(map[string]*client),
	}
	if rl.ipBurst <= 0 {
		rl.ipBurst = 1
	}
	if cfg.GlobalRPS > 0 {
		burst := int(cfg.GlobalRPS) * 2
		if burst < 1 {
			burst = 1
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	return rl
}

func (rl *RateLimiter) clientLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.ipRate, rl.ipBurst)}
		rl.clients[ip] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

// Allow reports whether a request from ip may proceed, consuming a token if so.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.global != nil && !rl.global.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}
	if rl.ipRate > 0 && !rl.clientLimiter(ip).Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}
	return true
}

// Middleware rejects over-limit requests with 429. It keys on r.RemoteAddr, so
// mount it after middleware.RealIP when running behind a proxy.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"Too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Prune forgets clients not seen within maxIdle and returns how many were dropped.
func (rl *RateLimiter) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for ip, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			n++
		}
	}
	return n
}

// RunCleanup prunes idle clients every interval until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Prune(interval)
		}
	}
}
