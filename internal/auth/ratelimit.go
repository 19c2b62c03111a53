package auth

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/csai/reqguard/internal/config"
	"github.com/csai/reqguard/internal/metrics"
)

const (
	defaultIdleTTL      = 15 * time.Minute
	defaultCleanupEvery = 2 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a global token bucket and one bucket per client IP.
// Throttling runs before admission so floods never reach the nonce store.
type RateLimiter struct {
	cfg    config.RateLimitConfig
	global *rate.Limiter
	reg    *metrics.Registry

	mu      sync.Mutex
	perIP   map[string]*limiterEntry
	idleTTL time.Duration
	now     func() time.Time
}

func NewRateLimiter(cfg config.RateLimitConfig, reg *metrics.Registry) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		reg:     reg,
		perIP:   map[string]*limiterEntry{},
		idleTTL: defaultIdleTTL,
		now:     time.Now,
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(parseIP(r.RemoteAddr)) {
			rl.reg.IncRateLimited()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":"throttled","message":"Rate limit exceeded.","details":null}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ip string) bool {
	now := rl.now()
	if !rl.global.AllowN(now, 1) {
		return false
	}
	return rl.limiter(ip, now).AllowN(now, 1)
}

func (rl *RateLimiter) limiter(ip string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if ent, ok := rl.perIP[ip]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(rate.Limit(rl.cfg.PerIPRPS), rl.cfg.PerIPBurst)
	rl.perIP[ip] = &limiterEntry{lim: lim, lastSeen: now}
	return lim
}

// Cleanup drops buckets idle for longer than the idle TTL.
func (rl *RateLimiter) Cleanup() int {
	cutoff := rl.now().Add(-rl.idleTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for ip, ent := range rl.perIP {
		if ent.lastSeen.Before(cutoff) {
			delete(rl.perIP, ip)
			removed++
		}
	}
	return removed
}

// StartJanitor runs Cleanup periodically until ctx is done.
func (rl *RateLimiter) StartJanitor(ctx context.Context) {
	if !rl.cfg.Enabled {
		return
	}
	t := time.NewTicker(defaultCleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				rl.Cleanup()
			}
		}
	}()
}

func parseIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	if host == "" {
		return remoteAddr
	}
	return host
}
