package web

import (
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// recoverer turns a handler panic into a logged 500.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error("panic recovered",
					"request_id", chimw.GetReqID(r.Context()),
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				writeText(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ─── Rate limiting ────────────────────────────────────────────────────────────

// RateLimit configures the per-IP limiter of the outbound call trigger.
type RateLimit struct {
	// Rate is the number of requests allowed per second per IP.
	Rate rate.Limit
	// Burst is the maximum burst size per IP.
	Burst int
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// DefaultRateLimit allows one outbound call every ten seconds per IP with a
// burst of three.
func DefaultRateLimit() RateLimit {
	return RateLimit{Rate: rate.Every(10 * time.Second), Burst: 3, MaxAge: 10 * time.Minute}
}

type ipLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter hands out one token bucket per client IP. Stale buckets are
// evicted lazily on access.
type ipLimiter struct {
	mu        sync.Mutex
	entries   map[string]*ipLimitEntry
	cfg       RateLimit
	lastSweep time.Time
}

func newIPLimiter(cfg RateLimit) *ipLimiter {
	return &ipLimiter{entries: make(map[string]*ipLimitEntry), cfg: cfg, lastSweep: time.Now()}
}

func (l *ipLimiter) allow(ip string) bool {
	now := time.Now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) > l.cfg.MaxAge {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > l.cfg.MaxAge {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}
	e, ok := l.entries[ip]
	if !ok {
		e = &ipLimitEntry{limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	l.mu.Unlock()
	return e.limiter.Allow()
}

// rateLimit rejects requests over the per-IP budget with 429.
func rateLimit(l *ipLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !l.allow(ip) {
				slog.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
				w.Header().Set("Retry-After", "10")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. chi's RealIP runs first.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
