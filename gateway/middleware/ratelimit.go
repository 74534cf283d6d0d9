package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RateLimit allows Requests per Window, with the window's worth of
// requests available as burst.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Named limit buckets applied per route group.
const (
	LimitGeneric  = "generic"
	LimitAuth     = "auth"
	LimitOrders   = "orders"
	LimitLinkCode = "linkcode"
)

// DefaultLimits is the boundary policy.
func DefaultLimits() map[string]RateLimit {
	return map[string]RateLimit{
		LimitGeneric:  {Requests: 100, Window: time.Minute},
		LimitAuth:     {Requests: 5, Window: 15 * time.Minute},
		LimitOrders:   {Requests: 10, Window: time.Hour},
		LimitLinkCode: {Requests: 3, Window: 10 * time.Minute},
	}
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket per (bucket, caller). Authenticated
// callers are keyed by user id, anonymous ones by client IP.
type RateLimiter struct {
	logger   *slog.Logger
	limits   map[string]RateLimit
	mu       sync.Mutex
	visitors map[string]*rateEntry
	nowFn    func() time.Time
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if limits == nil {
		limits = DefaultLimits()
	}
	rl := &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*rateEntry),
		nowFn:    time.Now,
	}
	go rl.reap()
	return rl
}

// Middleware enforces the named bucket on the wrapped handler.
func (r *RateLimiter) Middleware(bucket string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[bucket]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			key := bucket + ":" + callerID(req)
			if !r.obtainLimiter(key, limit).Allow() {
				r.logger.Warn("rate limit exceeded", "bucket", bucket, "caller", callerID(req))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":%q}`, "too many requests")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtainLimiter(key string, cfg RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.visitors[key]
	if ok {
		entry.lastSeen = r.nowFn()
		return entry.limiter
	}
	perSecond := float64(cfg.Requests) / cfg.Window.Seconds()
	burst := cfg.Requests
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[key] = &rateEntry{limiter: limiter, lastSeen: r.nowFn()}
	return limiter
}

// reap drops buckets idle for more than an hour.
func (r *RateLimiter) reap() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := r.nowFn().Add(-time.Hour)
		r.mu.Lock()
		for key, entry := range r.visitors {
			if entry.lastSeen.Before(cutoff) {
				delete(r.visitors, key)
			}
		}
		r.mu.Unlock()
	}
}

// callerID prefers the authenticated user id so a NAT'd office does not
// share one order-creation budget.
func callerID(r *http.Request) string {
	if id := UserIDFromContext(r.Context()); id != uuid.Nil {
		return "u:" + id.String()
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		first := ip
		if comma := strings.IndexByte(ip, ','); comma > 0 {
			first = strings.TrimSpace(ip[:comma])
		}
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
		return first
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
