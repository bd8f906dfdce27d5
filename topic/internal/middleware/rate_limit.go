package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"content-pipeline/shared/httpx"
)

// RateLimit rejects clients that exceed a per-IP token bucket. The topic
// API is the only surface exposed to browsers, so the limit keys on client
// IP rather than auth subject.
type RateLimit struct {
	Limiter *ClientLimiter
	Skip    func(*http.Request) bool
}

func (m RateLimit) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := clientKey(r)
		if key == "" {
			key = "unknown"
		}
		if !m.Limiter.Allow(key) {
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientLimiter is a token bucket per client key. Idle clients are evicted
// after ttl to bound the map.
type ClientLimiter struct {
	mu      sync.Mutex
	rps     float64
	burst   float64
	ttl     time.Duration
	clients map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

func NewClientLimiter(rps float64, burst int, ttl time.Duration) *ClientLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &ClientLimiter{
		rps:     rps,
		burst:   float64(burst),
		ttl:     ttl,
		clients: make(map[string]*bucket),
	}
}

func (l *ClientLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictIdle(now)

	b, ok := l.clients[key]
	if !ok {
		l.clients[key] = &bucket{
			tokens:   l.burst - 1,
			lastSeen: now,
		}
		return true
	}

	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * l.rps
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastSeen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
}

func (l *ClientLimiter) evictIdle(now time.Time) {
	for key, b := range l.clients {
		if now.Sub(b.lastSeen) > l.ttl {
			delete(l.clients, key)
		}
	}
}

func clientKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		parts := strings.Split(v, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
