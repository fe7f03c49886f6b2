package scrumvoted

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/lru"
	"golang.org/x/time/rate"

	"scrumvote/config"
)

const maxTrackedClients = 4096

// RateLimiter throttles requests per remote address. Least recently seen
// clients are evicted once maxTrackedClients is reached.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors lru.BasicLRU[string, *rate.Limiter]
}

// NewRateLimiter builds a limiter from the API section of the config. A zero
// rate disables throttling.
func NewRateLimiter(cfg config.APIConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(cfg.RequestsPerMinute / 60.0),
		burst:    burst,
		visitors: lru.NewBasicLRU[string, *rate.Limiter](maxTrackedClients),
	}
}

// Middleware rejects requests over the client's budget with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.limiter(clientID(r)).Allow() {
			writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) limiter(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.visitors.Get(id); ok {
		return limiter
	}
	limiter := rate.NewLimiter(l.limit, l.burst)
	l.visitors.Add(id, limiter)
	return limiter
}

func clientID(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
