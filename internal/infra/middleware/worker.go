package middleware

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BearerToken extracts the token from an "Authorization: Bearer ..." value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// TokenMatches compares a presented token with the expected one in constant
// time. An empty expected token accepts everything.
func TokenMatches(expected, presented string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// RequireToken rejects requests whose bearer token does not match token.
// An empty token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !TokenMatches(token, BearerToken(r.Header.Get("Authorization"))) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ConnectLimiter is a per-peer token bucket for worker connection attempts.
type ConnectLimiter struct {
	perMin int
	burst  int

	mu      sync.Mutex
	clients map[string]*peer
}

type peer struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConnectLimiter creates a limiter and starts its cleanup goroutine, which
// stops when ctx is done.
func NewConnectLimiter(ctx context.Context, perMin, burst int) *ConnectLimiter {
	l := &ConnectLimiter{
		perMin:  perMin,
		burst:   burst,
		clients: make(map[string]*peer),
	}
	go l.cleanup(ctx)
	return l
}

func (l *ConnectLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for ip, c := range l.clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(l.clients, ip)
				}
			}
			l.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// Allow reports whether the peer at addr (host:port or host) may connect now.
func (l *ConnectLimiter) Allow(addr string) bool {
	ip := addr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		ip = host
	}

	l.mu.Lock()
	c, ok := l.clients[ip]
	if !ok {
		// perMin spread over 60 seconds
		c = &peer{limiter: rate.NewLimiter(rate.Limit(l.perMin)/60.0, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()

	return c.limiter.Allow()
}

// Middleware wraps next, answering 429 when the peer exceeds its budget.
func (l *ConnectLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.RemoteAddr) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
