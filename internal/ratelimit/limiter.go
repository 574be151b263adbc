// Package ratelimit throttles local command producers so a runaway client
// cannot flood the chat page with prompts.
package ratelimit

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// ClientHeader lets a local tool identify itself; otherwise the remote host is used
const ClientHeader = "X-Client-ID"

// Limiter keeps one token bucket per client
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	perHour  int
}

// NewLimiter allows requestsPerHour per client with bursts of up to burst
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
		perHour:  requestsPerHour,
	}
}

func (l *Limiter) bucket(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[client]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[client] = limiter
	}
	return limiter
}

// Allow consumes a token for client if one is available
func (l *Limiter) Allow(client string) bool {
	return l.bucket(client).Allow()
}

// Remaining returns the whole tokens left for client
func (l *Limiter) Remaining(client string) int {
	tokens := l.bucket(client).Tokens()
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}

// PerHour returns the configured hourly allowance
func (l *Limiter) PerHour() int {
	return l.perHour
}

// ClientKey identifies the caller of r
func ClientKey(r *http.Request) string {
	if id := r.Header.Get(ClientHeader); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
