package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// maxClients caps the tracked-client map so an address sweep cannot exhaust
// memory. At the cap, requests from unknown clients are rejected until
// cleanup frees slots.
const maxClients = 100000

// exemptPaths are never throttled: liveness probes must not compete with
// submission traffic for tokens.
var exemptPaths = map[string]struct{}{
	"/health": {},
}

// RateLimiter applies a per-client token bucket to the pipeline API.
// Clients are keyed by the connection's remote IP.
type RateLimiter struct {
	rate  float64 // tokens refilled per second
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*clientBucket
}

type clientBucket struct {
	tokens   float64
	refilled time.Time
	lastSeen time.Time
}

// NewRateLimiter creates a limiter with the given sustained rate (requests
// per second) and burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
		clients: make(map[string]*clientBucket),
	}
}

// Handler returns middleware enforcing the per-client limit. Rejected
// requests get a 429 with a Retry-After estimate in whole seconds.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, exempt := exemptPaths[r.URL.Path]; exempt {
			next.ServeHTTP(w, r)
			return
		}

		ok, retryAfter := rl.take(clientKey(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// take consumes one token for the client, refilling the bucket from elapsed
// time first. It reports whether the request may proceed and, if not, the
// seconds until a token becomes available.
func (rl *RateLimiter) take(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.clients[key]
	if !ok {
		if len(rl.clients) >= maxClients {
			return false, 1
		}
		b = &clientBucket{tokens: rl.burst, refilled: now}
		rl.clients[key] = b
	}

	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.refilled).Seconds()*rl.rate)
	b.refilled = now
	b.lastSeen = now

	if b.tokens < 1 {
		wait := int(math.Ceil((1 - b.tokens) / rl.rate))
		if wait < 1 {
			wait = 1
		}
		return false, wait
	}
	b.tokens--
	return true, 0
}

// StartCleanup spawns a goroutine that drops buckets idle longer than
// maxIdle, checking every interval. The returned function stops it.
func (rl *RateLimiter) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup(maxIdle)
			}
		}
	}()
	return cancel
}

func (rl *RateLimiter) cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxIdle)
	for key, b := range rl.clients {
		if b.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}

// Len returns the number of tracked client buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// clientKey extracts the client IP from RemoteAddr. Proxy headers such as
// X-Forwarded-For are deliberately not consulted: they are caller-supplied
// and would let a client rotate identities.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
