package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleCallerTTL bounds how long a caller's token bucket outlives its last
// request before the sweep reclaims it.
const idleCallerTTL = 10 * time.Minute

// requestLimiter applies a per-caller token bucket to the merge API. The
// admin surface sits behind one shared key, so buckets are keyed by caller
// address rather than by credential.
type requestLimiter struct {
	mu sync.Mutex

	rps   rate.Limit
	burst int

	buckets  map[string]*rate.Limiter
	lastSeen map[string]time.Time
}

// newRequestLimiter returns nil when either knob is unset, which disables
// limiting entirely.
func newRequestLimiter(requestsPerSec float64, burst int) *requestLimiter {
	if requestsPerSec <= 0 || burst <= 0 {
		return nil
	}

	return &requestLimiter{
		rps:      rate.Limit(requestsPerSec),
		burst:    burst,
		buckets:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}
}

func (l *requestLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(callerAddress(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *requestLimiter) allow(caller string) bool {
	if caller == "" {
		caller = "unknown"
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepIdle(now)

	bucket, ok := l.buckets[caller]
	if !ok {
		bucket = rate.NewLimiter(l.rps, l.burst)
		l.buckets[caller] = bucket
	}
	l.lastSeen[caller] = now

	return bucket.Allow()
}

// sweepIdle drops buckets that have gone quiet. Runs under l.mu.
func (l *requestLimiter) sweepIdle(now time.Time) {
	for caller, seenAt := range l.lastSeen {
		if now.Sub(seenAt) > idleCallerTTL {
			delete(l.lastSeen, caller)
			delete(l.buckets, caller)
		}
	}
}

// callerAddress resolves the bucket key for a request: the first
// X-Forwarded-For hop, then X-Real-IP, then the bare remote host. The
// service runs behind a proxy in every deployment, so the forwarded
// headers take precedence.
func callerAddress(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}

	return strings.TrimSpace(r.RemoteAddr)
}
