package api

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestRequestLimiterDisabledWithoutQuota(t *testing.T) {
	if newRequestLimiter(0, 10) != nil {
		t.Fatalf("zero rps must disable the limiter")
	}
	if newRequestLimiter(5, 0) != nil {
		t.Fatalf("zero burst must disable the limiter")
	}
}

func TestRequestLimiterEnforcesBurst(t *testing.T) {
	limiter := newRequestLimiter(1, 2)

	if !limiter.allow("10.0.0.1") || !limiter.allow("10.0.0.1") {
		t.Fatalf("requests inside the burst must pass")
	}
	if limiter.allow("10.0.0.1") {
		t.Fatalf("request beyond the burst must be rejected")
	}

	// Another caller has its own bucket.
	if !limiter.allow("10.0.0.2") {
		t.Fatalf("an unrelated caller must not share the exhausted bucket")
	}
}

func TestRequestLimiterSweepsIdleCallers(t *testing.T) {
	limiter := newRequestLimiter(1, 1)

	if !limiter.allow("10.0.0.1") {
		t.Fatalf("first request must pass")
	}
	if limiter.allow("10.0.0.1") {
		t.Fatalf("exhausted bucket must reject")
	}

	// Backdate the caller past the idle TTL; the next sweep reclaims the
	// bucket and the caller starts fresh.
	limiter.mu.Lock()
	limiter.lastSeen["10.0.0.1"] = time.Now().Add(-idleCallerTTL - time.Minute)
	limiter.mu.Unlock()

	if !limiter.allow("10.0.0.1") {
		t.Fatalf("swept caller must get a fresh bucket")
	}
	if limiter.allow("10.0.0.1") {
		t.Fatalf("fresh bucket must still honor the burst")
	}
}

func TestCallerAddressPrecedence(t *testing.T) {
	request := httptest.NewRequest("GET", "/", nil)
	request.RemoteAddr = "192.0.2.10:4431"
	if got := callerAddress(request); got != "192.0.2.10" {
		t.Fatalf("expected the remote host, got %q", got)
	}

	request.Header.Set("X-Real-IP", "198.51.100.7")
	if got := callerAddress(request); got != "198.51.100.7" {
		t.Fatalf("expected X-Real-IP to win over RemoteAddr, got %q", got)
	}

	request.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.7")
	if got := callerAddress(request); got != "203.0.113.9" {
		t.Fatalf("expected the first forwarded hop, got %q", got)
	}
}
