package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func limitedHandler(rl *RateLimiter) http.Handler {
	return rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, remote, forwarded string) int {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remote
	if forwarded != "" {
		req.Header.Set("X-Forwarded-For", forwarded)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiter_AllowsBurst(t *testing.T) {
	h := limitedHandler(NewRateLimiter(1, 3))

	for i := 0; i < 3; i++ {
		if code := hit(h, "1.2.3.4:1234", ""); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := hit(h, "1.2.3.4:5678", ""); code != http.StatusTooManyRequests {
		t.Fatalf("4th request from same host: expected 429, got %d", code)
	}
}

func TestRateLimiter_DifferentClients(t *testing.T) {
	h := limitedHandler(NewRateLimiter(1, 1))

	if code := hit(h, "1.1.1.1:1234", ""); code != http.StatusOK {
		t.Fatalf("first client: expected 200, got %d", code)
	}
	if code := hit(h, "2.2.2.2:1234", ""); code != http.StatusOK {
		t.Fatalf("second client: expected 200, got %d", code)
	}
	if code := hit(h, "10.0.0.1:1", "3.3.3.3, 10.0.0.1"); code != http.StatusOK {
		t.Fatalf("forwarded client: expected 200, got %d", code)
	}
	if code := hit(h, "10.0.0.2:1", "3.3.3.3"); code != http.StatusTooManyRequests {
		t.Fatalf("forwarded client again: expected 429, got %d", code)
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	rl := NewRateLimiter(2, 1)
	now := time.Unix(0, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || rl.Allow("a") {
		t.Fatal("expected one token then exhaustion")
	}
	now = now.Add(500 * time.Millisecond)
	if !rl.Allow("a") {
		t.Fatal("expected refill after 500ms at 2/s")
	}
}

func TestRateLimiter_DropsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Unix(0, 0).Add(time.Hour)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	now = now.Add(rl.idleTTL)
	rl.Allow("b")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.buckets["a"]; ok {
		t.Fatal("expected idle bucket to be dropped")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !rl.Allow("a") {
			t.Fatal("expected disabled limiter to allow")
		}
	}
}
