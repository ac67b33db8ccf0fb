package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/places-proxy/internal/httpmw"
)

// fakeClock is a settable clock for the middleware, which reads time from the limiter
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func serve(t *testing.T, h http.Handler, ip string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/places/autocomplete", nil)
	if ip != "" {
		req = req.WithContext(httpmw.WithClientIP(req.Context(), ip))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body.Error
}

func TestMiddleware_AllowSetsHeaders(t *testing.T) {
	clock := &fakeClock{now: t0}
	l := newTestLimiter(t, nil, WithClock(clock.Now))

	called := false
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	rec := serve(t, h, "203.0.113.7")
	if !called {
		t.Fatal("next handler not called for admitted request")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Fatalf("X-RateLimit-Limit = %q, want 10", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Fatalf("X-RateLimit-Remaining = %q, want 9", got)
	}
	wantReset := strconv.FormatInt(t0.Add(time.Minute).Unix(), 10)
	if got := rec.Header().Get("X-RateLimit-Reset"); got != wantReset {
		t.Fatalf("X-RateLimit-Reset = %q, want %s", got, wantReset)
	}
	if got := rec.Header().Get("Retry-After"); got != "" {
		t.Fatalf("Retry-After = %q on admitted request", got)
	}
}

func TestMiddleware_IPLimitDenied(t *testing.T) {
	clock := &fakeClock{now: t0}
	l := newTestLimiter(t, nil, WithClock(clock.Now))

	calls := 0
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	for i := 0; i < 10; i++ {
		if rec := serve(t, h, "203.0.113.7"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
	}

	clock.Set(at(100))
	rec := serve(t, h, "203.0.113.7")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request status = %d, want 429", rec.Code)
	}
	if calls != 10 {
		t.Fatalf("next called %d times, want 10", calls)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After = %q, want 60", got)
	}
	if msg := decodeError(t, rec); msg != "Too many requests from this IP. Try again in a minute." {
		t.Fatalf("error = %q", msg)
	}

	// a different client is unaffected
	if rec := serve(t, h, "203.0.113.8"); rec.Code != http.StatusOK {
		t.Fatalf("other client status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_BlockedHasNoQuotaHeaders(t *testing.T) {
	clock := &fakeClock{now: t0}
	l := newTestLimiter(t, func(c *Config) {
		c.Blacklist.Threshold = 1
		c.Blacklist.Duration = time.Minute
	}, WithClock(clock.Now))
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	serve(t, h, "198.51.100.1")

	clock.Set(at(1_000))
	rec := serve(t, h, "198.51.100.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "Suspicious activity. IP temporarily blocked." {
		t.Fatalf("error = %q", msg)
	}

	clock.Set(at(2_000))
	rec = serve(t, h, "198.51.100.1")
	if msg := decodeError(t, rec); msg != "Too many requests. IP temporarily blocked." {
		t.Fatalf("error = %q", msg)
	}
	for _, name := range []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"} {
		if got := rec.Header().Get(name); got != "" {
			t.Fatalf("%s = %q on blocked deny, want unset", name, got)
		}
	}
	// blocked at +1s for one minute, 59s left
	if got := rec.Header().Get("Retry-After"); got != "59" {
		t.Fatalf("Retry-After = %q, want 59", got)
	}
}

func TestMiddleware_MissingClientIPUsesUnknown(t *testing.T) {
	clock := &fakeClock{now: t0}
	l := newTestLimiter(t, func(c *Config) { c.IP.Limit = 1 }, WithClock(clock.Now))
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	serve(t, h, "")
	rec := serve(t, h, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 (anonymous requests share one key)", rec.Code)
	}
	if got := l.store.CountWithin("unknown", time.Minute, t0); got != 1 {
		t.Fatalf("CountWithin(unknown) = %d, want 1", got)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{time.Hour, 3600},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
