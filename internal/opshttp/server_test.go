package opshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/places-proxy/internal/health"
	"github.com/keithlinneman/places-proxy/internal/log"
	"github.com/keithlinneman/places-proxy/internal/ratelimit"
)

// test helpers

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func get(t *testing.T, h http.Handler, path, remote string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type stubLimiter struct {
	stats   ratelimit.Stats
	blocked []ratelimit.BlockedClient
}

func (s stubLimiter) Stats(time.Time) ratelimit.Stats             { return s.stats }
func (s stubLimiter) Blocked(time.Time) []ratelimit.BlockedClient { return s.blocked }

// NewHandler

func TestNewHandler_Probes(t *testing.T) {
	var gate health.ShutdownGate
	h := NewHandler(Options{
		Health:    health.Fixed(true, ""),
		Readiness: gate.Probe(),
	})

	if rec := get(t, h, "/-/healthy", "127.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("/-/healthy = %d", rec.Code)
	}
	if rec := get(t, h, "/-/ready", "127.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("/-/ready = %d", rec.Code)
	}

	gate.Drain("shutting down")
	rec := get(t, h, "/-/ready", "127.0.0.1:1")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "shutting down") {
		t.Fatalf("/-/ready after drain = %d %q", rec.Code, rec.Body.String())
	}
	// liveness is unaffected by draining
	if rec := get(t, h, "/-/healthy", "127.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("/-/healthy after drain = %d", rec.Code)
	}
}

func TestNewHandler_Metrics(t *testing.T) {
	h := NewHandler(Options{Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# HELP fake_metric\n"))
	})})
	rec := get(t, h, "/metrics", "10.0.0.1:1")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "fake_metric") {
		t.Fatalf("/metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestNewHandler_Pprof(t *testing.T) {
	off := NewHandler(Options{})
	if rec := get(t, off, "/debug/pprof/", "127.0.0.1:1"); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d, want 404", rec.Code)
	}

	on := NewHandler(Options{EnablePprof: true})
	if rec := get(t, on, "/debug/pprof/", "127.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("pprof index = %d, want 200", rec.Code)
	}
	if rec := get(t, on, "/debug/pprof/goroutine?debug=1", "127.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("pprof goroutine = %d, want 200", rec.Code)
	}
}

func TestNewHandler_RateLimitStatus(t *testing.T) {
	until := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)
	h := NewHandler(Options{Limiter: stubLimiter{
		stats:   ratelimit.Stats{TrackedClients: 3, GlobalInWindow: 17, Blacklisted: 1},
		blocked: []ratelimit.BlockedClient{{Key: "203.0.113.9", Until: until}},
	}})

	rec := get(t, h, "/-/ratelimit", "10.1.2.3:5555")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body rateLimitStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Stats.TrackedClients != 3 || body.Stats.GlobalInWindow != 17 || body.Stats.Blacklisted != 1 {
		t.Fatalf("stats = %+v", body.Stats)
	}
	if len(body.Blocked) != 1 || body.Blocked[0].Key != "203.0.113.9" || !body.Blocked[0].Until.Equal(until) {
		t.Fatalf("blocked = %+v", body.Blocked)
	}
}

func TestRateLimitHandler_EmptyBlacklistIsArray(t *testing.T) {
	h := RateLimitHandler(stubLimiter{}, func() time.Time { return time.Unix(0, 0) })
	rec := get(t, h, "/-/ratelimit", "127.0.0.1:1")
	if !strings.Contains(rec.Body.String(), `"blocked":[]`) {
		t.Fatalf("body = %q, want empty array", rec.Body.String())
	}
}

func TestRateLimitHandler_RealLimiter(t *testing.T) {
	cfg := ratelimit.DefaultConfig()
	cfg.Blacklist.Threshold = 1
	l := ratelimit.New(context.Background(), ratelimit.WithConfig(cfg))
	defer l.Stop()

	now := time.Now()
	l.Check("198.51.100.7", now)
	l.Check("198.51.100.7", now.Add(time.Second))

	rec := get(t, RateLimitHandler(l, func() time.Time { return now.Add(2 * time.Second) }), "/-/ratelimit", "127.0.0.1:1")
	var body rateLimitStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Stats.Blacklisted != 1 || len(body.Blocked) != 1 || body.Blocked[0].Key != "198.51.100.7" {
		t.Fatalf("body = %+v", body)
	}
}

func TestNewHandler_Recover(t *testing.T) {
	panics := 0
	h := NewHandler(Options{
		UseRecoverMW: true,
		OnPanic:      func() { panics++ },
		Health: health.CheckFunc(func(context.Context) error {
			panic("probe exploded")
		}),
	})
	rec := get(t, h, "/-/healthy", "127.0.0.1:1")
	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("status = %d, panics = %d", rec.Code, panics)
	}
}

// requireNonPublicNetwork

func TestRequireNonPublicNetwork(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := requireNonPublicNetwork(log.Nop(), inner)

	tests := []struct {
		remote string
		want   int
	}{
		{"127.0.0.1:12345", http.StatusOK},
		{"[::1]:12345", http.StatusOK},
		{"10.0.0.1:8080", http.StatusOK},
		{"172.16.0.1:8080", http.StatusOK},
		{"192.168.1.1:8080", http.StatusOK},
		{"169.254.1.1:8080", http.StatusOK},
		{"[::ffff:10.0.0.1]:12345", http.StatusOK},
		{"8.8.8.8:12345", http.StatusForbidden},
		{"203.0.113.1:80", http.StatusForbidden},
		{"[::ffff:8.8.8.8]:12345", http.StatusForbidden},
		{"not-an-address", http.StatusForbidden},
		{"", http.StatusForbidden},
		{"999.999.999.999:8080", http.StatusForbidden},
	}
	for _, tt := range tests {
		if rec := get(t, h, "/-/healthy", tt.remote); rec.Code != tt.want {
			t.Errorf("remote %q: status = %d, want %d", tt.remote, rec.Code, tt.want)
		}
	}
}

func TestNewHandler_AllowPublic(t *testing.T) {
	h := NewHandler(Options{AllowPublic: true})
	if rec := get(t, h, "/-/healthy", "8.8.8.8:1"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

// Start - lifecycle

func TestStart_ServeAndStop(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()
	stop, err := Start(ctx, Options{Port: port, Health: health.Fixed(true, "")})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/-/healthy", port)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("status = %d body = %q", resp.StatusCode, body)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(sctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(sctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_PortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	if _, err := Start(context.Background(), Options{Port: ln.Addr().(*net.TCPAddr).Port}); err == nil {
		t.Fatal("expected error for port conflict")
	}
}
