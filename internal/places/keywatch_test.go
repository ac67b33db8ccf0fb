package places

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

type keySink struct{ keys []string }

func (s *keySink) SetAPIKey(key string) { s.keys = append(s.keys, key) }

type keyMetrics struct {
	results map[string]int
	stale   bool
}

func (m *keyMetrics) IncKeyRefresh(result string) {
	if m.results == nil {
		m.results = map[string]int{}
	}
	m.results[result]++
}

func (m *keyMetrics) SetKeyStale(stale bool) { m.stale = stale }

func newTestWatcher(t *testing.T, f *fakeSSM, sink *keySink, m *keyMetrics) *KeyWatcher {
	t.Helper()
	opts := KeyWatcherOptions{
		API:            f,
		Param:          "/places-proxy/api-key",
		Target:         sink,
		Current:        "k1",
		PollInterval:   time.Minute,
		StaleThreshold: 10 * time.Minute,
	}
	if m != nil {
		opts.Metrics = m
	}
	w, err := NewKeyWatcher(opts)
	if err != nil {
		t.Fatalf("NewKeyWatcher: %v", err)
	}
	return w
}

func TestKeyWatcher_UnchangedThenRotated(t *testing.T) {
	f := &fakeSSM{value: aws.String("k1")}
	sink := &keySink{}
	m := &keyMetrics{}
	w := newTestWatcher(t, f, sink, m)
	ctx := context.Background()

	if got := w.checkOnce(ctx); got != keyUnchanged {
		t.Fatalf("first poll = %v, want unchanged", got)
	}
	if len(sink.keys) != 0 {
		t.Fatalf("target updated with same key: %v", sink.keys)
	}

	f.value = aws.String("k2")
	if got := w.checkOnce(ctx); got != keyRotated {
		t.Fatalf("second poll = %v, want rotated", got)
	}
	if len(sink.keys) != 1 || sink.keys[0] != "k2" {
		t.Fatalf("target keys = %v, want [k2]", sink.keys)
	}
	if got := w.checkOnce(ctx); got != keyUnchanged {
		t.Fatalf("third poll = %v, want unchanged", got)
	}
	if m.results["unchanged"] != 2 || m.results["rotated"] != 1 {
		t.Fatalf("metrics = %v", m.results)
	}
}

func TestKeyWatcher_BackoffAndStaleness(t *testing.T) {
	f := &fakeSSM{err: errors.New("throttled")}
	sink := &keySink{}
	m := &keyMetrics{}
	w := newTestWatcher(t, f, sink, m)
	ctx := context.Background()

	start := time.Now()
	w.lastSuccessAt = start
	w.now = func() time.Time { return start.Add(time.Minute) }

	if d := w.next(ctx, w.checkOnce(ctx)); d != 2*time.Minute {
		t.Fatalf("first backoff = %v, want 2m", d)
	}
	if d := w.next(ctx, w.checkOnce(ctx)); d != 4*time.Minute {
		t.Fatalf("second backoff = %v, want 4m", d)
	}
	if m.stale {
		t.Fatal("stale before threshold")
	}

	w.now = func() time.Time { return start.Add(11 * time.Minute) }
	w.checkOnce(ctx)
	if !m.stale {
		t.Fatal("expected stale after threshold")
	}
	if len(sink.keys) != 0 {
		t.Fatalf("target updated on error: %v", sink.keys)
	}

	// recovery resets the cadence and the stale flag
	f.err = nil
	f.value = aws.String("k1")
	if d := w.next(ctx, w.checkOnce(ctx)); d != time.Minute {
		t.Fatalf("interval after recovery = %v, want 1m", d)
	}
	if m.stale {
		t.Fatal("stale flag not cleared")
	}
	if w.consecutiveErrs != 0 {
		t.Fatalf("consecutiveErrs = %d", w.consecutiveErrs)
	}
}

func TestKeyWatcher_RunStopsOnCancel(t *testing.T) {
	w := newTestWatcher(t, &fakeSSM{value: aws.String("k1")}, &keySink{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewKeyWatcher_Validation(t *testing.T) {
	if _, err := NewKeyWatcher(KeyWatcherOptions{Param: "/p", Target: &keySink{}}); err == nil {
		t.Fatal("missing API should fail")
	}
	if _, err := NewKeyWatcher(KeyWatcherOptions{API: &fakeSSM{}, Target: &keySink{}}); err == nil {
		t.Fatal("missing param should fail")
	}
}

func TestClient_SetAPIKey(t *testing.T) {
	c, err := New(Options{BaseURL: "http://upstream", APIKey: "k1", RPS: 1})
	if err != nil {
		t.Fatal(err)
	}
	c.SetAPIKey("")
	if got := *c.keys.key.Load(); got != "k1" {
		t.Fatalf("empty key replaced current: %q", got)
	}
	c.SetAPIKey("k2")
	if got := *c.keys.key.Load(); got != "k2" {
		t.Fatalf("key = %q, want k2", got)
	}
}
