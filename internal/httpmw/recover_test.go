package httpmw

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/keithlinneman/places-proxy/internal/log"
)

// panicLog records what Recover logs
type panicLog struct {
	log.Logger
	mu     sync.Mutex
	fields map[any]any
	msgs   []string
	errs   []error
}

func newPanicLog() *panicLog {
	return &panicLog{Logger: log.Nop(), fields: map[any]any{}}
}

func (p *panicLog) With(kv ...any) log.Logger {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i+1 < len(kv); i += 2 {
		p.fields[kv[i]] = kv[i+1]
	}
	return p
}

func (p *panicLog) Error(_ context.Context, err error, msg string, _ ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	p.errs = append(p.errs, err)
}

func TestRecover_Panics(t *testing.T) {
	cause := errors.New("nil map write in details handler")
	tests := []struct {
		name  string
		value any
	}{
		{"string", "boom"},
		{"error", cause},
		{"other", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pl := newPanicLog()
			panics := 0
			h := Recover(pl, func() { panics++ })(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic(tt.value)
			}))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/places/details", http.NoBody))

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rec.Code)
			}
			if got := rec.Body.String(); got != `{"error":"Internal server error"}`+"\n" {
				t.Fatalf("body = %q", got)
			}
			if panics != 1 {
				t.Fatalf("onPanic calls = %d, want 1", panics)
			}
			if len(pl.msgs) != 1 || pl.msgs[0] != "httpserver panic recovered" {
				t.Fatalf("logged = %v", pl.msgs)
			}
			if err, ok := tt.value.(error); ok && !errors.Is(pl.errs[0], err) {
				t.Fatalf("logged error %v does not wrap the panic value", pl.errs[0])
			}
			if pl.fields["http.request.method"] != http.MethodPost || pl.fields["url.path"] != "/api/places/details" {
				t.Fatalf("fields = %v", pl.fields)
			}
			if _, ok := pl.fields["panic_stack"]; !ok {
				t.Fatal("stack not logged")
			}
		})
	}
}

func TestRecover_PassThrough(t *testing.T) {
	pl := newPanicLog()
	h := Recover(pl, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "9")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"predictions":[]}`))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/places/autocomplete", http.NoBody))

	if rec.Code != http.StatusOK || rec.Header().Get("X-RateLimit-Remaining") != "9" {
		t.Fatalf("response altered: %d %v", rec.Code, rec.Header())
	}
	if rec.Body.String() != `{"predictions":[]}` {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if len(pl.msgs) != 0 {
		t.Fatalf("logged without a panic: %v", pl.msgs)
	}
}

func TestRecover_NilLoggerAndCallback(t *testing.T) {
	h := Recover(nil, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestRecover_AbortHandlerRepanics(t *testing.T) {
	h := Recover(newPanicLog(), nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	t.Fatal("ErrAbortHandler should propagate")
}
