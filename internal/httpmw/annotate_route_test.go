package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestAnnotateHTTPRoute(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	router := chi.NewRouter()
	router.Route("/api/places", func(r chi.Router) {
		r.Use(AnnotateHTTPRoute)
		r.Post("/details", func(w http.ResponseWriter, r *http.Request) {})
	})

	ctx, span := tp.Tracer("test").Start(context.Background(), "HTTP POST")
	req := httptest.NewRequest(http.MethodPost, "/api/places/details", nil).WithContext(ctx)
	router.ServeHTTP(httptest.NewRecorder(), req)
	span.End()

	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if got := ended[0].Name(); got != "POST /api/places/details" {
		t.Fatalf("span name = %q", got)
	}
	found := false
	for _, kv := range ended[0].Attributes() {
		if kv.Key == attribute.Key("http.route") && kv.Value.AsString() == "/api/places/details" {
			found = true
		}
	}
	if !found {
		t.Fatal("http.route attribute missing")
	}
}

func TestRoutePattern_FallsBackToPath(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/not/routed", nil)
	if got := routePattern(r); got != "/not/routed" {
		t.Fatalf("routePattern = %q", got)
	}
}
