package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/places-proxy/internal/httpmw"
)

// Middleware runs Check for every request and rejects denied ones with 429 and a JSON error.
// X-RateLimit-* headers are set whenever the per-client window was evaluated.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// client ip resolved by httpmw.ClientIPWithOptions, which honours the trusted hop count
		key := httpmw.ClientIPFromContext(r.Context())
		if key == "" {
			key = "unknown"
		}

		v := l.Check(key, l.now())

		if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
			decision := "allow"
			if !v.Allowed {
				decision = string(v.Reason)
			}
			span.SetAttributes(attribute.String("ratelimit.decision", decision))
		}

		if v.Quota != nil {
			v.Quota.SetHeaders(w.Header())
		}

		if !v.Allowed {
			writeDenied(w, v)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeDenied(w http.ResponseWriter, v Verdict) {
	if v.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(v.RetryAfter)))
	}
	httpmw.WriteError(w, v.Status(), v.Reason.Message())
}

// retryAfterSeconds rounds up, Retry-After: 0 would invite an immediate retry
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
