package opshttp

import (
	"net/http"
	"time"

	"github.com/keithlinneman/places-proxy/internal/httpmw"
	"github.com/keithlinneman/places-proxy/internal/ratelimit"
)

type rateLimitStatus struct {
	At      time.Time                 `json:"at"`
	Stats   ratelimit.Stats           `json:"stats"`
	Blocked []ratelimit.BlockedClient `json:"blocked"`
}

// RateLimitHandler reports limiter counters and the active blacklist as JSON.
// now defaults to time.Now.
func RateLimitHandler(l LimiterView, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		t := now()
		out := rateLimitStatus{At: t.UTC(), Stats: l.Stats(t), Blocked: l.Blocked(t)}
		if out.Blocked == nil {
			out.Blocked = []ratelimit.BlockedClient{}
		}
		w.Header().Set("Cache-Control", "no-store")
		httpmw.WriteJSON(w, http.StatusOK, out)
	}
}
