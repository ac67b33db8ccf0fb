package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/places-proxy/internal/health"
	"github.com/keithlinneman/places-proxy/internal/httpmw"
	"github.com/keithlinneman/places-proxy/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic is logged, main increments a counter here
	MetricsMW    func(http.Handler) http.Handler

	// RateLimitMW guards /api only, probes and unknown paths are never throttled
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	MaxBodyBytes int64

	// Health is served at /health on the public port for platform health checks
	Health health.Probe

	// APIRoutes registers handlers relative to /api
	APIRoutes func(chi.Router)
}
