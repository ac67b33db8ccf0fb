package opshttp

import (
	"net/http"
	"time"

	"github.com/keithlinneman/places-proxy/internal/health"
	"github.com/keithlinneman/places-proxy/internal/log"
	"github.com/keithlinneman/places-proxy/internal/ratelimit"
)

// LimiterView is the read-only part of the limiter the admin port exposes.
type LimiterView interface {
	Stats(now time.Time) ratelimit.Stats
	Blocked(now time.Time) []ratelimit.BlockedClient
}

type Options struct {
	Logger      log.Logger
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	Limiter     LimiterView

	UseRecoverMW bool
	OnPanic      func()

	// AllowPublic skips the private-network check, for local runs only
	AllowPublic bool
}
