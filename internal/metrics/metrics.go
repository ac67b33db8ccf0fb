// Package metrics owns the Prometheus registry for the service: HTTP server
// metrics, rate limiter decisions and state, and the upstream Places client.
// Labels are restricted to bounded sets (method, route pattern, status, reason,
// endpoint) so client input can never create new series.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/places-proxy/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight  prometheus.Gauge
	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	panics    prometheus.Counter

	// rate limiter
	denied         *prometheus.CounterVec
	blacklisted    prometheus.Counter
	unblocked      prometheus.Counter
	evicted        prometheus.Counter
	sweepDur       prometheus.Histogram
	trackedClients prometheus.Gauge
	globalInWindow prometheus.Gauge
	blacklistSize  prometheus.Gauge

	// upstream places api
	upstreamTotal   *prometheus.CounterVec
	upstreamDur     *prometheus.HistogramVec
	upstreamRetries *prometheus.CounterVec
	keyRefresh      *prometheus.CounterVec
	keyStale        prometheus.Gauge

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
}

// New returns metrics on a fresh registry with the Go and process collectors.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		reg: reg,
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(128, 4, 8),
		}, []string{"method", "route"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx responses by method and route",
		}, []string{"method", "route"}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),

		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_denied_total",
			Help: "Requests rejected by the rate limiter, by reason",
		}, []string{"reason"}),
		blacklisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_blacklisted_total",
			Help: "Clients added to the blacklist",
		}),
		unblocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_unblocked_total",
			Help: "Expired blacklist entries removed by the sweep",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_evicted_clients_total",
			Help: "Client logs deleted by the sweep after going idle",
		}),
		sweepDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratelimit_sweep_duration_seconds",
			Help:    "Time taken by one rate limiter sweep",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		trackedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_tracked_clients",
			Help: "Clients with a request log after the last sweep",
		}),
		globalInWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_global_window_requests",
			Help: "Admitted requests inside the global window at the last sweep",
		}),
		blacklistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_blacklist_size",
			Help: "Blacklist entries after the last sweep",
		}),

		upstreamTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "places_upstream_requests_total",
			Help: "Calls to the Places API by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		upstreamDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "places_upstream_duration_seconds",
			Help:    "Places API call latency including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"endpoint"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "places_upstream_retries_total",
			Help: "Retried Places API attempts by endpoint",
		}, []string{"endpoint"}),
		keyRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "places_api_key_refresh_total",
			Help: "API key refresh polls by result (unchanged, rotated, error)",
		}, []string{"result"}),
		keyStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "places_api_key_stale",
			Help: "1 when the API key could not be re-read from SSM for longer than the stale threshold",
		}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}

	reg.MustRegister(
		m.inflight, m.reqTotal, m.reqDur, m.respBytes, m.errors, m.panics,
		m.denied, m.blacklisted, m.unblocked, m.evicted, m.sweepDur,
		m.trackedClients, m.globalInWindow, m.blacklistSize,
		m.upstreamTotal, m.upstreamDur, m.upstreamRetries, m.keyRefresh, m.keyStale,
		m.buildInfo, m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) IncHttpPanic() { m.panics.Inc() }

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
		return
	}
	m.profilingActive.Set(0)
}

// InitRateLimitReasons creates the denied series at zero so rate() works before the first denial.
func (m *ServerMetrics) InitRateLimitReasons(reasons ...string) {
	for _, r := range reasons {
		m.denied.WithLabelValues(r)
	}
}

func (m *ServerMetrics) IncRateLimitDenied(reason string) {
	m.denied.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncBlacklisted() { m.blacklisted.Inc() }

// ObserveSweep records one sweep pass and the limiter state it left behind.
func (m *ServerMetrics) ObserveSweep(d time.Duration, evicted, unblocked, tracked, globalInWindow, blacklisted int) {
	m.sweepDur.Observe(d.Seconds())
	m.evicted.Add(float64(evicted))
	m.unblocked.Add(float64(unblocked))
	m.trackedClients.Set(float64(tracked))
	m.globalInWindow.Set(float64(globalInWindow))
	m.blacklistSize.Set(float64(blacklisted))
}

// ObserveUpstream records one logical Places call. outcome is a small fixed set
// (ok, error, status_4xx, status_5xx) chosen by the client.
func (m *ServerMetrics) ObserveUpstream(endpoint, outcome string, d time.Duration) {
	m.upstreamTotal.WithLabelValues(endpoint, outcome).Inc()
	m.upstreamDur.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *ServerMetrics) IncUpstreamRetry(endpoint string) {
	m.upstreamRetries.WithLabelValues(endpoint).Inc()
}

func (m *ServerMetrics) IncKeyRefresh(result string) {
	m.keyRefresh.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) SetKeyStale(stale bool) {
	if stale {
		m.keyStale.Set(1)
		return
	}
	m.keyStale.Set(0)
}
