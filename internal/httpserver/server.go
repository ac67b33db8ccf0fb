package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/places-proxy/internal/health"
	"github.com/keithlinneman/places-proxy/internal/httpmw"
	"github.com/keithlinneman/places-proxy/internal/log"
	"github.com/keithlinneman/places-proxy/internal/xerrors"
)

const (
	DefaultPort         = 3001
	DefaultMaxBodyBytes = 16 << 10
)

// NewHandler builds the public handler: routes, the /api rate limiter and the middleware chain.
func NewHandler(opts Options) http.Handler {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()

	// responses are JSON only
	r.Use(middleware.Compress(5, "application/json"))

	// rename the server span to the chi pattern once routed
	r.Use(httpmw.AnnotateHTTPRoute)

	// inside the router so the route pattern is known when the line is written
	r.Use(httpmw.AccessLog())

	if opts.Health != nil {
		r.Get("/health", health.HealthzHandler(opts.Health))
	}

	r.Route("/api", func(api chi.Router) {
		// every /api request counts, including ones that end up 404
		if opts.RateLimitMW != nil {
			api.Use(opts.RateLimitMW)
		}
		api.Use(httpmw.MaxBody(maxBody))
		if opts.APIRoutes != nil {
			opts.APIRoutes(api)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpmw.WriteError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpmw.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	// wrapped outermost last
	var h http.Handler = r

	// request logger needs the request id and client address from the outer layers
	h = httpmw.WithLogger(opts.Logger)(h)

	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)

	// resolved client address is the rate limiter key and the logged client.address
	h = httpmw.ClientIPWithOptions(opts.ClientIPOpts)(h)

	h = httpmw.RequestID(httpmw.DefaultRequestIDHeader)(h)

	if opts.UseRecoverMW {
		h = httpmw.Recover(opts.Logger, opts.OnPanic)(h)
	}

	// outermost so 429s, 404s and 500s carry them too
	h = httpmw.SecurityHeaders(h)

	return h
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
	DefaultShutdownTimeout   = 15 * time.Second
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port and serves NewHandler in the background.
// Returns stop(ctx), which drains in-flight requests until ctx is done.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	srv := NewServer(addr, NewHandler(opts))
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on %s", addr)
	}
	Serve(ctx, srv, ln, opts.Logger, "http server")
	return ShutdownFunc(srv, opts.Logger, "http server"), nil
}

// Serve runs srv on ln in a goroutine and logs anything but a clean shutdown.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener, L log.Logger, name string) {
	go func() {
		L.Info(ctx, name+" listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, name+" error")
		}
	}()
}

// ShutdownFunc wraps srv.Shutdown so repeated calls return the first result.
// A ctx without deadline gets DefaultShutdownTimeout.
func ShutdownFunc(srv *http.Server, L log.Logger, name string) func(context.Context) error {
	var (
		once sync.Once
		err  error
	)
	return func(ctx context.Context) error {
		once.Do(func() {
			L.Info(ctx, name+" shutting down")
			if _, ok := ctx.Deadline(); !ok {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
				defer cancel()
			}
			err = srv.Shutdown(ctx)
		})
		return err
	}
}
