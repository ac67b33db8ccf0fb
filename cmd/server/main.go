package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/places-proxy/internal/cfg"
	"github.com/keithlinneman/places-proxy/internal/health"
	"github.com/keithlinneman/places-proxy/internal/httpmw"
	"github.com/keithlinneman/places-proxy/internal/httpserver"
	"github.com/keithlinneman/places-proxy/internal/log"
	"github.com/keithlinneman/places-proxy/internal/metrics"
	"github.com/keithlinneman/places-proxy/internal/opshttp"
	"github.com/keithlinneman/places-proxy/internal/otelx"
	"github.com/keithlinneman/places-proxy/internal/places"
	"github.com/keithlinneman/places-proxy/internal/placeshttp"
	"github.com/keithlinneman/places-proxy/internal/prof"
	"github.com/keithlinneman/places-proxy/internal/ratelimit"
	v "github.com/keithlinneman/places-proxy/internal/version"
	"github.com/keithlinneman/places-proxy/internal/xerrors"
)

const appName = "places-proxy"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	// .env only fills variables that are not already set
	if _, err := cfg.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "dotenv error:", err)
		return 1
	}

	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildID, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return 0
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	// levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	rlConf, invalid := ratelimit.ConfigFromEnv(os.LookupEnv)
	for _, name := range invalid {
		L.Warn(ctx, "invalid rate limit setting, using default", "env", name)
	}

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildID,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"places_base_url", conf.PlacesBaseURL,
		"places_upstream_rps", conf.PlacesUpstreamRPS,
		"places_key_ssm_param", conf.PlacesAPIKeySSMParam,
		"rate_limit_ip", fmt.Sprintf("%d/%s", rlConf.IP.Limit, rlConf.IP.Period),
		"rate_limit_burst", fmt.Sprintf("%d/%s", rlConf.Burst.Limit, rlConf.Burst.Period),
		"rate_limit_global", fmt.Sprintf("%d/%s", rlConf.Global.Limit, rlConf.Global.Period),
		"blacklist_threshold", rlConf.Blacklist.Threshold,
		"blacklist_duration", rlConf.Blacklist.Duration,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", &vi)
	reasons := make([]string, 0, len(ratelimit.Reasons))
	for _, r := range ratelimit.Reasons {
		reasons = append(reasons, string(r))
	}
	m.InitRateLimitReasons(reasons...)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:              conf.EnablePyroscope,
		AppName:              appName,
		ServerAddress:        conf.PyroServer,
		TenantID:             conf.PyroTenantID,
		ProfileMutexFraction: 5,
		Tags: map[string]string{
			"app":       appName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildID,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  conf.OTLPInsecure,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// a key given directly wins, otherwise read it from SSM and keep re-reading it
	apiKey := conf.PlacesAPIKey
	var ssmClient *ssm.Client
	if apiKey == "" {
		ssmClient, err = places.NewSSMClient(ctx)
		if err == nil {
			apiKey, err = places.APIKeyFromSSM(ctx, ssmClient, conf.PlacesAPIKeySSMParam)
		}
		if err != nil {
			L.Error(ctx, err, "failed to read places api key from SSM", "ssm_param", conf.PlacesAPIKeySSMParam)
			return 1
		}
	}

	client, err := places.New(places.Options{
		BaseURL:  conf.PlacesBaseURL,
		APIKey:   apiKey,
		RPS:      conf.PlacesUpstreamRPS,
		Timeout:  conf.PlacesTimeout,
		Retries:  conf.PlacesRetries,
		Observer: m,
		Logger:   L.With("component", "places"),
	})
	if err != nil {
		L.Error(ctx, err, "failed to create places client")
		return 1
	}

	if ssmClient != nil && conf.PlacesKeyRefresh > 0 {
		watcher, err := places.NewKeyWatcher(places.KeyWatcherOptions{
			Logger:       L.With("component", "keywatch"),
			API:          ssmClient,
			Param:        conf.PlacesAPIKeySSMParam,
			Target:       client,
			Current:      apiKey,
			PollInterval: conf.PlacesKeyRefresh,
			Metrics:      m,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create api key watcher")
			return 1
		}
		go func() { _ = watcher.Run(ctx) }()
	}

	// the sweep keeps running through the drain period and is stopped explicitly below
	limiter := ratelimit.New(context.WithoutCancel(ctx),
		ratelimit.WithConfig(rlConf),
		ratelimit.WithOnDenied(func(key string, reason ratelimit.Reason) {
			m.IncRateLimitDenied(string(reason))
		}),
		// once per key per sweep interval so a flood does not flood the logs
		ratelimit.WithOnFirstDenied(func(key string, reason ratelimit.Reason) {
			L.Warn(ctx, "rate limit exceeded", "client.address", key, "reason", string(reason))
		}),
		ratelimit.WithOnBlocked(func(key string, until time.Time) {
			m.IncBlacklisted()
			L.Warn(ctx, "client blacklisted", "client.address", key, "until", until)
		}),
		ratelimit.WithOnUnblocked(func(key string) {
			L.Info(ctx, "client removed from blacklist", "client.address", key)
		}),
		ratelimit.WithOnSweep(func(s ratelimit.SweepStats) {
			m.ObserveSweep(s.Duration, s.EvictedClients, len(s.UnblockedKeys), s.TrackedClients, s.GlobalInWindow, s.Blacklisted)
			L.Debug(ctx, "rate limit sweep",
				"evicted", s.EvictedClients,
				"unblocked", len(s.UnblockedKeys),
				"tracked", s.TrackedClients,
				"global_in_window", s.GlobalInWindow,
				"blacklisted", s.Blacklisted,
				"duration", s.Duration,
			)
		}),
	)
	defer limiter.Stop()

	var gate health.ShutdownGate
	readiness := health.All(
		gate.Probe(),
		health.Named("ratelimit", health.CheckFunc(func(context.Context) error {
			if !limiter.Running() {
				return xerrors.New("sweeper stopped")
			}
			return nil
		})),
	)

	api := placeshttp.NewAPI(client)
	siteHTTPStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		MaxBodyBytes: conf.MaxBodyBytes,
		Health:       health.Fixed(true, ""),
		APIRoutes:    api.RegisterRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return 1
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// admin listener rejects public peers, the security group is the first line
	opsHTTPStop, err := opshttp.Start(ctx, opshttp.Options{
		Logger:       L,
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Limiter:      limiter,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return 1
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd readiness not sent", "reason", err.Error())
	}

	<-ctx.Done()
	stop()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	gate.Drain("draining")
	if conf.DrainDelay > 0 {
		L.Info(bg, "draining before closing listeners", "drain_delay", conf.DrainDelay)
		forceCh := make(chan os.Signal, 1)
		signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-time.After(conf.DrainDelay):
			L.Info(bg, "drain period complete")
		case <-forceCh:
			L.Warn(bg, "second signal received, skipping drain")
		}
		signal.Stop(forceCh)
	}

	shutdownCtx, cancel := context.WithTimeout(bg, conf.ShutdownTimeout)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "api http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	limiter.Stop()
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
	return 0
}

// notifySystemd sends READY=1 when started by systemd with Type=notify.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify dial")
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return xerrors.Wrap(err, "systemd notify write")
	}
	return nil
}
