// Package cfg holds the service settings. Values come from command line flags,
// then PLACES_-prefixed environment variables, then the defaults registered here.
// A .env file in the working directory is read into the environment first.
//
// Rate limiter windows are not flags, they keep their unprefixed environment names
// and are read by ratelimit.ConfigFromEnv.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/places-proxy/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names to form environment variable names.
const EnvPrefix = "PLACES_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort        int
	AdminPort       int
	TrustedHops     int
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	DrainDelay      time.Duration
	EnablePprof     bool

	EnableTracing bool
	OTLPEndpoint  string
	OTLPInsecure  bool
	TraceSample   float64

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	PlacesBaseURL        string
	PlacesAPIKey         string
	PlacesAPIKeySSMParam string
	PlacesUpstreamRPS    float64
	PlacesTimeout        time.Duration
	PlacesRetries        int
	PlacesKeyRefresh     time.Duration
}

// envAliases are extra unprefixed variables consulted when the prefixed one is unset
var envAliases = map[string][]string{
	"places-api-key": {"GOOGLE_API_KEY"},
	"http-port":      {"PORT"},
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 3001, "public API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port for metrics, probes and pprof (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "reverse proxies in front of the service that append X-Forwarded-For (0..10)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 16<<10, "maximum request body size for /api")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 15*time.Second, "time allowed for in-flight requests on shutdown")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 5*time.Second, "time readiness reports draining before listeners close")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.BoolVar(&c.OTLPInsecure, "otlp-insecure", true, "plaintext gRPC to the collector (local sidecar)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.PlacesBaseURL, "places-base-url", "https://maps.googleapis.com/maps/api/place", "Places API base URL")
	fs.StringVar(&c.PlacesAPIKey, "places-api-key", "", "Places API key (GOOGLE_API_KEY is also read)")
	fs.StringVar(&c.PlacesAPIKeySSMParam, "places-api-key-ssm-param", "", "SSM SecureString parameter holding the Places API key, used when places-api-key is empty")
	fs.Float64Var(&c.PlacesUpstreamRPS, "places-upstream-rps", 10, "maximum requests per second sent to the Places API")
	fs.DurationVar(&c.PlacesTimeout, "places-timeout", 10*time.Second, "timeout for one Places API call including retries")
	fs.IntVar(&c.PlacesRetries, "places-retries", 2, "retries for transient Places API failures (0..10)")
	fs.DurationVar(&c.PlacesKeyRefresh, "places-key-refresh", 5*time.Minute, "how often the SSM key parameter is re-read, 0 disables")
}

// LoadDotEnv reads path into the process environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) (loaded bool, err error) {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	return true, nil
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR, then to its aliases.
// Precedence: cli flag > env var > default.
func FillFromEnv(fset *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fset.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fset.VisitAll(func(f *flag.Flag) {
		key, val, ok := lookupFlagEnv(prefix, f.Name)
		if !ok {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, redact(f.Name, f.Value.String()), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fset.Set(f.Name, val); err != nil {
			_ = fset.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, redact(f.Name, val), err)
			}
		}
	})
}

func lookupFlagEnv(prefix, name string) (key, val string, ok bool) {
	key = prefix + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
	if val, ok = os.LookupEnv(key); ok {
		return key, val, true
	}
	for _, alias := range envAliases[name] {
		if val, ok = os.LookupEnv(alias); ok {
			return alias, val, true
		}
	}
	return "", "", false
}

// redact keeps secrets out of startup logs
func redact(flagName, v string) string {
	if strings.Contains(flagName, "api-key") && !strings.HasSuffix(flagName, "ssm-param") && v != "" {
		return "[redacted]"
	}
	return v
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		bad("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		bad("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		bad("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		bad("invalid TRUSTED_HOPS %d (must be 0..10)", c.TrustedHops)
	}
	if c.MaxBodyBytes < 1 {
		bad("invalid MAX_BODY_BYTES %d (must be > 0)", c.MaxBodyBytes)
	}
	if c.ShutdownTimeout <= 0 {
		bad("invalid SHUTDOWN_TIMEOUT %s (must be > 0)", c.ShutdownTimeout)
	}
	if c.DrainDelay < 0 {
		bad("invalid DRAIN_DELAY %s (must be >= 0)", c.DrainDelay)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		bad("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			bad("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		bad("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		bad("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		// grpc exporter wants host:port, no scheme
		if c.OTLPEndpoint == "" {
			bad("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil || strings.Contains(c.OTLPEndpoint, "://") {
			bad("OTLP_ENDPOINT must be host:port without a scheme (got %q)", c.OTLPEndpoint)
		}
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			bad("PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			bad("PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			bad("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}

	if u, err := url.Parse(c.PlacesBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		bad("PLACES_BASE_URL must be an http(s) URL (got %q)", c.PlacesBaseURL)
	}
	if c.PlacesAPIKey == "" && c.PlacesAPIKeySSMParam == "" {
		bad("one of PLACES_API_KEY (or GOOGLE_API_KEY) and PLACES_API_KEY_SSM_PARAM is required")
	}
	if c.PlacesUpstreamRPS <= 0 {
		bad("invalid PLACES_UPSTREAM_RPS %g (must be > 0)", c.PlacesUpstreamRPS)
	}
	if c.PlacesTimeout <= 0 {
		bad("invalid PLACES_TIMEOUT %s (must be > 0)", c.PlacesTimeout)
	}
	if c.PlacesRetries < 0 || c.PlacesRetries > 10 {
		bad("invalid PLACES_RETRIES %d (must be 0..10)", c.PlacesRetries)
	}
	if c.PlacesKeyRefresh < 0 {
		bad("invalid PLACES_KEY_REFRESH %s (must be >= 0)", c.PlacesKeyRefresh)
	}

	return errors.Join(errs...)
}
