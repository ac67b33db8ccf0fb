package ratelimit

import (
	"strconv"
	"strings"
	"time"
)

// Window is a sliding-window ceiling: at most Limit requests in the trailing Period.
type Window struct {
	Limit  int
	Period time.Duration
}

// BlacklistConfig controls automatic blocking of abusive clients.
// A client with Threshold or more recorded requests inside ObservationWindow is blocked for Duration.
type BlacklistConfig struct {
	Threshold         int
	Duration          time.Duration
	ObservationWindow time.Duration
}

// Config is immutable once handed to New.
type Config struct {
	IP        Window
	Burst     Window
	Global    Window
	Blacklist BlacklistConfig

	// SweepInterval is how often stale log entries and expired blacklist entries are evicted
	SweepInterval time.Duration
}

// defaults for every setting, also used as fallback for invalid values
const (
	DefaultIPRequests        = 10
	DefaultIPWindow          = 60 * time.Second
	DefaultBurstRequests     = 5
	DefaultBurstWindow       = 10 * time.Second
	DefaultGlobalRequests    = 100
	DefaultGlobalWindow      = 60 * time.Second
	DefaultBlacklistRequests = 50
	DefaultBlacklistDuration = time.Hour
	BlacklistObservation     = time.Hour
	DefaultSweepInterval     = 60 * time.Second
)

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		IP:     Window{Limit: DefaultIPRequests, Period: DefaultIPWindow},
		Burst:  Window{Limit: DefaultBurstRequests, Period: DefaultBurstWindow},
		Global: Window{Limit: DefaultGlobalRequests, Period: DefaultGlobalWindow},
		Blacklist: BlacklistConfig{
			Threshold:         DefaultBlacklistRequests,
			Duration:          DefaultBlacklistDuration,
			ObservationWindow: BlacklistObservation,
		},
		SweepInterval: DefaultSweepInterval,
	}
}

// retention is the widest window any check looks at, per-client logs never need anything older
func (c Config) retention() time.Duration {
	r := c.Blacklist.ObservationWindow
	for _, d := range []time.Duration{c.IP.Period, c.Burst.Period} {
		if d > r {
			r = d
		}
	}
	return r
}

// normalized replaces any non-positive value with its default so a zero or broken field
// can never silently disable a check
func (c Config) normalized() Config {
	d := DefaultConfig()
	fixWindow := func(w *Window, def Window) {
		if w.Limit <= 0 {
			w.Limit = def.Limit
		}
		if w.Period <= 0 {
			w.Period = def.Period
		}
	}
	fixWindow(&c.IP, d.IP)
	fixWindow(&c.Burst, d.Burst)
	fixWindow(&c.Global, d.Global)
	if c.Blacklist.Threshold <= 0 {
		c.Blacklist.Threshold = d.Blacklist.Threshold
	}
	if c.Blacklist.Duration <= 0 {
		c.Blacklist.Duration = d.Blacklist.Duration
	}
	if c.Blacklist.ObservationWindow <= 0 {
		c.Blacklist.ObservationWindow = d.Blacklist.ObservationWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Environment variable names read by ConfigFromEnv.
const (
	EnvIPRequests         = "RATE_LIMIT_IP_REQUESTS"
	EnvIPWindowMs         = "RATE_LIMIT_IP_WINDOW_MS"
	EnvBurstRequests      = "RATE_LIMIT_BURST_REQUESTS"
	EnvBurstWindowMs      = "RATE_LIMIT_BURST_WINDOW_MS"
	EnvGlobalRequests     = "RATE_LIMIT_GLOBAL_REQUESTS"
	EnvGlobalWindowMs     = "RATE_LIMIT_GLOBAL_WINDOW_MS"
	EnvBlacklistThreshold = "BLACKLIST_HOURLY_THRESHOLD"
	EnvBlacklistDuration  = "BLACKLIST_DURATION_MS"
)

// ConfigFromEnv builds a Config from environment-style variables using lookup (os.LookupEnv in main).
// Missing values use the default silently. Values are read by their leading integer, so "20abc" is 20
// and "15.5" is 15. Values with no leading integer or one that is not positive fail closed to the
// default and the variable name is returned in invalid so the caller can warn about it.
// The blacklist observation window and sweep interval are fixed.
func ConfigFromEnv(lookup func(string) (string, bool)) (c Config, invalid []string) {
	c = DefaultConfig()

	intVar := func(name string, def int) int {
		raw, ok := lookup(name)
		if !ok || strings.TrimSpace(raw) == "" {
			return def
		}
		n, err := leadingInt(raw)
		if err != nil || n <= 0 {
			invalid = append(invalid, name)
			return def
		}
		return n
	}
	msVar := func(name string, def time.Duration) time.Duration {
		return time.Duration(intVar(name, int(def/time.Millisecond))) * time.Millisecond
	}

	c.IP.Limit = intVar(EnvIPRequests, DefaultIPRequests)
	c.IP.Period = msVar(EnvIPWindowMs, DefaultIPWindow)
	c.Burst.Limit = intVar(EnvBurstRequests, DefaultBurstRequests)
	c.Burst.Period = msVar(EnvBurstWindowMs, DefaultBurstWindow)
	c.Global.Limit = intVar(EnvGlobalRequests, DefaultGlobalRequests)
	c.Global.Period = msVar(EnvGlobalWindowMs, DefaultGlobalWindow)
	c.Blacklist.Threshold = intVar(EnvBlacklistThreshold, DefaultBlacklistRequests)
	c.Blacklist.Duration = msVar(EnvBlacklistDuration, DefaultBlacklistDuration)

	return c, invalid
}

// leadingInt parses the optional sign and digits at the start of s, ignoring the rest
func leadingInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, strconv.ErrSyntax
	}
	return strconv.Atoi(s[:end])
}
