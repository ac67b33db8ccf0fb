package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is the admission controller. It owns the timestamp logs, the blacklist and the sweep goroutine.
// Construct one per process with New and pass it to whatever needs it, there is no package-level state.
type Limiter struct {
	cfg       Config
	store     *Store
	blacklist *Blacklist
	now       func() time.Time

	// warned tracks keys that already fired OnFirstDenied, cleared on every sweep
	warnMu sync.Mutex
	warned map[string]struct{}

	// OnDenied is called on every denied request, used for incrementing prometheus counters
	OnDenied func(key string, reason Reason)

	// OnFirstDenied is called once per key per sweep interval when it gets denied, used for logging
	OnFirstDenied func(key string, reason Reason)

	// OnBlocked is called when a key crosses the blacklist threshold
	OnBlocked func(key string, until time.Time)

	// OnUnblocked is called when the sweep removes an expired blacklist entry
	OnUnblocked func(key string)

	// OnSweep is called after each background sweep
	OnSweep func(SweepStats)

	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Limiter)

// WithConfig sets the windows and blacklist settings. Invalid fields fall back to defaults.
func WithConfig(c Config) Option {
	return func(l *Limiter) {
		l.cfg = c
	}
}

// WithClock replaces time.Now, for tests and for the middleware
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithOnDenied sets a callback for every denied request.
func WithOnDenied(fn func(key string, reason Reason)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

// WithOnFirstDenied sets a callback for the first denial per key between sweeps.
// Separate from OnDenied so logs stay quiet while counters still see every denial.
func WithOnFirstDenied(fn func(key string, reason Reason)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnBlocked sets a callback for blacklist transitions.
func WithOnBlocked(fn func(key string, until time.Time)) Option {
	return func(l *Limiter) {
		l.OnBlocked = fn
	}
}

// WithOnUnblocked sets a callback for expired blacklist entries removed by the sweep.
func WithOnUnblocked(fn func(key string)) Option {
	return func(l *Limiter) {
		l.OnUnblocked = fn
	}
}

// WithOnSweep sets a callback that receives the result of each background sweep.
func WithOnSweep(fn func(SweepStats)) Option {
	return func(l *Limiter) {
		l.OnSweep = fn
	}
}

// New creates a Limiter and starts the background sweep goroutine.
// The goroutine stops when ctx is cancelled or Stop is called.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:    DefaultConfig(),
		now:    time.Now,
		warned: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	l.cfg = l.cfg.normalized()
	l.store = NewStore(l.cfg.retention())
	l.blacklist = NewBlacklist()

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.sweepLoop(ctx)
	return l
}

// Config returns the effective configuration after defaults were applied.
func (l *Limiter) Config() Config { return l.cfg }

// Stop stops the sweep goroutine and waits for it to exit. Safe to call more than once.
func (l *Limiter) Stop() {
	l.cancel()
	<-l.done
}

// Running reports whether the sweep goroutine is still alive.
func (l *Limiter) Running() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Check runs the admission pipeline for key at now. The first failing check decides.
// Nothing is recorded for a denied request, the only write on a deny path is the blacklist transition.
func (l *Limiter) Check(key string, now time.Time) Verdict {
	cfg := l.cfg

	// 1. already blacklisted
	if l.blacklist.IsBlocked(key, now) {
		var retry time.Duration
		if until, ok := l.blacklist.Expiry(key); ok {
			retry = until.Sub(now)
		}
		return l.deny(key, Verdict{Reason: ReasonBlocked, RetryAfter: retry})
	}

	// 2. too many requests in the observation window, counted before this request is recorded
	if l.store.CountWithin(key, cfg.Blacklist.ObservationWindow, now) >= cfg.Blacklist.Threshold {
		until := l.blacklist.Block(key, now, cfg.Blacklist.Duration)
		if l.OnBlocked != nil {
			l.OnBlocked(key, until)
		}
		return l.deny(key, Verdict{Reason: ReasonSuspiciousActivity, RetryAfter: cfg.Blacklist.Duration})
	}

	// 3. global ceiling
	if l.store.CountGlobalWithin(cfg.Global.Period, now) >= cfg.Global.Limit {
		var retry time.Duration
		if oldest, ok := l.store.OldestGlobalWithin(cfg.Global.Period, now); ok {
			retry = oldest.Add(cfg.Global.Period).Sub(now)
		}
		return l.deny(key, Verdict{Reason: ReasonGlobalOverload, RetryAfter: retry})
	}

	// 4. per-client window, quota is computed before deciding so the deny carries it too
	count := l.store.CountWithin(key, cfg.IP.Period, now)
	oldest, ok := l.store.OldestWithin(key, cfg.IP.Period, now)
	if !ok {
		oldest = now
	}
	quota := &Quota{
		Limit:     cfg.IP.Limit,
		Remaining: max(0, cfg.IP.Limit-count-1),
		Reset:     oldest.Add(cfg.IP.Period),
	}
	if count >= cfg.IP.Limit {
		quota.Remaining = 0
		return l.deny(key, Verdict{Reason: ReasonIPLimit, Quota: quota, RetryAfter: quota.Reset.Sub(now)})
	}

	// 5. burst window
	if l.store.CountWithin(key, cfg.Burst.Period, now) >= cfg.Burst.Limit {
		var retry time.Duration
		if first, ok := l.store.OldestWithin(key, cfg.Burst.Period, now); ok {
			retry = first.Add(cfg.Burst.Period).Sub(now)
		}
		return l.deny(key, Verdict{Reason: ReasonBurstLimit, Quota: quota, RetryAfter: retry})
	}

	// 6. admitted
	l.store.Record(key, now)
	return Verdict{Allowed: true, Quota: quota}
}

// deny fires hooks outside of any store lock, hooks may do slow work (logging)
func (l *Limiter) deny(key string, v Verdict) Verdict {
	v.Allowed = false
	if v.RetryAfter < 0 {
		v.RetryAfter = 0
	}

	if l.OnFirstDenied != nil {
		l.warnMu.Lock()
		_, seen := l.warned[key]
		if !seen {
			l.warned[key] = struct{}{}
		}
		l.warnMu.Unlock()
		if !seen {
			l.OnFirstDenied(key, v.Reason)
		}
	}
	if l.OnDenied != nil {
		l.OnDenied(key, v.Reason)
	}
	return v
}

// Stats is a point-in-time summary of limiter state.
type Stats struct {
	TrackedClients int `json:"tracked_clients"`
	GlobalInWindow int `json:"global_in_window"`
	Blacklisted    int `json:"blacklisted"`
}

// Stats reports tracked clients, requests in the global window and active blacklist entries at now.
func (l *Limiter) Stats(now time.Time) Stats {
	return Stats{
		TrackedClients: l.store.Clients(),
		GlobalInWindow: l.store.CountGlobalWithin(l.cfg.Global.Period, now),
		Blacklisted:    len(l.blacklist.Active(now)),
	}
}

// Blocked lists clients that are blacklisted at now.
func (l *Limiter) Blocked(now time.Time) []BlockedClient {
	return l.blacklist.Active(now)
}
