package ratelimit

import (
	"context"
	"time"
)

// SweepStats describes one eviction pass.
type SweepStats struct {
	At             time.Time
	EvictedClients int
	TrackedClients int
	GlobalInWindow int
	Blacklisted    int
	UnblockedKeys  []string
	Duration       time.Duration
}

// Sweep runs one eviction pass at now: per-client entries older than the retention window are dropped
// and empty logs deleted, the global log is cut to the global window, and expired blacklist entries are removed.
func (l *Limiter) Sweep(now time.Time) SweepStats {
	start := time.Now()

	evicted, remaining, global := l.store.Sweep(now, l.cfg.Global.Period)
	unblocked := l.blacklist.Purge(now)

	// first-denial logging starts over each interval
	l.warnMu.Lock()
	clear(l.warned)
	l.warnMu.Unlock()

	if l.OnUnblocked != nil {
		for _, key := range unblocked {
			l.OnUnblocked(key)
		}
	}

	return SweepStats{
		At:             now,
		EvictedClients: evicted,
		TrackedClients: remaining,
		GlobalInWindow: global,
		Blacklisted:    l.blacklist.Len(),
		UnblockedKeys:  unblocked,
		Duration:       time.Since(start),
	}
}

// sweepLoop runs Sweep every SweepInterval until ctx is done
func (l *Limiter) sweepLoop(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := l.Sweep(l.now())
			if l.OnSweep != nil {
				l.OnSweep(stats)
			}
		}
	}
}
