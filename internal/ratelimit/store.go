package ratelimit

import (
	"sync"
	"time"
)

// Store keeps the request timestamp logs: one per client key plus a single global log.
// Each log is append-only in arrival order and only shrinks through pruning.
// The per-client map and the global log have their own locks so a request never holds both.
type Store struct {
	mu      sync.Mutex
	clients map[string][]time.Time

	globalMu sync.Mutex
	global   []time.Time

	// retention bounds per-client logs, entries older than this are dropped on Record and Sweep
	retention time.Duration
}

// NewStore returns an empty store that keeps per-client entries for retention.
func NewStore(retention time.Duration) *Store {
	return &Store{
		clients:   make(map[string][]time.Time),
		retention: retention,
	}
}

// within reports whether t is inside the trailing window ending at now
func within(t, now time.Time, window time.Duration) bool {
	return now.Sub(t) < window
}

// Record appends now to the client's log and to the global log.
func (s *Store) Record(key string, now time.Time) {
	s.mu.Lock()
	log := pruneLeading(s.clients[key], now, s.retention)
	s.clients[key] = append(log, now)
	s.mu.Unlock()

	s.globalMu.Lock()
	s.global = append(s.global, now)
	s.globalMu.Unlock()
}

// CountWithin returns how many of the client's entries are inside the trailing window.
func (s *Store) CountWithin(key string, window time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countWithin(s.clients[key], window, now)
}

// OldestWithin returns the earliest entry of the client's log inside the trailing window.
func (s *Store) OldestWithin(key string, window time.Duration, now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.clients[key] {
		if within(t, now, window) {
			return t, true
		}
	}
	return time.Time{}, false
}

// CountGlobalWithin returns how many requests from any client are inside the trailing window.
// The stale prefix of the global log is trimmed while the lock is held.
func (s *Store) CountGlobalWithin(window time.Duration, now time.Time) int {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	s.global = pruneLeading(s.global, now, window)
	return countWithin(s.global, window, now)
}

// OldestGlobalWithin returns the earliest global entry inside the trailing window.
func (s *Store) OldestGlobalWithin(window time.Duration, now time.Time) (time.Time, bool) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	for _, t := range s.global {
		if within(t, now, window) {
			return t, true
		}
	}
	return time.Time{}, false
}

// Clients returns the number of client keys with a non-empty log.
func (s *Store) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Sweep drops every per-client entry older than the retention window, deletes logs left empty,
// and truncates the global log to globalWindow. Returns evicted keys and what is left.
func (s *Store) Sweep(now time.Time, globalWindow time.Duration) (evicted, remaining, globalLen int) {
	s.mu.Lock()
	for key, log := range s.clients {
		kept := filterWithin(log, now, s.retention)
		if len(kept) == 0 {
			delete(s.clients, key)
			evicted++
			continue
		}
		s.clients[key] = kept
	}
	remaining = len(s.clients)
	s.mu.Unlock()

	s.globalMu.Lock()
	s.global = filterWithin(s.global, now, globalWindow)
	globalLen = len(s.global)
	s.globalMu.Unlock()

	return evicted, remaining, globalLen
}

func countWithin(log []time.Time, window time.Duration, now time.Time) int {
	n := 0
	for _, t := range log {
		if within(t, now, window) {
			n++
		}
	}
	return n
}

// pruneLeading drops entries from the front while they are outside the window.
// Logs are appended in arrival order so the stale entries sit at the front,
// any out-of-order entry after the first fresh one is left for filterWithin.
func pruneLeading(log []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(log) && !within(log[i], now, window) {
		i++
	}
	if i == 0 {
		return log
	}
	if i == len(log) {
		return nil
	}
	// re-slice a short stale prefix, the next reallocating append drops it;
	// a prefix of half the array or more is reclaimed by copying down in place
	if 2*i < cap(log) {
		return log[i:]
	}
	n := copy(log, log[i:])
	return log[:n]
}

// filterWithin keeps only entries inside the window, in place
func filterWithin(log []time.Time, now time.Time, window time.Duration) []time.Time {
	kept := log[:0]
	for _, t := range log {
		if within(t, now, window) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
