package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// Blacklist tracks clients that are denied everything until an expiry instant.
type Blacklist struct {
	mu      sync.RWMutex
	expires map[string]time.Time
}

// BlockedClient is a single blacklist entry.
type BlockedClient struct {
	Key   string    `json:"key"`
	Until time.Time `json:"until"`
}

func NewBlacklist() *Blacklist {
	return &Blacklist{expires: make(map[string]time.Time)}
}

// IsBlocked reports whether key has an entry that has not expired at now. Never mutates.
func (b *Blacklist) IsBlocked(key string, now time.Time) bool {
	b.mu.RLock()
	until, ok := b.expires[key]
	b.mu.RUnlock()
	return ok && now.Before(until)
}

// Block sets the expiry of key to now+d, overwriting any previous entry. Returns the new expiry.
func (b *Blacklist) Block(key string, now time.Time, d time.Duration) time.Time {
	until := now.Add(d)
	b.mu.Lock()
	b.expires[key] = until
	b.mu.Unlock()
	return until
}

// Expiry returns the stored expiry of key, expired or not.
func (b *Blacklist) Expiry(key string) (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	until, ok := b.expires[key]
	return until, ok
}

// Purge removes every entry whose expiry is before now and returns the removed keys.
func (b *Blacklist) Purge(now time.Time) []string {
	var removed []string
	b.mu.Lock()
	for key, until := range b.expires {
		if now.After(until) {
			delete(b.expires, key)
			removed = append(removed, key)
		}
	}
	b.mu.Unlock()
	return removed
}

// Len returns the number of stored entries including ones that expired but were not purged yet.
func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.expires)
}

// Active returns entries still blocking at now, soonest expiry first.
func (b *Blacklist) Active(now time.Time) []BlockedClient {
	b.mu.RLock()
	out := make([]BlockedClient, 0, len(b.expires))
	for key, until := range b.expires {
		if now.Before(until) {
			out = append(out, BlockedClient{Key: key, Until: until})
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Until.Equal(out[j].Until) {
			return out[i].Key < out[j].Key
		}
		return out[i].Until.Before(out[j].Until)
	})
	return out
}
