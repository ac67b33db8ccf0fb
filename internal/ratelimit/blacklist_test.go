package ratelimit

import (
	"testing"
	"time"
)

func TestBlacklist_BlockedForDuration(t *testing.T) {
	b := NewBlacklist()
	d := 10 * time.Second
	b.Block("10.0.0.1", t0, d)

	for _, ms := range []int{0, 1, 5_000, 9_999} {
		if !b.IsBlocked("10.0.0.1", at(ms)) {
			t.Fatalf("should be blocked at +%dms", ms)
		}
	}
	for _, ms := range []int{10_000, 10_001, 60_000} {
		if b.IsBlocked("10.0.0.1", at(ms)) {
			t.Fatalf("should not be blocked at +%dms", ms)
		}
	}
}

func TestBlacklist_UnknownKey(t *testing.T) {
	b := NewBlacklist()
	if b.IsBlocked("10.0.0.1", t0) {
		t.Fatal("unknown key should not be blocked")
	}
}

func TestBlacklist_IsBlockedDoesNotMutate(t *testing.T) {
	b := NewBlacklist()
	b.Block("10.0.0.1", t0, time.Second)

	// expired lookups must not remove or extend anything
	for i := 0; i < 5; i++ {
		b.IsBlocked("10.0.0.1", at(5_000))
		b.IsBlocked("10.0.0.2", at(5_000))
	}
	if got := b.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	until, ok := b.Expiry("10.0.0.1")
	if !ok || !until.Equal(at(1_000)) {
		t.Fatalf("Expiry = %v,%v want %v,true", until, ok, at(1_000))
	}
}

func TestBlacklist_BlockOverwrites(t *testing.T) {
	b := NewBlacklist()
	b.Block("10.0.0.1", t0, time.Hour)
	until := b.Block("10.0.0.1", at(1_000), time.Second)

	if !until.Equal(at(2_000)) {
		t.Fatalf("Block returned %v, want %v", until, at(2_000))
	}
	// last write wins even when it shortens the block
	if b.IsBlocked("10.0.0.1", at(2_000)) {
		t.Fatal("re-block should reset expiry from the new trigger instant")
	}
}

func TestBlacklist_Purge(t *testing.T) {
	b := NewBlacklist()
	b.Block("a", t0, time.Second)
	b.Block("b", t0, time.Minute)

	// exactly at expiry: no longer blocked, not yet purged
	if removed := b.Purge(at(1_000)); len(removed) != 0 {
		t.Fatalf("Purge at expiry removed %v, want none", removed)
	}

	removed := b.Purge(at(1_001))
	if len(removed) != 1 || removed[0] != "a" {
		t.Fatalf("Purge removed %v, want [a]", removed)
	}
	if got := b.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	if !b.IsBlocked("b", at(1_001)) {
		t.Fatal("b should still be blocked")
	}
}

func TestBlacklist_Active(t *testing.T) {
	b := NewBlacklist()
	b.Block("late", t0, time.Hour)
	b.Block("soon", t0, time.Minute)
	b.Block("gone", t0, time.Second)

	got := b.Active(at(5_000))
	if len(got) != 2 {
		t.Fatalf("Active() returned %d entries, want 2", len(got))
	}
	if got[0].Key != "soon" || got[1].Key != "late" {
		t.Fatalf("Active() order = %v, want soon then late", got)
	}
}
