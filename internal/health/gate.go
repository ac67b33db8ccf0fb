package health

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/places-proxy/internal/xerrors"
)

// ShutdownGate fails readiness once Drain is called. The zero value is open.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Drain closes the gate, an empty reason reads as "draining".
func (g *ShutdownGate) Drain(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

// Reopen clears a previous Drain.
func (g *ShutdownGate) Reopen() { g.reason.Store(nil) }

// Draining reports whether the gate is closed.
func (g *ShutdownGate) Draining() bool { return g.reason.Load() != nil }

// Probe fails with the drain reason while the gate is closed.
func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
