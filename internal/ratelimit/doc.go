// Package ratelimit is the request admission controller for the places proxy.
//
// # Simple in-memory implementation, not shared between instances or distributed
//
// Every request under /api is checked against four sliding windows and a blacklist:
//   - blacklist: a client that was blocked stays blocked until its expiry
//   - blacklist trigger: too many requests in the observation window (1h) blocks the client
//   - global: total requests across all clients in the global window
//   - per-client: requests per client in the per-client window (headers report this one)
//   - burst: requests per client in the short burst window
//
// Checks run in that order and the first deny wins. Only admitted requests are recorded.
//
// What this does NOT protect against:
//   - distributed attacks across many ips (only the global ceiling helps there)
//   - more than one replica, every process keeps its own counters
//
// Counts are read then written under separate narrow locks, so two concurrent requests from the
// same client can both see limit-1 and both get admitted. That overshoot is bounded and accepted.
package ratelimit
