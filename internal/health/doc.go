// Package health evaluates liveness and readiness for the admin listener.
//
// A [Probe] is checked on every probe request. [All] and [Any] compose probes,
// [Named] prefixes failures with the component that failed, and [Timeout] bounds
// slow checks. [ShutdownGate] fails readiness while the process drains so load
// balancers stop routing to it before listeners close.
package health
