// Package httpmw holds the HTTP middleware shared by the public API server.
//
// httpserver composes them in this order, outermost first: panic recovery,
// security headers, request ID, client IP resolution, OTel tracing, trace
// response headers, metrics, request-scoped logger, access log and the chi
// router. The rate limiter sits on the /api route group inside the router so
// health checks are never throttled.
//
// Request bodies, query strings and user-agents are not logged. Places
// queries are user input and can carry addresses.
package httpmw
