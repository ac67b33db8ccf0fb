package httpmw

import "net/http"

// apiSecurityHeaders are set on every response. The service only returns JSON so
// the CSP forbids loading anything at all.
var apiSecurityHeaders = [][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Cross-Origin-Resource-Policy", "same-site"},
	{"X-Permitted-Cross-Domain-Policies", "none"},
}

// SecurityHeaders sets the static response headers for a JSON API.
// Place lookups are per-user so responses are also marked uncacheable.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range apiSecurityHeaders {
			h.Set(kv[0], kv[1])
		}
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
