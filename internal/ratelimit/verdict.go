package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Reason names the check that denied a request. The zero value means the request was admitted.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonBlocked            Reason = "blocked"
	ReasonSuspiciousActivity Reason = "suspicious-activity"
	ReasonGlobalOverload     Reason = "global-overload"
	ReasonIPLimit            Reason = "ip-limit"
	ReasonBurstLimit         Reason = "burst-limit"
)

// Reasons lists every deny reason in pipeline order.
var Reasons = []Reason{
	ReasonBlocked,
	ReasonSuspiciousActivity,
	ReasonGlobalOverload,
	ReasonIPLimit,
	ReasonBurstLimit,
}

// Message returns the client-visible error text for the reason. Clients match on these strings.
func (r Reason) Message() string {
	switch r {
	case ReasonBlocked:
		return "Too many requests. IP temporarily blocked."
	case ReasonSuspiciousActivity:
		return "Suspicious activity. IP temporarily blocked."
	case ReasonGlobalOverload:
		return "Service temporarily overloaded. Please try again later."
	case ReasonIPLimit:
		return "Too many requests from this IP. Try again in a minute."
	case ReasonBurstLimit:
		return "Too many requests too quickly. Please slow down."
	default:
		return ""
	}
}

// Quota is the per-client window state reported in X-RateLimit-* headers.
type Quota struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// ResetUnix is Reset in unix seconds, rounded up.
func (q Quota) ResetUnix() int64 {
	ms := q.Reset.UnixMilli()
	s := ms / 1000
	if ms%1000 > 0 {
		s++
	}
	return s
}

// SetHeaders writes X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset.
func (q Quota) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(q.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(q.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(q.ResetUnix(), 10))
}

// Verdict is the outcome of one admission check.
type Verdict struct {
	Allowed bool
	Reason  Reason

	// Quota is set when the per-client window was evaluated (admitted, ip-limit and burst-limit denials)
	Quota *Quota

	// RetryAfter is a hint for denied requests, zero when unknown
	RetryAfter time.Duration
}

// Status returns the HTTP status code for the verdict.
func (v Verdict) Status() int {
	if v.Allowed {
		return http.StatusOK
	}
	return http.StatusTooManyRequests
}
