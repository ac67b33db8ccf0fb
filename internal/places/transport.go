package places

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/places-proxy/internal/xerrors"
)

// pacedTransport waits for a token before each upstream request. It caps
// what this process sends even when the admission controller lets a burst through.
type pacedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func newPacedTransport(next http.RoundTripper, rps float64, burst int) *pacedTransport {
	if burst < 1 {
		burst = 1
	}
	return &pacedTransport{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *pacedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(r.Context()); err != nil {
		if r.Body != nil {
			_ = r.Body.Close()
		}
		return nil, xerrors.Wrap(err, "wait for upstream pacing")
	}
	return t.next.RoundTrip(r)
}
