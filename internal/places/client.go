package places

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/places-proxy/internal/log"
	"github.com/keithlinneman/places-proxy/internal/xerrors"
)

const (
	EndpointAutocomplete = "autocomplete"
	EndpointDetails      = "details"

	// DetailsFields is the field mask sent with every details lookup
	DetailsFields = "name,rating,formatted_address,geometry,place_id,url,website,vicinity,icon"

	DefaultTimeout        = 10 * time.Second
	DefaultInitialBackoff = 200 * time.Millisecond

	maxResponseBytes = 2 << 20
)

// Upstream call outcomes, used as metric labels.
const (
	OutcomeOK           = "ok"
	OutcomeClientError  = "status_4xx"
	OutcomeServerError  = "status_5xx"
	OutcomeNetworkError = "network_error"
	OutcomeInvalidBody  = "invalid_body"
	OutcomeTimeout      = "timeout"
)

// ErrInvalidResponse means the upstream answered 2xx with something that is not JSON.
var ErrInvalidResponse = errors.New("upstream returned a non-JSON body")

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("places %s: upstream status %d", e.Endpoint, e.StatusCode)
}

// Observer receives per-call upstream measurements. *metrics.ServerMetrics satisfies it.
type Observer interface {
	ObserveUpstream(endpoint, outcome string, d time.Duration)
	IncUpstreamRetry(endpoint string)
}

type Options struct {
	BaseURL string
	APIKey  string

	// RPS caps requests sent upstream, Burst defaults to 1
	RPS   float64
	Burst int

	// Timeout bounds one call including retries
	Timeout        time.Duration
	Retries        int
	InitialBackoff time.Duration

	// Transport defaults to http.DefaultTransport
	Transport http.RoundTripper
	Observer  Observer
	Logger    log.Logger
}

type Client struct {
	base           *url.URL
	keys           *keyTransport
	http           *http.Client
	timeout        time.Duration
	retries        int
	initialBackoff time.Duration
	obs            Observer
	logger         log.Logger
}

// New validates opts and builds the client. The transport chain is
// otelhttp -> key injection -> pacing -> opts.Transport, so spans and
// errors only ever see the URL without the key.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, xerrors.Newf("places base URL must be an http(s) URL (got %q)", opts.BaseURL)
	}
	if opts.APIKey == "" {
		return nil, xerrors.New("places API key is required")
	}
	if opts.RPS <= 0 {
		return nil, xerrors.Newf("places upstream rps must be > 0 (got %g)", opts.RPS)
	}
	if opts.Retries < 0 {
		return nil, xerrors.Newf("places retries must be >= 0 (got %d)", opts.Retries)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	kt := &keyTransport{next: newPacedTransport(opts.Transport, opts.RPS, opts.Burst)}
	kt.key.Store(&opts.APIKey)
	rt := otelhttp.NewTransport(kt,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "places " + r.Method + " " + r.URL.Path
		}),
	)

	return &Client{
		base:           base,
		keys:           kt,
		http:           &http.Client{Transport: rt},
		timeout:        opts.Timeout,
		retries:        opts.Retries,
		initialBackoff: opts.InitialBackoff,
		obs:            opts.Observer,
		logger:         opts.Logger,
	}, nil
}

// Autocomplete returns the upstream autocomplete response for input unchanged.
func (c *Client) Autocomplete(ctx context.Context, input string) (json.RawMessage, error) {
	return c.get(ctx, EndpointAutocomplete, url.Values{"input": {input}})
}

// Details returns the upstream details response for placeID unchanged.
func (c *Client) Details(ctx context.Context, placeID string) (json.RawMessage, error) {
	return c.get(ctx, EndpointDetails, url.Values{"place_id": {placeID}, "fields": {DetailsFields}})
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.base.JoinPath(endpoint, "json")
	u.RawQuery = params.Encode()
	target := u.String()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialBackoff
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.retries)), ctx)

	var body json.RawMessage
	op := func() error {
		raw, err := c.do(ctx, endpoint, target)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		body = raw
		return nil
	}
	notify := func(err error, wait time.Duration) {
		if c.obs != nil {
			c.obs.IncUpstreamRetry(endpoint)
		}
		c.logger.Debug(ctx, "retrying places request", "endpoint", endpoint, "wait", wait.String(), "error", err.Error())
	}

	start := time.Now()
	err := backoff.RetryNotify(op, b, notify)
	if c.obs != nil {
		c.obs.ObserveUpstream(endpoint, outcome(err), time.Since(start))
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "places %s", endpoint)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, endpoint, target string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, xerrors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, xerrors.Wrap(err, "read upstream body")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}
	if !json.Valid(raw) {
		return nil, xerrors.WithStack(ErrInvalidResponse)
	}
	return json.RawMessage(raw), nil
}

// retryable is true for transport failures, 429 and 5xx
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	if errors.Is(err, ErrInvalidResponse) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	var se *StatusError
	switch {
	case errors.As(err, &se) && se.StatusCode >= 500:
		return OutcomeServerError
	case errors.As(err, &se):
		return OutcomeClientError
	case errors.Is(err, ErrInvalidResponse):
		return OutcomeInvalidBody
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeNetworkError
	}
}

// SetAPIKey replaces the key used for subsequent upstream calls. Empty keys are ignored.
func (c *Client) SetAPIKey(key string) {
	if key == "" {
		return
	}
	c.keys.key.Store(&key)
}

// keyTransport adds the API key to a clone of the request, below the tracing layer
type keyTransport struct {
	key  atomic.Pointer[string]
	next http.RoundTripper
}

func (t *keyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	q := r2.URL.Query()
	q.Set("key", *t.key.Load())
	r2.URL.RawQuery = q.Encode()
	return t.next.RoundTrip(r2)
}
