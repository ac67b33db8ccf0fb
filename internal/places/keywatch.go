package places

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/keithlinneman/places-proxy/internal/log"
	"github.com/keithlinneman/places-proxy/internal/xerrors"
)

const (
	DefaultKeyRefreshInterval = 5 * time.Minute

	maxKeyRefreshBackoff = 30 * time.Minute
)

type keyPollResult int

const (
	keyUnchanged keyPollResult = iota
	keyRotated
	keyFetchError
)

func (r keyPollResult) String() string {
	switch r {
	case keyRotated:
		return "rotated"
	case keyFetchError:
		return "error"
	default:
		return "unchanged"
	}
}

// KeySetter receives a rotated key. *Client implements it.
type KeySetter interface {
	SetAPIKey(key string)
}

// KeyWatcherMetrics is implemented by the metrics package.
type KeyWatcherMetrics interface {
	IncKeyRefresh(result string)
	SetKeyStale(stale bool)
}

type KeyWatcherOptions struct {
	Logger log.Logger
	API    SSMGetParameterAPI
	Param  string
	Target KeySetter

	// Current is the key already in use, a poll returning it is a no-op
	Current string

	PollInterval time.Duration

	// StaleThreshold is how long reads may fail before an error is logged, defaults to 30m
	StaleThreshold time.Duration

	Metrics KeyWatcherMetrics
}

// KeyWatcher re-reads the API key parameter on an interval and hands a changed
// value to Target. Failed reads back off exponentially and the last good key stays in use.
type KeyWatcher struct {
	api      SSMGetParameterAPI
	param    string
	target   KeySetter
	logger   log.Logger
	metrics  KeyWatcherMetrics
	interval time.Duration
	bo       *backoff.ExponentialBackOff
	now      func() time.Time

	current         string
	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	rotations int64
}

func NewKeyWatcher(opts KeyWatcherOptions) (*KeyWatcher, error) {
	if opts.API == nil || opts.Target == nil {
		return nil, xerrors.New("key watcher needs an SSM client and a target")
	}
	if opts.Param == "" {
		return nil, xerrors.New("key watcher needs an SSM parameter name")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultKeyRefreshInterval
	}
	stale := opts.StaleThreshold
	if stale <= 0 {
		stale = 30 * time.Minute
	}

	// 2x, 4x, 8x the interval, capped
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * interval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = maxKeyRefreshBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &KeyWatcher{
		api:            opts.API,
		param:          opts.Param,
		target:         opts.Target,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		interval:       interval,
		bo:             bo,
		now:            time.Now,
		current:        opts.Current,
		staleThreshold: stale,
		lastSuccessAt:  time.Now(),
	}, nil
}

// Run polls until ctx is cancelled. Start it with go w.Run(ctx).
func (w *KeyWatcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "api key watcher starting",
		"ssm_param", w.param,
		"poll_interval", w.interval.String(),
	)

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "api key watcher stopping", "rotations", w.rotations)
			return ctx.Err()
		case <-timer.C:
			timer.Reset(w.next(ctx, w.checkOnce(ctx)))
		}
	}
}

// next returns the delay before the following poll
func (w *KeyWatcher) next(ctx context.Context, result keyPollResult) time.Duration {
	if result == keyFetchError {
		w.consecutiveErrs++
		d := w.bo.NextBackOff()
		w.logger.Warn(ctx, "api key watcher: backing off",
			"consecutive_errors", w.consecutiveErrs,
			"next_poll_in", d.String(),
		)
		return d
	}
	if w.consecutiveErrs > 0 {
		w.logger.Info(ctx, "api key watcher: recovered", "had_consecutive_errors", w.consecutiveErrs)
		w.consecutiveErrs = 0
		w.bo.Reset()
	}
	return w.interval
}

func (w *KeyWatcher) checkOnce(ctx context.Context) keyPollResult {
	result := w.poll(ctx)
	if w.metrics != nil {
		w.metrics.IncKeyRefresh(result.String())
	}
	return result
}

func (w *KeyWatcher) poll(ctx context.Context) keyPollResult {
	key, err := APIKeyFromSSM(ctx, w.api, w.param)
	now := w.now()
	if err != nil {
		w.logger.Warn(ctx, "api key watcher: SSM read failed", "error", err.Error())
		if since := now.Sub(w.lastSuccessAt); since > w.staleThreshold && !w.staleLogged {
			w.logger.Error(ctx, xerrors.Newf("last successful SSM read was %s ago", since.Truncate(time.Second)),
				"api key watcher: key is stale, rotation will not be picked up")
			w.staleLogged = true
			if w.metrics != nil {
				w.metrics.SetKeyStale(true)
			}
		}
		return keyFetchError
	}

	w.lastSuccessAt = now
	if w.staleLogged {
		w.logger.Info(ctx, "api key watcher: staleness recovered")
		w.staleLogged = false
		if w.metrics != nil {
			w.metrics.SetKeyStale(false)
		}
	}

	if subtle.ConstantTimeCompare([]byte(key), []byte(w.current)) == 1 {
		return keyUnchanged
	}

	w.target.SetAPIKey(key)
	w.current = key
	w.rotations++
	w.logger.Info(ctx, "api key watcher: key rotated", "rotations", w.rotations)
	return keyRotated
}
