package swr

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipni/go-swr/broadcast"
	"github.com/ipni/go-swr/cache"
	"github.com/ipni/go-swr/env"
	"github.com/ipni/go-swr/retry"
)

const (
	defaultDedupingInterval      = 2 * time.Second
	defaultFocusThrottleInterval = 5 * time.Second
	defaultErrorRetryInterval    = 5 * time.Second
	defaultLoadingTimeout        = 3 * time.Second
)

var errNegative = errors.New("duration must not be negative")

type config struct {
	fetcher     Fetcher
	middlewares []Middleware
	compare     func(a, b any) bool
	initialData any

	dedupingInterval      time.Duration
	refreshInterval       time.Duration
	refreshWhenHidden     bool
	refreshWhenOffline    bool
	focusThrottleInterval time.Duration
	revalidateOnFocus     bool
	revalidateOnReconnect bool
	revalidateOnMount     *bool
	loadingTimeout        time.Duration

	errorRetryCount    int
	errorRetryInterval time.Duration
	shouldRetryOnError bool
	onErrorRetry       RetryFunc
	backoff            *retry.Backoff

	onSuccess     func(data any, key string)
	onError       func(err error, key string)
	onLoadingSlow func(key string)

	// Engine-wide settings. These are ignored when given to Subscribe.
	clock           clock.Clock
	env             env.Environment
	store           *cache.Store
	listenerErrHook func(*broadcast.ListenerError)
}

// Option is a function that sets a value in a config.
type Option func(*config) error

func defaultConfig() config {
	return config{
		compare:               defaultCompare,
		dedupingInterval:      defaultDedupingInterval,
		focusThrottleInterval: defaultFocusThrottleInterval,
		revalidateOnFocus:     true,
		revalidateOnReconnect: true,
		loadingTimeout:        defaultLoadingTimeout,
		errorRetryCount:       -1,
		errorRetryInterval:    defaultErrorRetryInterval,
		shouldRetryOnError:    true,
	}
}

// getOpts applies Options on top of base and returns the resulting config.
func getOpts(base config, opts []Option) (config, error) {
	cfg := base
	// Do not let options append to the base slice.
	cfg.middlewares = base.middlewares[:len(base.middlewares):len(base.middlewares)]
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	cfg.backoff = retry.NewBackoff(cfg.errorRetryInterval, true)
	return cfg, nil
}

// revalidatesOnMount reports whether a new subscription fetches right away.
// Unless set explicitly, it does so only when there is no initial data.
func (c *config) revalidatesOnMount() bool {
	if c.revalidateOnMount != nil {
		return *c.revalidateOnMount
	}
	return c.initialData == nil
}

func (c *config) chainedFetcher() Fetcher {
	if c.fetcher == nil {
		return nil
	}
	return chain(c.fetcher, c.middlewares)
}

func nonNegative(d time.Duration) error {
	if d < 0 {
		return errNegative
	}
	return nil
}

// WithFetcher sets the function used to fetch the data for a key. Given to
// New, it is the default fetcher for all subscriptions.
func WithFetcher(f Fetcher) Option {
	return func(cfg *config) error {
		cfg.fetcher = f
		return nil
	}
}

// WithMiddleware adds fetcher middleware. The first middleware added is the
// outermost wrapper. Middleware given to Subscribe is added after the
// engine's middleware.
func WithMiddleware(mw ...Middleware) Option {
	return func(cfg *config) error {
		for _, m := range mw {
			if m == nil {
				return errors.New("nil middleware")
			}
		}
		cfg.middlewares = append(cfg.middlewares, mw...)
		return nil
	}
}

// WithDedupingInterval sets how long a fetch for a key is shared with other
// requests for the same key, measured from when the fetch started. A fetch
// that fails is not shared after it settles. A value of 0 disables
// deduplication.
//
// Default is 2 seconds.
func WithDedupingInterval(d time.Duration) Option {
	return func(cfg *config) error {
		if err := nonNegative(d); err != nil {
			return err
		}
		cfg.dedupingInterval = d
		return nil
	}
}

// WithRefreshInterval sets the polling interval. If set to 0, then polling is
// disabled.
//
// Default is 0.
func WithRefreshInterval(d time.Duration) Option {
	return func(cfg *config) error {
		if err := nonNegative(d); err != nil {
			return err
		}
		cfg.refreshInterval = d
		return nil
	}
}

// WithRefreshWhenHidden allows polling while the environment is not visible.
func WithRefreshWhenHidden(enable bool) Option {
	return func(cfg *config) error {
		cfg.refreshWhenHidden = enable
		return nil
	}
}

// WithRefreshWhenOffline allows polling while the environment is offline.
func WithRefreshWhenOffline(enable bool) Option {
	return func(cfg *config) error {
		cfg.refreshWhenOffline = enable
		return nil
	}
}

// WithFocusThrottleInterval sets the minimum time between two revalidations
// caused by focus events, and between two caused by reconnect events.
//
// Default is 5 seconds.
func WithFocusThrottleInterval(d time.Duration) Option {
	return func(cfg *config) error {
		if err := nonNegative(d); err != nil {
			return err
		}
		cfg.focusThrottleInterval = d
		return nil
	}
}

// WithRevalidateOnFocus sets whether focus events trigger revalidation.
//
// Default is true.
func WithRevalidateOnFocus(enable bool) Option {
	return func(cfg *config) error {
		cfg.revalidateOnFocus = enable
		return nil
	}
}

// WithRevalidateOnReconnect sets whether reconnect events trigger
// revalidation.
//
// Default is true.
func WithRevalidateOnReconnect(enable bool) Option {
	return func(cfg *config) error {
		cfg.revalidateOnReconnect = enable
		return nil
	}
}

// WithRevalidateOnMount sets whether a new subscription revalidates its key.
// When not set, a subscription revalidates on mount unless it has initial
// data.
func WithRevalidateOnMount(enable bool) Option {
	return func(cfg *config) error {
		cfg.revalidateOnMount = &enable
		return nil
	}
}

// WithInitialData sets the data a subscription reports while its key has no
// cached data. Initial data is never written to the cache.
func WithInitialData(data any) Option {
	return func(cfg *config) error {
		cfg.initialData = data
		return nil
	}
}

// WithLoadingTimeout sets how long a fetch of a key without cached data may
// run before the slow loading callback is called. A value of 0 disables the
// callback.
//
// Default is 3 seconds.
func WithLoadingTimeout(d time.Duration) Option {
	return func(cfg *config) error {
		if err := nonNegative(d); err != nil {
			return err
		}
		cfg.loadingTimeout = d
		return nil
	}
}

// WithErrorRetryCount sets the maximum number of retries after a fetch
// fails. A negative value means no limit, and 0 disables retries.
//
// Default is -1.
func WithErrorRetryCount(n int) Option {
	return func(cfg *config) error {
		cfg.errorRetryCount = n
		return nil
	}
}

// WithErrorRetryInterval sets the delay before the first retry. Later retries
// back off exponentially.
//
// Default is 5 seconds.
func WithErrorRetryInterval(d time.Duration) Option {
	return func(cfg *config) error {
		if err := nonNegative(d); err != nil {
			return err
		}
		cfg.errorRetryInterval = d
		return nil
	}
}

// WithShouldRetryOnError sets whether failed fetches are retried at all.
//
// Default is true.
func WithShouldRetryOnError(enable bool) Option {
	return func(cfg *config) error {
		cfg.shouldRetryOnError = enable
		return nil
	}
}

// WithErrorRetry replaces the default retry policy.
func WithErrorRetry(fn RetryFunc) Option {
	return func(cfg *config) error {
		cfg.onErrorRetry = fn
		return nil
	}
}

// WithCompare sets the function that decides whether fetched data equals the
// cached data. Equal data is not replaced.
func WithCompare(fn func(a, b any) bool) Option {
	return func(cfg *config) error {
		if fn == nil {
			fn = defaultCompare
		}
		cfg.compare = fn
		return nil
	}
}

// WithOnSuccess sets a function called after a fetch started by the
// subscription succeeds.
func WithOnSuccess(fn func(data any, key string)) Option {
	return func(cfg *config) error {
		cfg.onSuccess = fn
		return nil
	}
}

// WithOnError sets a function called after a fetch started by the
// subscription fails.
func WithOnError(fn func(err error, key string)) Option {
	return func(cfg *config) error {
		cfg.onError = fn
		return nil
	}
}

// WithOnLoadingSlow sets a function called when a fetch of a key without
// cached data takes longer than the loading timeout.
func WithOnLoadingSlow(fn func(key string)) Option {
	return func(cfg *config) error {
		cfg.onLoadingSlow = fn
		return nil
	}
}

// WithClock sets the clock used for all timers. Only used by New.
func WithClock(clk clock.Clock) Option {
	return func(cfg *config) error {
		if clk != nil {
			cfg.clock = clk
		}
		return nil
	}
}

// WithEnvironment sets the source of visibility, connectivity, focus and
// reconnect information. Only used by New.
//
// Default is env.Static.
func WithEnvironment(e env.Environment) Option {
	return func(cfg *config) error {
		if e != nil {
			cfg.env = e
		}
		return nil
	}
}

// WithStore sets the cache store. Only used by New.
func WithStore(s *cache.Store) Option {
	return func(cfg *config) error {
		if s != nil {
			cfg.store = s
		}
		return nil
	}
}

// WithListenerErrorHook sets a function called whenever a listener panics.
// Only used by New.
func WithListenerErrorHook(fn func(*broadcast.ListenerError)) Option {
	return func(cfg *config) error {
		cfg.listenerErrHook = fn
		return nil
	}
}
