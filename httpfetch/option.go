package httpfetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

// Decoder converts a response body into the data stored in the cache.
type Decoder func(body []byte) (any, error)

type config struct {
	client           *http.Client
	header           http.Header
	timeout          time.Duration
	decode           Decoder
	httpRetryMax     int
	httpRetryWaitMin time.Duration
	httpRetryWaitMax time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		header:  make(http.Header),
		timeout: defaultTimeout,
		decode:  decodeAny,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithClient sets the http client used for requests. The client's timeout is
// replaced by the configured timeout.
func WithClient(c *http.Client) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.client = c
		}
		return nil
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(cfg *config) error {
		cfg.header.Add(key, value)
		return nil
	}
}

// WithTimeout sets the timeout for one request, including retries by the
// retryable client.
//
// Default is 30 seconds.
func WithTimeout(to time.Duration) Option {
	return func(cfg *config) error {
		if to < 0 {
			return errors.New("timeout must not be negative")
		}
		cfg.timeout = to
		return nil
	}
}

// WithDecoder sets how a response body is decoded.
//
// Default decodes JSON into generic values.
func WithDecoder(dec Decoder) Option {
	return func(cfg *config) error {
		if dec == nil {
			return errors.New("nil decoder")
		}
		cfg.decode = dec
		return nil
	}
}

// WithRetryableHTTPClient configures a retriable HTTP client that retries
// requests on connection errors and server errors. Setting retryMax to zero,
// the default, disables the retriable client.
func WithRetryableHTTPClient(retryMax int, waitMin, waitMax time.Duration) Option {
	return func(cfg *config) error {
		if waitMin > waitMax {
			return errors.New("minimum retry wait time cannot be greater than maximum")
		}
		if retryMax < 0 {
			retryMax = 0
		}
		cfg.httpRetryMax = retryMax
		cfg.httpRetryWaitMin = waitMin
		cfg.httpRetryWaitMax = waitMax
		return nil
	}
}

func decodeAny(body []byte) (any, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// JSON returns a Decoder that decodes a JSON body into a new T and returns a
// *T.
func JSON[T any]() Decoder {
	return func(body []byte) (any, error) {
		v := new(T)
		if err := json.Unmarshal(body, v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
