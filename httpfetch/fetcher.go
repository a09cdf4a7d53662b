// Package httpfetch provides a fetcher that gets the data for a key from an
// HTTP server.
//
// The arguments of a key become the request: string and numeric arguments
// are joined as path segments below the endpoint URL, and url.Values
// arguments are added to the query. A successful response body is decoded
// as JSON unless another Decoder is configured. A non-success response is
// returned as an *apierror.Error.
//
// Several endpoints may be given. If a request to one fails at the
// connection level, the next one is tried, and a working endpoint stays
// preferred for later requests.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/hashicorp/go-retryablehttp"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/go-swr/apierror"
	"github.com/ipni/go-swr/maurl"
)

var log = logging.Logger("swr/httpfetch")

// Fetcher gets key data over HTTP. Its Fetch method is an swr.Fetcher.
type Fetcher struct {
	client  *http.Client
	header  http.Header
	decode  Decoder
	urls    []*url.URL
	current atomic.Int32
}

// New creates a Fetcher for the given endpoints. Each endpoint is either an
// http or https URL, or a multiaddr such as /dns4/example.com/tcp/443/https.
func New(endpoints []string, options ...Option) (*Fetcher, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no endpoints")
	}
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	urls := make([]*url.URL, len(endpoints))
	for i, ep := range endpoints {
		urls[i], err = maurl.ParseEndpoint(ep)
		if err != nil {
			return nil, fmt.Errorf("bad endpoint %q: %w", ep, err)
		}
	}

	var cli http.Client
	if opts.client != nil {
		cli = *opts.client
	}
	cli.Timeout = opts.timeout
	httpClient := &cli

	if opts.httpRetryMax != 0 {
		rclient := &retryablehttp.Client{
			HTTPClient:   httpClient,
			Logger:       retryLogger{},
			RetryWaitMin: opts.httpRetryWaitMin,
			RetryWaitMax: opts.httpRetryWaitMax,
			RetryMax:     opts.httpRetryMax,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.DefaultBackoff,
		}
		httpClient = rclient.StandardClient()
	}

	return &Fetcher{
		client: httpClient,
		header: opts.header,
		decode: opts.decode,
		urls:   urls,
	}, nil
}

// Fetch requests the resource named by args and returns the decoded body.
func (f *Fetcher) Fetch(ctx context.Context, args ...any) (any, error) {
	start := int(f.current.Load())
	var lastErr error
	for i := range f.urls {
		n := (start + i) % len(f.urls)
		u, err := requestURL(f.urls[n], args)
		if err != nil {
			return nil, err
		}
		data, connErr, err := f.get(ctx, u)
		if err == nil {
			if n != start {
				f.current.Store(int32(n))
			}
			return data, nil
		}
		if !connErr || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if i != len(f.urls)-1 {
			log.Errorw("Fetch request failed, will retry with next address", "url", u.String(), "err", err)
		}
	}
	return nil, fmt.Errorf("fetch request failed: %w", lastErr)
}

// get performs one request. connErr reports whether err happened before a
// response was received.
func (f *Fetcher) get(ctx context.Context, u *url.URL) (data any, connErr bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false, err
	}
	for key, vals := range f.header {
		for _, val := range vals {
			req.Header.Add(key, val)
		}
	}
	req.Header.Add("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode != http.StatusOK {
		log.Debugw("Non success response", "url", u.String(), "status", resp.StatusCode)
		return nil, false, apierror.FromResponse(resp.StatusCode, body)
	}

	data, err = f.decode(body)
	if err != nil {
		return nil, false, fmt.Errorf("cannot decode response from %s: %w", u, err)
	}
	return data, false, nil
}

// String returns the preferred endpoint.
func (f *Fetcher) String() string {
	return f.urls[f.current.Load()].String()
}

func requestURL(base *url.URL, args []any) (*url.URL, error) {
	var elems []string
	query := base.Query()
	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			elems = append(elems, v)
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			elems = append(elems, fmt.Sprint(v))
		case url.Values:
			for key, vals := range v {
				for _, val := range vals {
					query.Add(key, val)
				}
			}
		case fmt.Stringer:
			elems = append(elems, v.String())
		default:
			return nil, fmt.Errorf("unsupported argument type %T", arg)
		}
	}
	u := base.JoinPath(elems...)
	u.RawQuery = query.Encode()
	return u, nil
}

// retryLogger sends retryable client logs to the package logger.
type retryLogger struct{}

func (retryLogger) Error(msg string, keysAndValues ...interface{}) {
	log.Errorw(msg, keysAndValues...)
}

func (retryLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Infow(msg, keysAndValues...)
}

func (retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	log.Debugw(msg, keysAndValues...)
}

func (retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	log.Warnw(msg, keysAndValues...)
}
