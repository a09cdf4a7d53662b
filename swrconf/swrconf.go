// Package swrconf reads engine configuration from a TOML file.
//
// Example:
//
//	deduping_interval = "2s"
//	refresh_interval = "1m"
//	error_retry_count = 5
//
//	[http]
//	endpoints = ["https://api.example.com", "/dns4/backup.example.com/tcp/443/https"]
//	timeout = "10s"
//	retry_max = 3
//
//	[http.headers]
//	Authorization = "Bearer token"
//
// Settings that are not present keep the engine defaults.
package swrconf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ipni/go-swr/httpfetch"
	"github.com/ipni/go-swr/swr"
	toml "github.com/pelletier/go-toml/v2"
)

const defaultConfigPath = "~/.config/swr/config.toml"

// Config holds the settings read from a configuration file. Nil fields were
// not set.
type Config struct {
	DedupingInterval      *string `toml:"deduping_interval"`
	RefreshInterval       *string `toml:"refresh_interval"`
	RefreshWhenHidden     *bool   `toml:"refresh_when_hidden"`
	RefreshWhenOffline    *bool   `toml:"refresh_when_offline"`
	FocusThrottleInterval *string `toml:"focus_throttle_interval"`
	RevalidateOnFocus     *bool   `toml:"revalidate_on_focus"`
	RevalidateOnReconnect *bool   `toml:"revalidate_on_reconnect"`
	RevalidateOnMount     *bool   `toml:"revalidate_on_mount"`
	LoadingTimeout        *string `toml:"loading_timeout"`
	ErrorRetryCount       *int    `toml:"error_retry_count"`
	ErrorRetryInterval    *string `toml:"error_retry_interval"`
	ShouldRetryOnError    *bool   `toml:"should_retry_on_error"`

	HTTP *HTTP `toml:"http"`
}

// HTTP configures an HTTP fetcher used as the engine's default fetcher.
type HTTP struct {
	Endpoints    []string          `toml:"endpoints"`
	Headers      map[string]string `toml:"headers"`
	Timeout      string            `toml:"timeout"`
	RetryMax     int               `toml:"retry_max"`
	RetryWaitMin string            `toml:"retry_wait_min"`
	RetryWaitMax string            `toml:"retry_wait_max"`
}

// Load reads the configuration file at path. An empty path means the default
// location. A missing file yields an empty Config.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses TOML configuration data.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Options converts the configuration into engine options.
func (c Config) Options() ([]swr.Option, error) {
	var opts []swr.Option
	durations := []struct {
		name  string
		value *string
		opt   func(time.Duration) swr.Option
	}{
		{"deduping_interval", c.DedupingInterval, swr.WithDedupingInterval},
		{"refresh_interval", c.RefreshInterval, swr.WithRefreshInterval},
		{"focus_throttle_interval", c.FocusThrottleInterval, swr.WithFocusThrottleInterval},
		{"loading_timeout", c.LoadingTimeout, swr.WithLoadingTimeout},
		{"error_retry_interval", c.ErrorRetryInterval, swr.WithErrorRetryInterval},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		dur, err := parseDuration(d.name, *d.value)
		if err != nil {
			return nil, err
		}
		opts = append(opts, d.opt(dur))
	}

	flags := []struct {
		value *bool
		opt   func(bool) swr.Option
	}{
		{c.RefreshWhenHidden, swr.WithRefreshWhenHidden},
		{c.RefreshWhenOffline, swr.WithRefreshWhenOffline},
		{c.RevalidateOnFocus, swr.WithRevalidateOnFocus},
		{c.RevalidateOnReconnect, swr.WithRevalidateOnReconnect},
		{c.RevalidateOnMount, swr.WithRevalidateOnMount},
		{c.ShouldRetryOnError, swr.WithShouldRetryOnError},
	}
	for _, f := range flags {
		if f.value != nil {
			opts = append(opts, f.opt(*f.value))
		}
	}
	if c.ErrorRetryCount != nil {
		opts = append(opts, swr.WithErrorRetryCount(*c.ErrorRetryCount))
	}

	if c.HTTP != nil && len(c.HTTP.Endpoints) != 0 {
		fetcher, err := c.HTTP.fetcher()
		if err != nil {
			return nil, err
		}
		opts = append(opts, swr.WithFetcher(fetcher.Fetch))
	}
	return opts, nil
}

func (h *HTTP) fetcher() (*httpfetch.Fetcher, error) {
	var opts []httpfetch.Option
	for k, v := range h.Headers {
		opts = append(opts, httpfetch.WithHeader(k, v))
	}
	if h.Timeout != "" {
		to, err := parseDuration("http.timeout", h.Timeout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, httpfetch.WithTimeout(to))
	}
	if h.RetryMax != 0 {
		waitMin, err := parseDuration("http.retry_wait_min", h.RetryWaitMin)
		if err != nil {
			return nil, err
		}
		waitMax, err := parseDuration("http.retry_wait_max", h.RetryWaitMax)
		if err != nil {
			return nil, err
		}
		opts = append(opts, httpfetch.WithRetryableHTTPClient(h.RetryMax, waitMin, waitMax))
	}
	return httpfetch.New(h.Endpoints, opts...)
}

func parseDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
