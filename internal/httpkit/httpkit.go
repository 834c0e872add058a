// Package httpkit builds the HTTP clients Parley uses to reach model
// providers and to download images referenced by user messages.
package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/parleyhq/parley/internal/buildinfo"
)

const (
	dialTimeout   = 10 * time.Second
	tlsTimeout    = 10 * time.Second
	headerTimeout = 15 * time.Second
	idleTimeout   = 90 * time.Second
)

// ErrTooLarge is returned by Fetch when the body exceeds the limit.
var ErrTooLarge = errors.New("response body exceeds limit")

// StatusError is a non-2xx response. Body holds the start of the
// response body, which providers use for the error detail.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// Option tunes a client built by NewClient.
type Option func(*options)

type options struct {
	timeout       time.Duration
	headerTimeout time.Duration
	retries       int
	retryDelay    time.Duration
}

// WithTimeout bounds each request end to end. Zero means no bound;
// model calls use it because generation time is open-ended and they
// carry a context deadline instead.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHeaderTimeout bounds the wait for response headers, which some
// providers only send once generation has finished.
func WithHeaderTimeout(d time.Duration) Option {
	return func(o *options) { o.headerTimeout = d }
}

// WithRetry retries up to n times, delay apart, when the connection
// could not be opened at all. Requests with a body that cannot be
// replayed are never retried.
func WithRetry(n int, delay time.Duration) Option {
	return func(o *options) {
		o.retries = n
		o.retryDelay = delay
	}
}

// NewClient returns a client with a 30 second timeout unless overridden.
// Requests without a User-Agent get Parley's.
func NewClient(opts ...Option) *http.Client {
	o := options{timeout: 30 * time.Second, headerTimeout: headerTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &http.Client{
		Timeout: o.timeout,
		Transport: &transport{
			base: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   tlsTimeout,
				ResponseHeaderTimeout: o.headerTimeout,
				IdleConnTimeout:       idleTimeout,
				MaxIdleConnsPerHost:   5,
				ForceAttemptHTTP2:     true,
			},
			userAgent: buildinfo.UserAgent(),
			retries:   o.retries,
			delay:     o.retryDelay,
		},
	}
}

type transport struct {
	base      http.RoundTripper
	userAgent string
	retries   int
	delay     time.Duration
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	req = req.Clone(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req)
		if err == nil || attempt >= t.retries || !replayable || !connectFailed(err) {
			return resp, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.delay):
		}
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("replay request body: %w", err)
			}
			req.Body = body
		}
	}
}

// connectFailed reports errors raised before any byte reached the
// server, which makes a retry safe for every method.
func connectFailed(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

// CheckStatus returns nil for a 2xx response. Otherwise it closes the
// body and returns a *StatusError holding up to limit bytes of it.
func CheckStatus(resp *http.Response, limit int64) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer discard(resp.Body)
	body, _ := io.ReadAll(io.LimitReader(resp.Body, limit))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}

// discard drains what is left of a body so the connection can be reused.
func discard(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 4096))
	rc.Close()
}

// Fetch downloads url and returns its body, at most limit bytes, with
// the Content-Type the server reported.
func Fetch(ctx context.Context, client *http.Client, url string, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", url, err)
	}
	if err := CheckStatus(resp, 512); err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer discard(resp.Body)

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("fetch %s: %w (%d bytes)", url, ErrTooLarge, limit)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
