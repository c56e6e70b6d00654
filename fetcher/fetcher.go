package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Songmu/go-httpdate"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultUserAgent    = "rss-aggregator/1.0"
	DefaultMaxBodyBytes = 16 << 20

	acceptHeader = "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.9, */*;q=0.8"
)

type Options struct {
	Timeout         time.Duration
	UserAgent       string
	MaxBodyBytes    int64
	MaxConnsPerHost int
}

// Request carries the URL and the validators stored from the previous successful fetch.
type Request struct {
	URL          string
	ETag         string
	LastModified string
}

type Response struct {
	URL          string
	StatusCode   int
	NotModified  bool
	Body         []byte
	ContentType  string
	ETag         string
	LastModified string
	FetchedAt    time.Time
}

// Fetcher retrieves feed documents over one pooled HTTP client.
type Fetcher struct {
	client       *http.Client
	transport    *http.Transport
	timeout      time.Duration
	userAgent    string
	maxBodyBytes int64
}

func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 4
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: opts.MaxConnsPerHost,
		MaxConnsPerHost:     opts.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Fetcher{
		client:       &http.Client{Transport: transport},
		transport:    transport,
		timeout:      opts.Timeout,
		userAgent:    opts.UserAgent,
		maxBodyBytes: opts.MaxBodyBytes,
	}
}

// Close releases idle pooled connections.
func (f *Fetcher) Close() {
	f.transport.CloseIdleConnections()
}

// Fetch performs one conditional GET. A 304 yields a Response with NotModified set and no body.
func (f *Fetcher) Fetch(ctx context.Context, r Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", acceptHeader)
	if r.ETag != "" {
		req.Header.Set("If-None-Match", r.ETag)
	}
	if r.LastModified != "" {
		req.Header.Set("If-Modified-Since", r.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, networkError(ctx, r.URL, err)
	}
	defer resp.Body.Close()

	out := &Response{
		URL:        r.URL,
		StatusCode: resp.StatusCode,
		FetchedAt:  time.Now().UTC(),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		out.URL = resp.Request.URL.String()
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		out.NotModified = true
		out.ETag = r.ETag
		out.LastModified = r.LastModified
		return out, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{
			URL:        r.URL,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After"), out.FetchedAt),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, networkError(ctx, r.URL, err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("fetch %s: %w (%d bytes)", r.URL, ErrBodyTooLarge, f.maxBodyBytes)
	}

	out.Body = body
	out.ContentType = resp.Header.Get("Content-Type")
	out.ETag = strings.TrimSpace(resp.Header.Get("ETag"))
	out.LastModified = normalizeHTTPDate(resp.Header.Get("Last-Modified"))
	return out, nil
}

func networkError(ctx context.Context, url string, err error) error {
	var netErr net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())
	return &NetworkError{URL: url, Timeout: timeout, Err: err}
}

// retryAfter accepts both delta-seconds and HTTP-date forms.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	t, err := httpdate.Str2Time(v, time.UTC)
	if err != nil || !t.After(now) {
		return 0
	}
	return t.Sub(now)
}

func normalizeHTTPDate(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	t, err := httpdate.Str2Time(v, time.UTC)
	if err != nil || t.IsZero() {
		return v
	}
	return t.UTC().Format(http.TimeFormat)
}
