package fetcher

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrBodyTooLarge = errors.New("response body exceeds size limit")
	ErrNoFeedFound  = errors.New("no feed discovered")
	ErrInvalidURL   = errors.New("invalid url")
)

// NetworkError is a transport level failure: DNS, refused or reset connections, deadlines.
type NetworkError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("fetch %s: timeout: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StatusError is returned for any response that is neither 2xx nor 304.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
	// RetryAfter is zero when the server sent no usable Retry-After header.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("fetch %s: http %s", e.URL, status)
}

// Temporary reports whether the server may succeed later (429 and 5xx).
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
