package services

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxErrorBodyBytes = 2048

// StatusError classifies a non-2xx collaborator response into one of the
// sentinel classes. The body is read (bounded) for the message; callers still
// own closing it.
func StatusError(stage, operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = resp.Status
	}
	detail := "http " + strconv.Itoa(resp.StatusCode) + ": " + message

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return withRetryAfter(resp, Wrap(ErrRateLimited, stage, operation, detail, nil))
	case resp.StatusCode == http.StatusServiceUnavailable:
		return withRetryAfter(resp, Wrap(ErrTransient, stage, operation, detail, nil))
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= http.StatusInternalServerError:
		return Wrap(ErrTransient, stage, operation, detail, nil)
	case resp.StatusCode == http.StatusNotFound:
		return Wrap(ErrNotFound, stage, operation, detail, nil)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Wrap(ErrConfiguration, stage, operation, detail, nil)
	default:
		return Wrap(ErrValidation, stage, operation, detail, nil)
	}
}

// DelayedError carries a server-requested wait before the next attempt.
type DelayedError struct {
	Err   error
	Delay time.Duration
}

func (e *DelayedError) Error() string { return e.Err.Error() }

func (e *DelayedError) Unwrap() error { return e.Err }

func withRetryAfter(resp *http.Response, err error) error {
	if delay, ok := RetryAfter(resp); ok {
		return &DelayedError{Err: err, Delay: delay}
	}
	return err
}

// RetryAfter extracts a server-requested delay from a 429/503 response.
func RetryAfter(resp *http.Response) (time.Duration, bool) {
	value := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		if delay := time.Until(when); delay > 0 {
			return delay, true
		}
	}
	return 0, false
}
