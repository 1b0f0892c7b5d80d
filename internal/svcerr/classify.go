package svcerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// FromStatus classifies an HTTP-style status code from a service response.
// body is included in the error message, truncated. It never returns
// InvalidInput; that kind is reserved for checks on the job's own input.
func FromStatus(status int, retryAfter string, body string) *Error {
	e := &Error{Status: status, Err: fmt.Errorf("%s", truncate(strings.TrimSpace(body), 200))}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = Transient
		e.RetryAfter = ParseRetryAfter(retryAfter)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Kind = Transient
	case status >= 400 && status <= 499:
		// A service rejecting a request we built is the service's failure,
		// never the job's input: the fallback chain moves on.
		e.Kind = Permanent
	default:
		e.Kind = Transient
		if status >= 500 {
			e.RetryAfter = ParseRetryAfter(retryAfter)
		}
	}
	return e
}

// FromNetwork classifies a transport-level error. Caller cancellation is
// Permanent; deadlines and network timeouts are Transient.
func FromNetwork(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: Permanent, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Transient, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: Transient, Err: err}
	}
	return &Error{Kind: Transient, Err: err}
}

// ParseRetryAfter accepts either delay-seconds or an HTTP date.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
