package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// MaxRetryAfter caps how long a receiver can push a timer back with Retry-After.
const MaxRetryAfter = time.Hour

// ErrorKind groups delivery failures for retry decisions, logs and metrics.
type ErrorKind string

const (
	KindConnection     ErrorKind = "connection"
	KindTimeout        ErrorKind = "timeout"
	KindHTTPStatus     ErrorKind = "http_status"
	KindCanceled       ErrorKind = "canceled"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindRateLimited    ErrorKind = "rate_limited"
	KindUnknown        ErrorKind = "unknown"
)

func (k ErrorKind) String() string { return string(k) }

// DeliveryError describes a failed webhook call.
type DeliveryError struct {
	StatusCode int
	Kind       ErrorKind
	Retryable  bool
	// RetryAfter is the receiver's Retry-After hint, zero when absent.
	RetryAfter time.Duration
	Message    string
	Cause      error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "webhook delivery failed", "kind="+string(e.Kind))

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsRetryable reports whether a failed delivery should be attempted again.
// Errors that cannot be classified are retryable: a duplicate notification is
// preferable to a missed one.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Retryable
	}

	return true
}

// KindOf returns the failure kind of err, KindUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Kind
	}
	return KindUnknown
}

// StatusCodeOf returns the HTTP status carried by err, if any.
func StatusCodeOf(err error) int {
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.StatusCode
	}
	return 0
}

// RetryAfterOf returns the Retry-After hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.RetryAfter
	}
	return 0
}

// classifyTransportError maps an error returned before any HTTP status was read.
func classifyTransportError(err error) *DeliveryError {
	kind := KindUnknown

	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case isTimeout(err):
		kind = KindTimeout
	case isConnectionError(err):
		kind = KindConnection
	}

	return &DeliveryError{
		Kind:      kind,
		Retryable: true,
		Message:   "webhook request failed",
		Cause:     err,
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// classifyStatus maps a non-2xx response status.
func classifyStatus(statusCode int, body string, retryAfter time.Duration) *DeliveryError {
	retryable := isRetryableHTTPStatus(statusCode)
	if !retryable {
		retryAfter = 0
	}

	return &DeliveryError{
		StatusCode: statusCode,
		Kind:       KindHTTPStatus,
		Retryable:  retryable,
		RetryAfter: retryAfter,
		Message:    statusErrorMessage(statusCode, body),
	}
}

// parseRetryAfter reads a Retry-After header given as delay seconds or an
// HTTP date. Missing, malformed and past values yield zero.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	var d time.Duration
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		if seconds > int64(MaxRetryAfter/time.Second) {
			return MaxRetryAfter
		}
		d = time.Duration(seconds) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		d = at.Sub(now)
	}

	switch {
	case d <= 0:
		return 0
	case d > MaxRetryAfter:
		return MaxRetryAfter
	default:
		return d
	}
}

func isRetryableHTTPStatus(statusCode int) bool {
	switch {
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return true
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		return false
	default:
		return true
	}
}

func statusErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("webhook returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
