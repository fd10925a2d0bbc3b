package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrSessionClosed is returned by Push after the session ended.
var ErrSessionClosed = errors.New("ai: session closed")

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindConnection  ErrorKind = "connection"
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindServer      ErrorKind = "server"
	KindProtocol    ErrorKind = "protocol"
	KindUnsupported ErrorKind = "unsupported"
)

// DefaultRetryAfter applies to 429 responses without a usable Retry-After.
const DefaultRetryAfter = time.Second

// Error is a classified provider failure.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s error (HTTP %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	case e.Kind == KindRateLimited:
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Op, e.RetryAfter)
	default:
		return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether a later attempt may succeed without a
// configuration change.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindConnection, KindRateLimited, KindServer:
		return true
	}
	return false
}

// RetryAfterOf returns how long to wait before retrying err, or 0 when err
// carries no retry hint.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Retriable() {
		return e.RetryAfter
	}
	return 0
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsAuth reports whether err is an authorization failure.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// IsCanceled reports whether err stems from context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// ConnectionError wraps a transport failure.
func ConnectionError(op string, err error) *Error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

// ProtocolError reports a malformed or unexpected server message.
func ProtocolError(op, msg string) *Error {
	return &Error{Kind: KindProtocol, Op: op, Message: msg}
}

// FromResponse classifies a non-2xx HTTP response. body is the (possibly
// truncated) response body used as the message.
func FromResponse(op string, resp *http.Response, body string) *Error {
	e := &Error{Op: op, StatusCode: resp.StatusCode, Message: body}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = KindAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindProtocol
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return DefaultRetryAfter
}
