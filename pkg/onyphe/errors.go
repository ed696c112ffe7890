package onyphe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/onyphe-client/pkg/pagination"
	"github.com/Sternrassler/onyphe-client/pkg/transport"
)

// ErrInvalidArgument is returned when a call fails its structural preconditions.
// Such calls never reach the network.
var ErrInvalidArgument = errors.New("invalid argument")

// missingErrorText is used when a rejection carries no parseable envelope.
const missingErrorText = "error text is missing"

// ErrorKind is the coarse outcome class of a failed call.
type ErrorKind string

// Error kinds.
const (
	KindTransport ErrorKind = "transport"
	KindAPI       ErrorKind = "api"
	KindDecode    ErrorKind = "decode"
	KindInvalid   ErrorKind = "invalid"
	KindUnknown   ErrorKind = "unknown"
)

// APIError is a request the server rejected.
type APIError struct {
	StatusCode int

	// Code is the envelope "error" field, -1 when the body was not an envelope.
	Code int

	Message   string
	RequestID string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("onyphe api error (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// RateLimitError is an HTTP 429 from the server, or a local block while a
// previous 429's cooldown is still running.
type RateLimitError struct {
	APIError
	RetryAfter time.Duration

	// Local is true when the request was never sent.
	Local bool
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.Local {
		return fmt.Sprintf("rate limiting triggered: cooling down, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limiting triggered (status %d): %s, retry after %s", e.StatusCode, e.Message, e.RetryAfter)
}

// Unwrap exposes the embedded APIError to errors.As.
func (e *RateLimitError) Unwrap() error {
	return &e.APIError
}

// DecodeError is a malformed envelope or stream object. Index is the zero-based
// stream position, or -1 for a single-document response.
type DecodeError struct {
	Index int
	Err   error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("decode response: %v", e.Err)
	}
	return fmt.Sprintf("decode stream object %d: %v", e.Index, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Kind classifies err. It returns "" for a nil error.
func Kind(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var (
		decodeErr    *DecodeError
		apiErr       *APIError
		transportErr *transport.Error
	)
	switch {
	case errors.As(err, &decodeErr):
		return KindDecode
	case errors.As(err, &apiErr):
		return KindAPI
	case errors.As(err, &transportErr),
		errors.Is(err, transport.ErrSessionClosed):
		return KindTransport
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, pagination.ErrInvalidRange),
		errors.Is(err, transport.ErrInvalidConfig):
		return KindInvalid
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransport
	default:
		return KindUnknown
	}
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
