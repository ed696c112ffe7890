package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common errors returned by the session.
var (
	// ErrSessionClosed is returned by Perform after Close.
	ErrSessionClosed = errors.New("transport session closed")

	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid transport config")

	// ErrTotalTimeout means the whole exchange exceeded Timeouts.Total.
	ErrTotalTimeout = errors.New("total timeout exceeded")

	// ErrConnectTimeout means acquiring a pooled connection exceeded Timeouts.Connect.
	ErrConnectTimeout = errors.New("connection acquisition timeout exceeded")

	// ErrSockReadTimeout means waiting for bytes exceeded Timeouts.SockRead.
	ErrSockReadTimeout = errors.New("socket read timeout exceeded")

	// ErrSockConnectTimeout means a single dial exceeded Timeouts.SockConnect.
	ErrSockConnectTimeout = errors.New("socket connect timeout exceeded")
)

var timeoutCauses = []error{
	ErrTotalTimeout,
	ErrConnectTimeout,
	ErrSockReadTimeout,
	ErrSockConnectTimeout,
}

// Error is a network-level fault: DNS, dial, proxy, read or timeout.
// It is never an API rejection; those come back as a Response.
type Error struct {
	// Op is the failing step: dns, dial, proxy, request, read or wait.
	Op string

	// Timeout is true when a timeout budget was exhausted.
	Timeout bool

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("transport %s timeout: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// classify turns a raw net/http failure into an *Error, attributing it to the
// exhausted budget when the request context was cancelled by one of our timers.
func classify(ctx context.Context, op string, err error) error {
	var te *Error
	if errors.As(err, &te) {
		return err
	}

	if ctx != nil {
		cause := context.Cause(ctx)
		for _, sentinel := range timeoutCauses {
			if errors.Is(cause, sentinel) && !errors.Is(err, sentinel) {
				err = fmt.Errorf("%w: %w", sentinel, err)
				break
			}
		}
	}

	e := &Error{Op: op, Err: err}
	for _, sentinel := range timeoutCauses {
		if errors.Is(err, sentinel) {
			e.Timeout = true
			break
		}
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.As(err, &dnsErr):
		e.Op = "dns"
	case errors.As(err, &opErr) && opErr.Op == "proxyconnect":
		e.Op = "proxy"
	case errors.As(err, &opErr) && opErr.Op == "dial":
		e.Op = "dial"
	}

	var netErr net.Error
	if !e.Timeout && errors.As(err, &netErr) && netErr.Timeout() {
		e.Timeout = true
	}

	transportErrorsTotal.WithLabelValues(e.Op).Inc()
	return e
}
