package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/lyndonlyu/workhorse/internal/pool"
)

// ErrorKind classifies an error for retry decisions.
type ErrorKind int

const (
	Retriable    ErrorKind = iota // transient, worth retrying
	NonRetriable                  // permanent, fail immediately
	Unknown                       // unclassified, retried only when the policy allows it
)

func (k ErrorKind) String() string {
	switch k {
	case Retriable:
		return "RETRIABLE"
	case NonRetriable:
		return "NON_RETRIABLE"
	default:
		return "UNKNOWN"
	}
}

// classified pins an explicit kind onto an error.
type classified struct {
	err  error
	kind ErrorKind
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Permanent marks err as non-retriable regardless of its text.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, kind: NonRetriable}
}

// Transient marks err as retriable regardless of its text.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, kind: Retriable}
}

// nonRetriableKeywords in an error message indicate permanent failures.
var nonRetriableKeywords = []string{
	"malformed",
	"permission denied",
	"invalid",
	"not found",
	"unauthorized",
}

// retriableKeywords in an error message indicate transient failures.
var retriableKeywords = []string{
	"timeout",
	"rate limit",
	"connection",
	"temporary",
	"unavailable",
	"reset",
}

// Classify determines if an error is worth retrying. Explicit markers win,
// then well-known error values, then keywords in the message.
func Classify(err error) ErrorKind {
	if err == nil {
		return Unknown
	}

	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}

	// The caller gave up; retrying would ignore its decision.
	if errors.Is(err, context.Canceled) {
		return NonRetriable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retriable
	}
	if errors.Is(err, pool.ErrPoolExhausted) {
		return Retriable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retriable
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Retriable
	}

	lower := strings.ToLower(err.Error())

	// Non-retriable keywords take priority.
	for _, kw := range nonRetriableKeywords {
		if strings.Contains(lower, kw) {
			return NonRetriable
		}
	}
	for _, kw := range retriableKeywords {
		if strings.Contains(lower, kw) {
			return Retriable
		}
	}

	return Unknown
}
