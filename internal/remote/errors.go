package remote

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrRemoteCallFailed matches every *CallError.
	ErrRemoteCallFailed = errors.New("remote: call failed")
	// ErrUnknownOperation is returned for operations with no handler.
	ErrUnknownOperation = errors.New("remote: unknown operation")
	// ErrClientClosed is returned by Call after Close.
	ErrClientClosed = errors.New("remote: client closed")
)

// CallAttempt records one try of a call.
type CallAttempt struct {
	Number  int           `json:"number"`
	Start   time.Time     `json:"start"`
	Latency time.Duration `json:"latency"`
	Err     error         `json:"-"`
}

// CallError is returned when a call ultimately fails. Permanent is set when
// the last error was not worth retrying and the retry budget was not spent.
type CallError struct {
	Operation string
	Attempts  int
	History   []CallAttempt
	Cause     error
	Permanent bool
}

func (e *CallError) Error() string {
	kind := "after retries"
	if e.Permanent {
		kind = "permanent"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "remote: %s failed (%s, %d attempt", e.Operation, kind, e.Attempts)
	if e.Attempts != 1 {
		b.WriteByte('s')
	}
	fmt.Fprintf(&b, "): %v", e.Cause)
	return b.String()
}

func (e *CallError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrRemoteCallFailed) true for every CallError.
func (e *CallError) Is(target error) bool { return target == ErrRemoteCallFailed }
