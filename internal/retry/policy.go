package retry

import (
	"context"
	"math"
	"time"
)

// Policy configures retry behaviour with exponential backoff.
type Policy struct {
	MaxAttempts  int
	InitDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	RetryUnknown bool
}

// DefaultPolicy returns the client defaults: three attempts, 100ms doubling
// up to 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		InitDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Second,
	}
}

// Delay returns the wait after the given failed attempt (1-based):
// InitDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.InitDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ShouldRetry reports whether an error of the given kind is retried.
func (p Policy) ShouldRetry(kind ErrorKind) bool {
	switch kind {
	case Retriable:
		return true
	case Unknown:
		return p.RetryUnknown
	default:
		return false
	}
}

// Report summarises a Do run.
type Report struct {
	Attempts    int
	Kind        ErrorKind // classification of the last error
	Interrupted bool      // ctx ended while waiting to retry
}

// Observer is notified after every failed attempt. wait is the backoff
// before the next attempt, zero when Do is giving up.
type Observer func(attempt int, err error, kind ErrorKind, wait time.Duration)

// Do runs fn until it succeeds, returns an error the policy does not retry,
// or MaxAttempts is used up. The returned error is the last one fn produced,
// or ctx.Err() if the context ended first.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error), obs Observer) (T, Report, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var rep Report
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			rep.Interrupted = true
			if lastErr == nil {
				lastErr = err
			}
			return zero, rep, lastErr
		}

		rep.Attempts = attempt
		res, err := fn(ctx, attempt)
		if err == nil {
			return res, rep, nil
		}
		lastErr = err
		rep.Kind = Classify(err)

		if !p.ShouldRetry(rep.Kind) || attempt == maxAttempts {
			if obs != nil {
				obs(attempt, err, rep.Kind, 0)
			}
			return zero, rep, err
		}

		wait := p.Delay(attempt)
		if obs != nil {
			obs(attempt, err, rep.Kind, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			rep.Interrupted = true
			return zero, rep, err
		case <-timer.C:
		}
	}
	return zero, rep, lastErr
}
