// Package sim is an in-memory stand-in for a remote service. It injects
// latency and periodic transient failures so the client's pooling, retry
// and batching paths can be exercised without a network.
package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// ErrConnClosed is returned by Do on a closed connection.
var ErrConnClosed = errors.New("sim: connection closed")

// Operations lists what the service answers to.
var Operations = []string{"echo", "upper", "reject"}

// Response is what the simulated service answers.
type Response struct {
	Operation string `json:"operation"`
	Value     string `json:"value"`
	ConnID    int64  `json:"conn_id"`
}

// Backend is a flaky service. Every FailEvery-th request fails with a
// connection reset; zero disables failures.
type Backend struct {
	Latency   time.Duration
	FailEvery int64

	requests atomic.Int64
	dials    atomic.Int64
	open     atomic.Int64
	batches  atomic.Int64
}

// Dial opens a connection.
func (b *Backend) Dial(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := b.dials.Add(1)
	b.open.Add(1)
	return &Conn{id: id, backend: b}, nil
}

// Requests returns how many requests reached the backend, batched
// requests counting once per round trip.
func (b *Backend) Requests() int64 { return b.requests.Load() }

// Dials returns how many connections were opened.
func (b *Backend) Dials() int64 { return b.dials.Load() }

// Open returns how many connections are currently open.
func (b *Backend) Open() int64 { return b.open.Load() }

// Batches returns how many batch round trips were served.
func (b *Backend) Batches() int64 { return b.batches.Load() }

// roundTrip waits out the latency and decides whether to fail.
func (b *Backend) roundTrip(ctx context.Context) error {
	n := b.requests.Add(1)
	if b.Latency > 0 {
		t := time.NewTimer(b.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if b.FailEvery > 0 && n%b.FailEvery == 0 {
		return fmt.Errorf("sim: request %d: connection reset by peer", n)
	}
	return nil
}

// Conn is one connection to the Backend.
type Conn struct {
	id      int64
	backend *Backend
	closed  atomic.Bool
}

// ID identifies the connection.
func (c *Conn) ID() int64 { return c.id }

// Close closes the connection. Closing twice is a no-op.
func (c *Conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.backend.open.Add(-1)
	}
	return nil
}

// Do performs one request. Supported operations: "echo" returns the
// argument, "upper" upper-cases it, "reject" always fails permanently.
func (c *Conn) Do(ctx context.Context, op string, arg any) (Response, error) {
	if c.closed.Load() {
		return Response{}, ErrConnClosed
	}
	if err := c.backend.roundTrip(ctx); err != nil {
		return Response{}, err
	}
	return c.answer(op, arg)
}

// DoBatch performs several requests of one operation in a single round trip.
func (c *Conn) DoBatch(ctx context.Context, op string, args []any) ([]Response, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	if err := c.backend.roundTrip(ctx); err != nil {
		return nil, err
	}
	c.backend.batches.Add(1)
	out := make([]Response, len(args))
	for i, arg := range args {
		res, err := c.answer(op, arg)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

func (c *Conn) answer(op string, arg any) (Response, error) {
	val := fmt.Sprint(arg)
	switch op {
	case "echo":
	case "upper":
		val = strings.ToUpper(val)
	case "reject":
		return Response{}, fmt.Errorf("sim: invalid request %q", val)
	default:
		return Response{}, fmt.Errorf("sim: operation %q not found", op)
	}
	return Response{Operation: op, Value: val, ConnID: c.id}, nil
}
