// Package batch coalesces concurrent requests that share a key into a
// single call of a batch function, flushing when a batch fills up or when
// its oldest request has waited long enough.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lyndonlyu/workhorse/internal/metrics"
)

// Default configuration constants.
const (
	DefaultMaxBatchSize = 16
	DefaultMaxWait      = 10 * time.Millisecond
)

var (
	// ErrBatchResultMismatch is returned to every request of a batch whose
	// function returned a different number of results than requests.
	ErrBatchResultMismatch = errors.New("batch: result count mismatch")
	// ErrCoalescerClosed is returned by Submit after Close.
	ErrCoalescerClosed = errors.New("batch: coalescer closed")
)

// Func processes one batch. results[i] answers reqs[i].
type Func[K comparable, Req, Res any] func(ctx context.Context, key K, reqs []Req) ([]Res, error)

// Config bounds batch size and latency.
type Config struct {
	MaxBatchSize int
	MaxWait      time.Duration
}

// Stats counts coalescer activity.
type Stats struct {
	Requests     int64 `json:"requests"`
	Batches      int64 `json:"batches"`
	SizeFlushes  int64 `json:"size_flushes"`
	TimerFlushes int64 `json:"timer_flushes"`
	CloseFlushes int64 `json:"close_flushes"`
	Mismatches   int64 `json:"mismatches"`
	Failures     int64 `json:"failures"`
}

type flushReason string

const (
	flushSize  flushReason = "size"
	flushTimer flushReason = "timer"
	flushClose flushReason = "close"
)

type outcome[Res any] struct {
	res Res
	err error
}

// pending is one submitted request and its single-assignment result slot.
type pending[Req, Res any] struct {
	req    Req
	result chan outcome[Res]
}

type group[K comparable, Req, Res any] struct {
	key   K
	items []pending[Req, Res]
	timer *time.Timer
}

// accumulator holds the open batch for one key.
type accumulator[K comparable, Req, Res any] struct {
	mu      sync.Mutex
	current *group[K, Req, Res]
	closed  bool
}

// Option configures a Coalescer.
type Option func(*options)

type options struct {
	name   string
	logger *zap.Logger
	sink   metrics.Sink
}

// WithName labels logs and metrics.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(s metrics.Sink) Option { return func(o *options) { o.sink = s } }

// Coalescer groups requests per key and runs fn once per batch.
type Coalescer[K comparable, Req, Res any] struct {
	fn     Func[K, Req, Res]
	cfg    Config
	name   string
	logger *zap.Logger
	sink   metrics.Sink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	accs   map[K]*accumulator[K, Req, Res]
	closed bool

	requests, batches                       atomic.Int64
	sizeFlushes, timerFlushes, closeFlushes atomic.Int64
	mismatches, failures                    atomic.Int64
}

// New creates a Coalescer around fn.
func New[K comparable, Req, Res any](cfg Config, fn Func[K, Req, Res], opts ...Option) *Coalescer[K, Req, Res] {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	o := options{name: "batch", logger: zap.NewNop(), sink: metrics.NoopSink{}}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coalescer[K, Req, Res]{
		fn:     fn,
		cfg:    cfg,
		name:   o.name,
		logger: o.logger.With(zap.String("coalescer", o.name)),
		sink:   o.sink,
		ctx:    ctx,
		cancel: cancel,
		accs:   make(map[K]*accumulator[K, Req, Res]),
	}
}

// Submit adds req to the open batch for key and waits for its result.
// If ctx ends first, ctx.Err() is returned; the request stays in its batch
// and its result is dropped.
func (c *Coalescer[K, Req, Res]) Submit(ctx context.Context, key K, req Req) (Res, error) {
	var zero Res

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, ErrCoalescerClosed
	}
	acc, ok := c.accs[key]
	if !ok {
		acc = &accumulator[K, Req, Res]{}
		c.accs[key] = acc
	}
	c.mu.Unlock()

	p := pending[Req, Res]{req: req, result: make(chan outcome[Res], 1)}

	acc.mu.Lock()
	if acc.closed {
		acc.mu.Unlock()
		return zero, ErrCoalescerClosed
	}
	g := acc.current
	if g == nil {
		g = &group[K, Req, Res]{key: key, items: make([]pending[Req, Res], 0, c.cfg.MaxBatchSize)}
		acc.current = g
		g.timer = time.AfterFunc(c.cfg.MaxWait, func() { c.flushOnTimer(acc, g) })
	}
	g.items = append(g.items, p)
	var full *group[K, Req, Res]
	if len(g.items) >= c.cfg.MaxBatchSize {
		g.timer.Stop()
		acc.current = nil
		c.wg.Add(1)
		full = g
	}
	acc.mu.Unlock()

	c.requests.Add(1)
	if full != nil {
		go c.run(full, flushSize)
	}

	select {
	case out := <-p.result:
		return out.res, out.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close rejects new submissions, flushes every open batch immediately and
// waits for running batches to finish or ctx to end. Safe to call repeatedly.
func (c *Coalescer[K, Req, Res]) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	accs := make([]*accumulator[K, Req, Res], 0, len(c.accs))
	for _, acc := range c.accs {
		accs = append(accs, acc)
	}
	c.mu.Unlock()

	for _, acc := range accs {
		acc.mu.Lock()
		acc.closed = true
		g := acc.current
		acc.current = nil
		if g != nil {
			g.timer.Stop()
			c.wg.Add(1)
		}
		acc.mu.Unlock()
		if g != nil {
			go c.run(g, flushClose)
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return ctx.Err()
	}
}

// Pending returns how many requests wait in the open batch for key.
func (c *Coalescer[K, Req, Res]) Pending(key K) int {
	c.mu.Lock()
	acc, ok := c.accs[key]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.current == nil {
		return 0
	}
	return len(acc.current.items)
}

// Stats returns the activity counters.
func (c *Coalescer[K, Req, Res]) Stats() Stats {
	return Stats{
		Requests:     c.requests.Load(),
		Batches:      c.batches.Load(),
		SizeFlushes:  c.sizeFlushes.Load(),
		TimerFlushes: c.timerFlushes.Load(),
		CloseFlushes: c.closeFlushes.Load(),
		Mismatches:   c.mismatches.Load(),
		Failures:     c.failures.Load(),
	}
}

// flushOnTimer flushes g only if it is still the open batch; a batch that
// already filled up or was flushed by Close is left alone.
func (c *Coalescer[K, Req, Res]) flushOnTimer(acc *accumulator[K, Req, Res], g *group[K, Req, Res]) {
	acc.mu.Lock()
	if acc.current != g {
		acc.mu.Unlock()
		return
	}
	acc.current = nil
	c.wg.Add(1)
	acc.mu.Unlock()

	c.run(g, flushTimer)
}

// run executes the batch function and fans results out by position.
func (c *Coalescer[K, Req, Res]) run(g *group[K, Req, Res], reason flushReason) {
	defer c.wg.Done()

	switch reason {
	case flushSize:
		c.sizeFlushes.Add(1)
	case flushTimer:
		c.timerFlushes.Add(1)
	case flushClose:
		c.closeFlushes.Add(1)
	}
	c.batches.Add(1)
	c.sink.Add("batch_flushes_total", 1, "coalescer", c.name, "reason", string(reason))

	reqs := make([]Req, len(g.items))
	for i := range g.items {
		reqs[i] = g.items[i].req
	}

	start := time.Now()
	results, err := c.call(g.key, reqs)
	if err == nil && len(results) != len(reqs) {
		c.mismatches.Add(1)
		err = fmt.Errorf("%w: %d results for %d requests", ErrBatchResultMismatch, len(results), len(reqs))
	}

	c.logger.Debug("batch flushed",
		zap.Any("key", g.key),
		zap.String("reason", string(reason)),
		zap.Int("size", len(reqs)),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)

	if err != nil {
		c.failures.Add(1)
		c.sink.Add("batch_failures_total", 1, "coalescer", c.name)
		for i := range g.items {
			g.items[i].result <- outcome[Res]{err: err}
		}
		return
	}
	for i := range g.items {
		g.items[i].result <- outcome[Res]{res: results[i]}
	}
}

// call runs fn, turning a panic into an error.
func (c *Coalescer[K, Req, Res]) call(key K, reqs []Req) (results []Res, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("batch function panicked", zap.Any("panic", r))
			err = fmt.Errorf("batch: panic: %v", r)
		}
	}()
	return c.fn(c.ctx, key, reqs)
}
