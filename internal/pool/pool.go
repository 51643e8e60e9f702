// Package pool provides a bounded pool of reusable resources (connections,
// clients, sessions) with an admission gate, lazy creation and eager
// replacement of resources released as unhealthy.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lyndonlyu/workhorse/internal/metrics"
)

var (
	// ErrPoolExhausted is returned when no slot frees up within AcquireTimeout.
	ErrPoolExhausted = errors.New("pool: exhausted")
	// ErrPoolCreateFailed wraps factory failures.
	ErrPoolCreateFailed = errors.New("pool: create failed")
	// ErrPoolClosed is returned by Acquire after Shutdown.
	ErrPoolClosed = errors.New("pool: closed")
	// ErrNotCheckedOut is returned by Release when nothing is checked out.
	ErrNotCheckedOut = errors.New("pool: release without acquire")
)

// DefaultMaxSize is used when Config.MaxSize is not positive.
const DefaultMaxSize = 4

// replaceTimeout bounds eager replacement when no AcquireTimeout is set.
const replaceTimeout = 10 * time.Second

// Factory creates a new resource.
type Factory[T any] func(ctx context.Context) (T, error)

// ResetFunc prepares a healthy resource for reuse.
type ResetFunc[T any] func(T) error

// DiscardFunc releases a resource for good.
type DiscardFunc[T any] func(T) error

// Config bounds the pool.
type Config struct {
	MaxSize        int
	// AcquireTimeout bounds both the wait for a slot and the factory call
	// that fills it. Zero waits until ctx is done.
	AcquireTimeout time.Duration
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Name      string `json:"name"`
	MaxSize   int    `json:"max_size"`
	InUse     int    `json:"in_use"`
	Idle      int    `json:"idle"`
	Creating  int    `json:"creating"`
	Created   int64  `json:"created"`
	Reused    int64  `json:"reused"`
	Discarded int64  `json:"discarded"`
	Replaced  int64  `json:"replaced"`
	Exhausted int64  `json:"exhausted"`
	PeakInUse int    `json:"peak_in_use"`
	Waiting   int    `json:"waiting"`
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithReset sets the hook run on healthy release before a resource goes
// back to the idle list. A reset error discards the resource.
func WithReset[T any](fn ResetFunc[T]) Option[T] {
	return func(p *Pool[T]) { p.reset = fn }
}

// WithDiscard sets the hook that closes discarded resources.
func WithDiscard[T any](fn DiscardFunc[T]) Option[T] {
	return func(p *Pool[T]) { p.discard = fn }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger[T any](l *zap.Logger) Option[T] {
	return func(p *Pool[T]) { p.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to metrics.NoopSink.
func WithMetrics[T any](s metrics.Sink) Option[T] {
	return func(p *Pool[T]) { p.sink = s }
}

// WithName labels logs, metrics and stats.
func WithName[T any](name string) Option[T] {
	return func(p *Pool[T]) { p.name = name }
}

// Pool hands out at most MaxSize resources at a time. The gate channel
// holds one token per checkout (in use or being created); the mutex guards
// only the idle list and counters and is never held across hook calls.
type Pool[T any] struct {
	name    string
	cfg     Config
	factory Factory[T]
	reset   ResetFunc[T]
	discard DiscardFunc[T]
	logger  *zap.Logger
	sink    metrics.Sink

	gate chan struct{}
	done chan struct{}

	mu        sync.Mutex
	idle      []T
	inUse     int
	creating  int
	waiting   int
	closed    bool
	created   int64
	reused    int64
	discarded int64
	replaced  int64
	exhausted int64
	peak      int
}

// New creates a pool. Resources are created lazily on Acquire.
func New[T any](cfg Config, factory Factory[T], opts ...Option[T]) *Pool[T] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	p := &Pool[T]{
		name:    "pool",
		cfg:     cfg,
		factory: factory,
		logger:  zap.NewNop(),
		sink:    metrics.NoopSink{},
		gate:    make(chan struct{}, cfg.MaxSize),
		done:    make(chan struct{}),
		idle:    make([]T, 0, cfg.MaxSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("pool", p.name))
	return p
}

// Acquire checks out a resource, reusing an idle one when available and
// creating one otherwise. It blocks while MaxSize resources are checked out.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	if err := p.enter(ctx); err != nil {
		return zero, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.leave()
		return zero, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		res := p.idle[n-1]
		p.idle[n-1] = zero
		p.idle = p.idle[:n-1]
		p.inUse++
		p.reused++
		p.notePeakLocked()
		p.mu.Unlock()
		p.sink.Add("pool_reused_total", 1, "pool", p.name)
		return res, nil
	}
	p.creating++
	p.mu.Unlock()

	cctx, cancel := ctx, context.CancelFunc(func() {})
	if p.cfg.AcquireTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	}
	res, err := p.createWithin(cctx, true)
	cancel()
	if errors.Is(err, errCreateAbandoned) {
		p.logger.Warn("create abandoned", zap.Error(err))
		return zero, fmt.Errorf("%w: %w", ErrPoolCreateFailed, err)
	}

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		p.leave()
		p.logger.Warn("create failed", zap.Error(err))
		return zero, fmt.Errorf("%w: %w", ErrPoolCreateFailed, err)
	}
	p.created++
	p.inUse++
	p.notePeakLocked()
	p.mu.Unlock()

	p.sink.Add("pool_created_total", 1, "pool", p.name)
	p.logger.Debug("resource created")
	return res, nil
}

// Release returns a checked-out resource. Healthy resources are reset and
// kept for reuse; unhealthy ones are discarded and, while the pool is open
// and below capacity, replaced by a fresh idle resource. The caller's
// admission slot is freed on every path.
func (p *Pool[T]) Release(res T, healthy bool) (err error) {
	p.mu.Lock()
	if p.inUse == 0 {
		p.mu.Unlock()
		return ErrNotCheckedOut
	}
	p.inUse--
	closed := p.closed
	p.mu.Unlock()

	defer p.leave()

	if healthy && !closed && p.reset != nil {
		if rerr := guard(func() error { return p.reset(res) }); rerr != nil {
			p.logger.Warn("reset failed, discarding", zap.Error(rerr))
			err = fmt.Errorf("pool: reset: %w", rerr)
			healthy = false
		}
	}

	if healthy && !closed {
		p.mu.Lock()
		if !p.closed && len(p.idle) < p.cfg.MaxSize {
			p.idle = append(p.idle, res)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		return p.drop(res)
	}

	if derr := p.drop(res); derr != nil {
		err = errors.Join(err, derr)
	}
	if !healthy && !closed {
		p.replace()
	}
	return err
}

// Shutdown closes the pool and discards every idle resource. Resources
// still checked out are discarded when released. Safe to call repeatedly.
func (p *Pool[T]) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	close(p.done)

	var errs []error
	for _, res := range idle {
		if err := p.drop(res); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Debug("pool shut down", zap.Int("discarded", len(idle)))
	return errors.Join(errs...)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:      p.name,
		MaxSize:   p.cfg.MaxSize,
		InUse:     p.inUse,
		Idle:      len(p.idle),
		Creating:  p.creating,
		Created:   p.created,
		Reused:    p.reused,
		Discarded: p.discarded,
		Replaced:  p.replaced,
		Exhausted: p.exhausted,
		PeakInUse: p.peak,
		Waiting:   p.waiting,
	}
}

// Saturation is InUse / MaxSize.
func (p *Pool[T]) Saturation() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.inUse) / float64(p.cfg.MaxSize)
}

// Name returns the pool's label.
func (p *Pool[T]) Name() string { return p.name }

// enter takes an admission token.
func (p *Pool[T]) enter(ctx context.Context) error {
	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}
	select {
	case p.gate <- struct{}{}:
		return nil
	default:
	}

	p.mu.Lock()
	p.waiting++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
	}()

	var timeout <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		t := time.NewTimer(p.cfg.AcquireTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case p.gate <- struct{}{}:
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPoolExhausted, ctx.Err())
	case <-timeout:
		p.mu.Lock()
		p.exhausted++
		p.mu.Unlock()
		p.sink.Add("pool_exhausted_total", 1, "pool", p.name)
		return ErrPoolExhausted
	}
}

func (p *Pool[T]) leave() { <-p.gate }

// create runs the factory, turning a panic into an error.
func (p *Pool[T]) create(ctx context.Context) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panic: %v", r)
		}
	}()
	return p.factory(ctx)
}

var errCreateAbandoned = errors.New("pool: create abandoned")

type created[T any] struct {
	res T
	err error
}

// createWithin runs the factory but stops waiting once ctx ends, so a
// factory that ignores its context cannot hold the caller. The abandoned
// creation keeps its Creating count, and its admission token when
// holdsToken, until the factory returns; the late resource is then kept
// idle if there is room or discarded.
func (p *Pool[T]) createWithin(ctx context.Context, holdsToken bool) (T, error) {
	var zero T
	done := make(chan created[T], 1)
	go func() {
		res, err := p.create(ctx)
		done <- created[T]{res: res, err: err}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
	}
	select {
	case r := <-done:
		return r.res, r.err
	default:
	}

	go p.adopt(done, holdsToken)
	return zero, fmt.Errorf("%w: %w", errCreateAbandoned, ctx.Err())
}

// adopt settles an abandoned creation.
func (p *Pool[T]) adopt(done <-chan created[T], holdsToken bool) {
	r := <-done
	if holdsToken {
		defer p.leave()
	}

	p.mu.Lock()
	p.creating--
	if r.err != nil {
		p.mu.Unlock()
		p.logger.Debug("abandoned create failed", zap.Error(r.err))
		return
	}
	p.created++
	if p.closed || len(p.idle) >= p.cfg.MaxSize {
		p.mu.Unlock()
		_ = p.drop(r.res)
		return
	}
	p.idle = append(p.idle, r.res)
	p.mu.Unlock()
	p.sink.Add("pool_created_total", 1, "pool", p.name)
}

// replace eagerly creates one idle resource if there is room.
func (p *Pool[T]) replace() {
	p.mu.Lock()
	if p.closed || p.inUse+len(p.idle)+p.creating >= p.cfg.MaxSize {
		p.mu.Unlock()
		return
	}
	p.creating++
	p.mu.Unlock()

	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = replaceTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	res, err := p.createWithin(ctx, false)
	if errors.Is(err, errCreateAbandoned) {
		p.logger.Warn("replacement abandoned", zap.Error(err))
		return
	}

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		p.logger.Warn("replacement failed", zap.Error(err))
		return
	}
	p.created++
	if p.closed {
		p.mu.Unlock()
		_ = p.drop(res)
		return
	}
	p.idle = append(p.idle, res)
	p.replaced++
	p.mu.Unlock()

	p.sink.Add("pool_created_total", 1, "pool", p.name)
	p.sink.Add("pool_replaced_total", 1, "pool", p.name)
	p.logger.Debug("resource replaced")
}

// drop discards a resource through the discard hook.
func (p *Pool[T]) drop(res T) error {
	p.mu.Lock()
	p.discarded++
	p.mu.Unlock()
	p.sink.Add("pool_discarded_total", 1, "pool", p.name)

	if p.discard == nil {
		return nil
	}
	if err := guard(func() error { return p.discard(res) }); err != nil {
		p.logger.Warn("discard failed", zap.Error(err))
		return fmt.Errorf("pool: discard: %w", err)
	}
	return nil
}

// notePeakLocked must be called with p.mu held.
func (p *Pool[T]) notePeakLocked() {
	if p.inUse > p.peak {
		p.peak = p.inUse
	}
}

// guard runs a hook, turning a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()
	return fn()
}
