// Package remote is a resilient client for request/response services. A
// Client owns a connection pool and routes every call through optional
// caching, rate limiting, batching and retry with exponential backoff.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lyndonlyu/workhorse/internal/batch"
	"github.com/lyndonlyu/workhorse/internal/breaker"
	"github.com/lyndonlyu/workhorse/internal/cache"
	"github.com/lyndonlyu/workhorse/internal/metrics"
	"github.com/lyndonlyu/workhorse/internal/pool"
	"github.com/lyndonlyu/workhorse/internal/ratelimit"
	"github.com/lyndonlyu/workhorse/internal/retry"
)

// Config tunes the client. MaxRetries counts additional attempts after the
// first one. ConnectTimeout bounds dialing a new connection; AcquireTimeout
// bounds waiting for a pool slot and defaults to ConnectTimeout.
type Config struct {
	PoolSize          int
	ConnectTimeout    time.Duration
	AcquireTimeout    time.Duration
	RequestTimeout    time.Duration
	MaxRetries        int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	SlowCallThreshold time.Duration
	DefaultTTL        time.Duration
	RetryUnknown      bool
	Batch             batch.Config
}

// DefaultConfig mirrors the config package defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:          8,
		ConnectTimeout:    2 * time.Second,
		RequestTimeout:    5 * time.Second,
		MaxRetries:        3,
		BaseBackoff:       100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		SlowCallThreshold: time.Second,
		DefaultTTL:        30 * time.Second,
		Batch:             batch.Config{MaxBatchSize: 16, MaxWait: 10 * time.Millisecond},
	}
}

// Handler performs one operation on a pooled connection.
type Handler[C, R any] func(ctx context.Context, conn C, args any) (R, error)

// BatchHandler performs one operation for many argument sets in a single
// round trip. results[i] answers args[i].
type BatchHandler[C, R any] func(ctx context.Context, conn C, args []any) ([]R, error)

// Stats counts client activity.
type Stats struct {
	Calls       int64       `json:"calls"`
	Attempts    int64       `json:"attempts"`
	Retries     int64       `json:"retries"`
	CacheHits   int64       `json:"cache_hits"`
	CacheMisses int64       `json:"cache_misses"`
	Failures    int64       `json:"failures"`
	Slow        int64       `json:"slow"`
	Rejected    int64       `json:"breaker_rejected"`
	Abandoned   int64       `json:"abandoned"`
	Pool        pool.Stats  `json:"pool"`
	Batch       batch.Stats `json:"batch"`
}

// Option configures a Client.
type Option func(*options)

type options struct {
	cache    cache.Store
	limiter  *ratelimit.Group
	breakers *breaker.Group
	logger   *zap.Logger
	sink     metrics.Sink
	name     string
}

// WithCache enables response caching for Cacheable calls.
func WithCache(s cache.Store) Option { return func(o *options) { o.cache = s } }

// WithLimiter shapes calls per operation.
func WithLimiter(g *ratelimit.Group) Option { return func(o *options) { o.limiter = g } }

// WithBreakers fails calls fast while an operation's circuit is open.
func WithBreakers(g *breaker.Group) Option { return func(o *options) { o.breakers = g } }

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(s metrics.Sink) Option { return func(o *options) { o.sink = s } }

// WithName labels the client's pool and coalescer.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	cacheable     bool
	ttl           time.Duration
	correlationID string
}

// Cacheable memoizes a successful result for ttl; zero uses DefaultTTL.
func Cacheable(ttl time.Duration) CallOption {
	return func(o *callOptions) {
		o.cacheable = true
		o.ttl = ttl
	}
}

// WithCorrelationID tags the call's log lines. A random ID is used otherwise.
func WithCorrelationID(id string) CallOption {
	return func(o *callOptions) { o.correlationID = id }
}

// Client routes calls to registered handlers over pooled connections.
type Client[C, R any] struct {
	cfg      Config
	name     string
	pool     *pool.Pool[C]
	batcher  *batch.Coalescer[string, any, R]
	cache    cache.Store
	limiter  *ratelimit.Group
	breakers *breaker.Group
	logger   *zap.Logger
	sink     metrics.Sink
	policy   retry.Policy

	mu       sync.RWMutex
	handlers map[string]Handler[C, R]
	batched  map[string]BatchHandler[C, R]
	closed   atomic.Bool

	calls, attempts, retries atomic.Int64
	cacheHits, cacheMisses   atomic.Int64
	failures, slow, rejected atomic.Int64
	abandoned                atomic.Int64
}

// New creates a client whose pool dials connections with dial and closes
// discarded ones with closeConn (which may be nil).
func New[C, R any](cfg Config, dial pool.Factory[C], closeConn pool.DiscardFunc[C], opts ...Option) *Client[C, R] {
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = cfg.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}

	o := options{logger: zap.NewNop(), sink: metrics.NoopSink{}, name: "remote"}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client[C, R]{
		cfg:      cfg,
		name:     o.name,
		cache:    o.cache,
		limiter:  o.limiter,
		breakers: o.breakers,
		logger:   o.logger.With(zap.String("client", o.name)),
		sink:     o.sink,
		handlers: make(map[string]Handler[C, R]),
		batched:  make(map[string]BatchHandler[C, R]),
		policy: retry.Policy{
			MaxAttempts:  cfg.MaxRetries + 1,
			InitDelay:    cfg.BaseBackoff,
			Multiplier:   2.0,
			MaxDelay:     cfg.MaxBackoff,
			RetryUnknown: cfg.RetryUnknown,
		},
	}

	popts := []pool.Option[C]{
		pool.WithName[C](o.name),
		pool.WithLogger[C](o.logger),
		pool.WithMetrics[C](o.sink),
	}
	if closeConn != nil {
		popts = append(popts, pool.WithDiscard(closeConn))
	}
	connect := cfg.ConnectTimeout
	c.pool = pool.New(pool.Config{MaxSize: cfg.PoolSize, AcquireTimeout: cfg.AcquireTimeout}, func(ctx context.Context) (C, error) {
		ctx, cancel := context.WithTimeout(ctx, connect)
		defer cancel()
		return dial(ctx)
	}, popts...)
	c.batcher = batch.New(cfg.Batch, c.runBatch,
		batch.WithName(o.name),
		batch.WithLogger(o.logger),
		batch.WithMetrics(o.sink),
	)
	return c
}

// Register installs the handler for operation.
func (c *Client[C, R]) Register(operation string, h Handler[C, R]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[operation] = h
	delete(c.batched, operation)
}

// RegisterBatch installs a batch handler; concurrent calls of operation are
// coalesced into one round trip.
func (c *Client[C, R]) RegisterBatch(operation string, h BatchHandler[C, R]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batched[operation] = h
	delete(c.handlers, operation)
}

// Call performs operation with args. A cacheable call with a live cache
// entry returns it without touching the network.
func (c *Client[C, R]) Call(ctx context.Context, operation string, args any, opts ...CallOption) (R, error) {
	var zero R
	if c.closed.Load() {
		return zero, ErrClientClosed
	}

	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	if co.correlationID == "" {
		co.correlationID = uuid.NewString()
	}
	if co.cacheable && co.ttl <= 0 {
		co.ttl = c.cfg.DefaultTTL
	}

	c.calls.Add(1)
	start := time.Now()

	var key string
	if co.cacheable && c.cache != nil && co.ttl > 0 {
		cached, k, ok := c.lookup(ctx, operation, args)
		if ok {
			c.finish(operation, co.correlationID, start, "cache_hit")
			return cached, nil
		}
		key = k
	}

	c.mu.RLock()
	h, single := c.handlers[operation]
	_, grouped := c.batched[operation]
	c.mu.RUnlock()

	var (
		res R
		err error
	)
	switch {
	case grouped:
		res, err = c.batcher.Submit(ctx, operation, args)
		if errors.Is(err, batch.ErrCoalescerClosed) {
			err = ErrClientClosed
		}
	case single:
		res, err = execute(ctx, c, operation, co.correlationID, func(ctx context.Context, conn C) (R, error) {
			return h(ctx, conn, args)
		})
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}

	if err != nil {
		c.failures.Add(1)
		c.finish(operation, co.correlationID, start, "error")
		return zero, err
	}

	if key != "" {
		c.store(ctx, key, res, co.ttl)
	}
	c.finish(operation, co.correlationID, start, "ok")
	return res, nil
}

// Stats returns a snapshot of the client counters.
func (c *Client[C, R]) Stats() Stats {
	return Stats{
		Calls:       c.calls.Load(),
		Attempts:    c.attempts.Load(),
		Retries:     c.retries.Load(),
		CacheHits:   c.cacheHits.Load(),
		CacheMisses: c.cacheMisses.Load(),
		Failures:    c.failures.Load(),
		Slow:        c.slow.Load(),
		Rejected:    c.rejected.Load(),
		Abandoned:   c.abandoned.Load(),
		Pool:        c.pool.Stats(),
		Batch:       c.batcher.Stats(),
	}
}

// Breakers exposes the per-operation circuit breakers, nil when disabled.
func (c *Client[C, R]) Breakers() *breaker.Group { return c.breakers }

// Pool exposes the connection pool for health checks.
func (c *Client[C, R]) Pool() *pool.Pool[C] { return c.pool }

// Close flushes pending batches, then shuts the pool down.
func (c *Client[C, R]) Close(ctx context.Context) error {
	c.closed.Store(true)
	berr := c.batcher.Close(ctx)
	perr := c.pool.Shutdown()
	return errors.Join(berr, perr)
}

// runBatch is the coalescer's batch function: one pooled round trip,
// retried as a whole.
func (c *Client[C, R]) runBatch(ctx context.Context, operation string, args []any) ([]R, error) {
	c.mu.RLock()
	h, ok := c.batched[operation]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}
	return execute(ctx, c, operation, uuid.NewString(), func(ctx context.Context, conn C) ([]R, error) {
		return h(ctx, conn, args)
	})
}

// execute runs fn under the retry policy. Each attempt waits for the rate
// limiter, checks out a connection and applies RequestTimeout.
func execute[C, R, T any](ctx context.Context, c *Client[C, R], operation, correlationID string, fn func(ctx context.Context, conn C) (T, error)) (T, error) {
	var zero T
	var history []CallAttempt

	res, rep, err := retry.Do(ctx, c.policy, func(ctx context.Context, n int) (T, error) {
		c.attempts.Add(1)
		if n > 1 {
			c.retries.Add(1)
			c.sink.Add("remote_retries_total", 1, "operation", operation)
		}
		at := CallAttempt{Number: n, Start: time.Now()}
		out, err := attempt(ctx, c, operation, fn)
		at.Latency = time.Since(at.Start)
		at.Err = err
		history = append(history, at)
		return out, err
	}, func(n int, err error, kind retry.ErrorKind, wait time.Duration) {
		if wait > 0 {
			c.logger.Debug("retrying remote call",
				zap.String("operation", operation),
				zap.String("correlation_id", correlationID),
				zap.Int("attempt", n),
				zap.Stringer("kind", kind),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		}
	})
	if err == nil {
		return res, nil
	}

	cause := err
	if rep.Interrupted && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		cause = errors.Join(ctx.Err(), err)
	}
	cerr := &CallError{
		Operation: operation,
		Attempts:  rep.Attempts,
		History:   history,
		Cause:     cause,
		Permanent: rep.Kind == retry.NonRetriable,
	}
	c.logger.Warn("remote call failed",
		zap.String("operation", operation),
		zap.String("correlation_id", correlationID),
		zap.Int("attempts", rep.Attempts),
		zap.Bool("permanent", cerr.Permanent),
		zap.Error(err),
	)
	return zero, cerr
}

// attempt is a single try: limiter, pooled connection, circuit breaker,
// request deadline. The connection goes back healthy unless the error
// suggests it is broken; the same verdict feeds the breaker.
func attempt[C, R, T any](ctx context.Context, c *Client[C, R], operation string, fn func(ctx context.Context, conn C) (T, error)) (T, error) {
	var zero T
	if err := c.limiter.Wait(ctx, operation); err != nil {
		return zero, err
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrPoolClosed) {
			return zero, retry.Permanent(err)
		}
		if errors.Is(err, pool.ErrPoolCreateFailed) {
			c.breakers.Record(operation, false)
		}
		return zero, err
	}

	if !c.breakers.Allow(operation) {
		_ = c.pool.Release(conn, true)
		c.rejected.Add(1)
		c.sink.Add("remote_breaker_rejections_total", 1, "operation", operation)
		return zero, retry.Permanent(fmt.Errorf("%w: %s", breaker.ErrOpen, operation))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	done := make(chan outcome[T], 1)
	go func() {
		out, err := guard(reqCtx, conn, fn)
		done <- outcome[T]{out: out, err: err}
	}()

	var res outcome[T]
	select {
	case res = <-done:
	case <-reqCtx.Done():
		select {
		case res = <-done:
		default:
			return zero, abandon(ctx, c, operation, conn, done)
		}
	}

	healthy := res.err == nil || retry.Classify(res.err) == retry.NonRetriable
	c.breakers.Record(operation, healthy)
	c.release(operation, conn, healthy)
	return res.out, res.err
}

type outcome[T any] struct {
	out T
	err error
}

// abandon gives up on a handler still running past its deadline. The
// connection stays checked out until the handler returns and is then
// discarded, since its state is unknown.
func abandon[C, R, T any](ctx context.Context, c *Client[C, R], operation string, conn C, done <-chan outcome[T]) error {
	c.abandoned.Add(1)
	c.sink.Add("remote_abandoned_total", 1, "operation", operation)
	c.breakers.Record(operation, false)
	go func() {
		<-done
		c.release(operation, conn, false)
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.Warn("request abandoned",
		zap.String("operation", operation),
		zap.Duration("timeout", c.cfg.RequestTimeout),
	)
	return fmt.Errorf("remote: %s abandoned after %s: %w", operation, c.cfg.RequestTimeout, context.DeadlineExceeded)
}

func (c *Client[C, R]) release(operation string, conn C, healthy bool) {
	if err := c.pool.Release(conn, healthy); err != nil {
		c.logger.Debug("release failed", zap.String("operation", operation), zap.Error(err))
	}
}

// guard turns a handler panic into a permanent error.
func guard[C, T any](ctx context.Context, conn C, fn func(ctx context.Context, conn C) (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.Permanent(fmt.Errorf("remote: handler panic: %v", r))
		}
	}()
	return fn(ctx, conn)
}

// lookup returns a cached result. The derived key is returned on a miss so
// the result can be stored under it.
func (c *Client[C, R]) lookup(ctx context.Context, operation string, args any) (R, string, bool) {
	var zero R
	key, err := cache.Key(operation, args)
	if err != nil {
		c.logger.Debug("uncacheable args", zap.String("operation", operation), zap.Error(err))
		return zero, "", false
	}
	data, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("operation", operation), zap.Error(err))
	}
	if !ok || err != nil {
		c.cacheMisses.Add(1)
		c.sink.Add("remote_cache_misses_total", 1, "operation", operation)
		return zero, key, false
	}
	var res R
	if err := json.Unmarshal(data, &res); err != nil {
		c.logger.Warn("cache entry undecodable", zap.String("operation", operation), zap.Error(err))
		_ = c.cache.Delete(ctx, key)
		c.cacheMisses.Add(1)
		return zero, key, false
	}
	c.cacheHits.Add(1)
	c.sink.Add("remote_cache_hits_total", 1, "operation", operation)
	return res, key, true
}

func (c *Client[C, R]) store(ctx context.Context, key string, res R, ttl time.Duration) {
	data, err := json.Marshal(res)
	if err != nil {
		c.logger.Debug("result not cacheable", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.cache.Set(ctx, key, data, ttl); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// finish records the call outcome and reports slow calls.
func (c *Client[C, R]) finish(operation, correlationID string, start time.Time, outcome string) {
	elapsed := time.Since(start)
	c.sink.Add("remote_calls_total", 1, "operation", operation, "outcome", outcome)
	if c.cfg.SlowCallThreshold > 0 && elapsed > c.cfg.SlowCallThreshold {
		c.slow.Add(1)
		c.sink.Add("remote_slow_calls_total", 1, "operation", operation)
		c.logger.Warn("slow remote call",
			zap.String("operation", operation),
			zap.Duration("duration", elapsed),
			zap.String("outcome", outcome),
			zap.String("correlation_id", correlationID),
		)
	}
}
