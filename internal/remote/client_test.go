package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lyndonlyu/workhorse/internal/batch"
	"github.com/lyndonlyu/workhorse/internal/breaker"
	"github.com/lyndonlyu/workhorse/internal/cache"
	"github.com/lyndonlyu/workhorse/internal/metrics"
	"github.com/lyndonlyu/workhorse/internal/ratelimit"
	"github.com/lyndonlyu/workhorse/internal/retry"
)

type fakeConn struct {
	id     int64
	closed atomic.Bool
}

type dialer struct{ n atomic.Int64 }

func (d *dialer) dial(ctx context.Context) (*fakeConn, error) {
	return &fakeConn{id: d.n.Add(1)}, nil
}

func closeFake(c *fakeConn) error {
	c.closed.Store(true)
	return nil
}

func testConfig() Config {
	return Config{
		PoolSize:       2,
		ConnectTimeout: time.Second,
		RequestTimeout: time.Second,
		MaxRetries:     2,
		BaseBackoff:    5 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		DefaultTTL:     time.Minute,
		Batch:          batch.Config{MaxBatchSize: 8, MaxWait: 20 * time.Millisecond},
	}
}

func newClient(t *testing.T, cfg Config, opts ...Option) (*Client[*fakeConn, string], *dialer) {
	t.Helper()
	d := &dialer{}
	c := New[*fakeConn, string](cfg, d.dial, closeFake, opts...)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, d
}

func TestCallSuccess(t *testing.T) {
	c, _ := newClient(t, testConfig())
	c.Register("greet", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		return fmt.Sprintf("hello %v", args), nil
	})

	res, err := c.Call(context.Background(), "greet", "ada")
	require.NoError(t, err)
	assert.Equal(t, "hello ada", res)

	s := c.Stats()
	assert.Equal(t, int64(1), s.Calls)
	assert.Equal(t, int64(1), s.Attempts)
	assert.Equal(t, int64(0), s.Retries)
	assert.Equal(t, 1, s.Pool.Idle)
}

func TestCallRetriesWithBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.BaseBackoff = 100 * time.Millisecond
	cfg.MaxBackoff = time.Second
	c, _ := newClient(t, cfg)

	var starts []time.Time
	c.Register("flaky", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		starts = append(starts, time.Now())
		if len(starts) < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "ok", nil
	})

	res, err := c.Call(context.Background(), "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	require.Len(t, starts, 3)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), 100*time.Millisecond)
	assert.GreaterOrEqual(t, starts[2].Sub(starts[1]), 200*time.Millisecond)
	assert.Equal(t, int64(2), c.Stats().Retries)
}

func TestCallExhaustsRetries(t *testing.T) {
	c, _ := newClient(t, testConfig())
	c.Register("down", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		return "", errors.New("service unavailable")
	})

	_, err := c.Call(context.Background(), "down", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteCallFailed)

	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "down", cerr.Operation)
	assert.Equal(t, 3, cerr.Attempts)
	assert.False(t, cerr.Permanent)
	require.Len(t, cerr.History, 3)
	for i, at := range cerr.History {
		assert.Equal(t, i+1, at.Number)
		assert.Error(t, at.Err)
	}
	assert.Contains(t, err.Error(), "3 attempts")
	assert.Equal(t, int64(1), c.Stats().Failures)
}

func TestCallPermanentFailsImmediately(t *testing.T) {
	c, _ := newClient(t, testConfig())
	var calls atomic.Int32
	c.Register("bad", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		calls.Add(1)
		return "", errors.New("malformed payload")
	})

	_, err := c.Call(context.Background(), "bad", nil)
	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.Permanent)
	assert.Equal(t, 1, cerr.Attempts)
	assert.Equal(t, int32(1), calls.Load())

	// permanent errors leave the connection healthy
	s := c.Stats().Pool
	assert.Equal(t, int64(0), s.Discarded)
	assert.Equal(t, 1, s.Idle)
}

func TestTransientFailureDiscardsConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	c, _ := newClient(t, cfg)

	var seen []*fakeConn
	c.Register("reset", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		seen = append(seen, conn)
		if len(seen) == 1 {
			return "", retry.Transient(errors.New("broken pipe"))
		}
		return "ok", nil
	})

	_, err := c.Call(context.Background(), "reset", nil)
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.True(t, seen[0].closed.Load())
	assert.NotSame(t, seen[0], seen[1])
	assert.Equal(t, int64(1), c.Stats().Pool.Replaced)
}

func TestCallRequestTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 0
	c, _ := newClient(t, cfg)
	c.Register("hang", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	_, err := c.Call(context.Background(), "hang", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestTimeoutAbandonsStuckHandler(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 0
	c, _ := newClient(t, cfg)

	var conns []*fakeConn
	var mu sync.Mutex
	returned := make(chan struct{})
	c.Register("stuck", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		time.Sleep(400 * time.Millisecond)
		close(returned)
		return "late", nil
	})

	start := time.Now()
	res, err := c.Call(context.Background(), "stuck", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Empty(t, res)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.Equal(t, int64(1), c.Stats().Abandoned)

	// The connection stays checked out until the handler returns, then is
	// discarded instead of going back to the idle list.
	assert.Equal(t, 1, c.Stats().Pool.InUse)
	<-returned
	require.Eventually(t, func() bool {
		st := c.Stats().Pool
		return st.InUse == 0 && st.Discarded == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, conns, 1)
	assert.True(t, conns[0].closed.Load())
}

func TestAbandonedAttemptIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	cfg.MaxRetries = 1
	c, _ := newClient(t, cfg)

	var calls atomic.Int32
	c.Register("slow-once", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		if calls.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
			return "late", nil
		}
		return "ok", nil
	})

	res, err := c.Call(context.Background(), "slow-once", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, int64(2), c.Stats().Attempts)
}

func TestStuckDialIsBoundedByConnectTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 30 * time.Millisecond
	cfg.MaxRetries = 0
	unblock := make(chan struct{})
	defer close(unblock)
	c := New[*fakeConn, string](cfg, func(ctx context.Context) (*fakeConn, error) {
		<-unblock
		return &fakeConn{}, nil
	}, closeFake)
	defer c.Close(context.Background())
	c.Register("greet", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		return "hi", nil
	})

	start := time.Now()
	_, err := c.Call(context.Background(), "greet", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCallUnknownOperation(t *testing.T) {
	c, _ := newClient(t, testConfig())
	_, err := c.Call(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	store := cache.NewMemoryStore()
	c, _ := newClient(t, testConfig(), WithCache(store))

	var calls atomic.Int32
	c.Register("lookup", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		calls.Add(1)
		return fmt.Sprintf("value-%v", args), nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := c.Call(ctx, "lookup", 7, Cacheable(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, "value-7", res)
	}
	assert.Equal(t, int32(1), calls.Load())

	// different args miss
	_, err := c.Call(ctx, "lookup", 8, Cacheable(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	s := c.Stats()
	assert.Equal(t, int64(2), s.CacheHits)
	assert.Equal(t, int64(2), s.CacheMisses)
}

func TestCacheExpiry(t *testing.T) {
	c, _ := newClient(t, testConfig(), WithCache(cache.NewMemoryStore()))
	var calls atomic.Int32
	c.Register("lookup", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		calls.Add(1)
		return "v", nil
	})

	ctx := context.Background()
	_, err := c.Call(ctx, "lookup", 1, Cacheable(30*time.Millisecond))
	require.NoError(t, err)
	_, err = c.Call(ctx, "lookup", 1, Cacheable(30*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	time.Sleep(50 * time.Millisecond)
	_, err = c.Call(ctx, "lookup", 1, Cacheable(30*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUncachedCallsAlwaysHitNetwork(t *testing.T) {
	c, _ := newClient(t, testConfig(), WithCache(cache.NewMemoryStore()))
	var calls atomic.Int32
	c.Register("lookup", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		calls.Add(1)
		return "v", nil
	})
	for i := 0; i < 2; i++ {
		_, err := c.Call(context.Background(), "lookup", 1)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestBatchedCallsShareRoundTrip(t *testing.T) {
	c, _ := newClient(t, testConfig())

	var rounds atomic.Int32
	c.RegisterBatch("multi", func(ctx context.Context, conn *fakeConn, args []any) ([]string, error) {
		rounds.Add(1)
		out := make([]string, len(args))
		for i, a := range args {
			out[i] = fmt.Sprintf("r:%v", a)
		}
		return out, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Call(context.Background(), "multi", i)
			assert.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("r:%d", i), res)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), rounds.Load())
	assert.Equal(t, int64(1), c.Stats().Batch.Batches)
}

func TestBatchFailureReachesEveryCaller(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	c, _ := newClient(t, cfg)
	c.RegisterBatch("multi", func(ctx context.Context, conn *fakeConn, args []any) ([]string, error) {
		return nil, errors.New("permission denied")
	})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Call(context.Background(), "multi", i)
			var cerr *CallError
			if assert.ErrorAs(t, err, &cerr) {
				assert.True(t, cerr.Permanent)
			}
		}(i)
	}
	wg.Wait()
}

func TestSlowCallIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cfg := testConfig()
	cfg.SlowCallThreshold = 10 * time.Millisecond
	reg := metrics.NewRegistry()
	c, _ := newClient(t, cfg, WithLogger(zap.New(core)), WithMetrics(reg))
	c.Register("sleepy", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		time.Sleep(25 * time.Millisecond)
		return "done", nil
	})

	_, err := c.Call(context.Background(), "sleepy", nil, WithCorrelationID("req-42"))
	require.NoError(t, err)

	entries := logs.FilterMessage("slow remote call").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "sleepy", fields["operation"])
	assert.Equal(t, "req-42", fields["correlation_id"])
	assert.Equal(t, "ok", fields["outcome"])
	assert.Equal(t, int64(1), c.Stats().Slow)
	assert.Equal(t, float64(1), reg.Value("remote_slow_calls_total", "operation", "sleepy"))
}

func TestRateLimitedOperation(t *testing.T) {
	g := ratelimit.NewGroup()
	g.Add("paced", 50, 1)
	c, _ := newClient(t, testConfig(), WithLimiter(g))
	c.Register("paced", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		return "ok", nil
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Call(context.Background(), "paced", i)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestCallAfterClose(t *testing.T) {
	c, _ := newClient(t, testConfig())
	c.Register("greet", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		return "hi", nil
	})
	_, err := c.Call(context.Background(), "greet", nil)
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	_, err = c.Call(context.Background(), "greet", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestHandlerPanicIsPermanent(t *testing.T) {
	c, _ := newClient(t, testConfig())
	c.Register("boom", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		panic("bad handler")
	})
	_, err := c.Call(context.Background(), "boom", nil)
	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.Permanent)
	assert.Contains(t, err.Error(), "bad handler")
}

func TestPoolBoundsConcurrentAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.PoolSize = 2
	c, d := newClient(t, cfg)

	var inFlight, peak atomic.Int32
	c.Register("work", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Call(context.Background(), "work", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.LessOrEqual(t, d.n.Load(), int64(2))
}

func TestOpenBreakerFailsFast(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	breakers := breaker.NewGroup(breaker.Config{FailureThreshold: 2, Cooldown: time.Minute})
	c, _ := newClient(t, cfg, WithBreakers(breakers))

	var calls atomic.Int32
	c.Register("down", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		calls.Add(1)
		return "", errors.New("service unavailable")
	})
	c.Register("up", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		return "ok", nil
	})

	for i := 0; i < 2; i++ {
		_, err := c.Call(context.Background(), "down", nil)
		require.Error(t, err)
	}
	require.Equal(t, breaker.Open, breakers.Get("down").Status().State)

	_, err := c.Call(context.Background(), "down", nil)
	require.ErrorIs(t, err, breaker.ErrOpen)
	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.Permanent)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), c.Stats().Rejected)

	res, err := c.Call(context.Background(), "up", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
}

func TestPermanentErrorsDoNotTripBreaker(t *testing.T) {
	breakers := breaker.NewGroup(breaker.Config{FailureThreshold: 1, Cooldown: time.Minute})
	c, _ := newClient(t, testConfig(), WithBreakers(breakers))
	c.Register("bad", func(ctx context.Context, conn *fakeConn, args any) (string, error) {
		return "", retry.Permanent(errors.New("invalid argument"))
	})

	for i := 0; i < 3; i++ {
		_, err := c.Call(context.Background(), "bad", nil)
		require.Error(t, err)
		assert.NotErrorIs(t, err, breaker.ErrOpen)
	}
	assert.Equal(t, breaker.Closed, breakers.Get("bad").Status().State)
}
