package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyndonlyu/workhorse/internal/metrics"
)

type conn struct {
	id     int64
	closed atomic.Bool
}

type connFactory struct {
	next    atomic.Int64
	failing atomic.Bool
	delay   time.Duration
}

func (f *connFactory) create(ctx context.Context) (*conn, error) {
	if f.failing.Load() {
		return nil, errors.New("dial refused")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &conn{id: f.next.Add(1)}, nil
}

func closeConn(c *conn) error {
	c.closed.Store(true)
	return nil
}

func newTestPool(t *testing.T, max int, timeout time.Duration, opts ...Option[*conn]) (*Pool[*conn], *connFactory) {
	t.Helper()
	f := &connFactory{}
	opts = append([]Option[*conn]{WithDiscard(closeConn), WithName[*conn]("test")}, opts...)
	p := New(Config{MaxSize: max, AcquireTimeout: timeout}, f.create, opts...)
	t.Cleanup(func() { _ = p.Shutdown() })
	return p, f
}

func TestNewDefaultsMaxSize(t *testing.T) {
	p := New(Config{}, (&connFactory{}).create)
	assert.Equal(t, DefaultMaxSize, p.Stats().MaxSize)
	assert.Equal(t, "pool", p.Name())
}

func TestAcquireCreatesLazily(t *testing.T) {
	p, _ := newTestPool(t, 2, time.Second)
	assert.Equal(t, int64(0), p.Stats().Created)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.id)

	s := p.Stats()
	assert.Equal(t, 1, s.InUse)
	assert.Equal(t, int64(1), s.Created)
	assert.Equal(t, "test", s.Name)
}

func TestReleaseHealthyIsReused(t *testing.T) {
	p, _ := newTestPool(t, 2, time.Second)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(c1, true))

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	s := p.Stats()
	assert.Equal(t, int64(1), s.Created)
	assert.Equal(t, int64(1), s.Reused)
}

func TestThirdAcquireWaitsForRelease(t *testing.T) {
	p, _ := newTestPool(t, 2, 0)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	_, err = p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *conn, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err == nil {
			got <- c
		}
	}()

	select {
	case <-got:
		t.Fatal("third acquire should block while two are checked out")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, p.Stats().Waiting)

	require.NoError(t, p.Release(c1, true))
	select {
	case c := <-got:
		assert.Same(t, c1, c)
	case <-time.After(time.Second):
		t.Fatal("third acquire did not proceed after release")
	}
	assert.Equal(t, int64(2), p.Stats().Created)
}

func TestAcquireTimeoutExhausted(t *testing.T) {
	p, _ := newTestPool(t, 1, 30*time.Millisecond)
	ctx := context.Background()

	_, err := p.Acquire(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().Exhausted)
}

func TestAcquireContextCancelled(t *testing.T) {
	p, _ := newTestPool(t, 1, 0)
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFactoryFailureFreesSlot(t *testing.T) {
	p, f := newTestPool(t, 1, 50*time.Millisecond)
	ctx := context.Background()

	f.failing.Store(true)
	_, err := p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolCreateFailed)
	assert.Contains(t, err.Error(), "dial refused")

	f.failing.Store(false)
	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Equal(t, 0, p.Stats().Creating)
}

func TestFactoryPanicBecomesError(t *testing.T) {
	p := New(Config{MaxSize: 1, AcquireTimeout: 50 * time.Millisecond}, func(ctx context.Context) (*conn, error) {
		panic("boom")
	})
	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolCreateFailed)
	assert.Contains(t, err.Error(), "boom")

	// slot was returned
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolCreateFailed)
}

func TestAcquireDoesNotWaitForStuckFactory(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	p := New(Config{MaxSize: 1, AcquireTimeout: 40 * time.Millisecond}, func(ctx context.Context) (*conn, error) {
		if calls.Add(1) == 1 {
			<-release
		}
		return &conn{id: int64(calls.Load())}, nil
	})
	t.Cleanup(func() { _ = p.Shutdown() })

	start := time.Now()
	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolCreateFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// The stuck creation still owns its slot.
	st := p.Stats()
	assert.Equal(t, 1, st.Creating)
	assert.LessOrEqual(t, st.InUse+st.Idle+st.Creating, st.MaxSize)

	close(release)
	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Creating == 0 && st.Idle == 1
	}, time.Second, 5*time.Millisecond)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.id, "the late resource is reused")
	assert.Equal(t, int32(1), calls.Load())
}

func TestAbandonedCreateAfterShutdownIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	var discarded atomic.Int32
	p := New(Config{MaxSize: 1, AcquireTimeout: 20 * time.Millisecond}, func(ctx context.Context) (*conn, error) {
		<-release
		return &conn{}, nil
	}, WithDiscard(func(c *conn) error {
		discarded.Add(1)
		return nil
	}))

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolCreateFailed)
	require.NoError(t, p.Shutdown())

	close(release)
	require.Eventually(t, func() bool { return discarded.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, p.Stats().Idle)
}

func TestUnhealthyReleaseReplacesEagerly(t *testing.T) {
	p, _ := newTestPool(t, 2, time.Second)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(c1, false))
	assert.True(t, c1.closed.Load())

	s := p.Stats()
	assert.Equal(t, int64(1), s.Discarded)
	assert.Equal(t, int64(1), s.Replaced)
	assert.Equal(t, 1, s.Idle)
	assert.Equal(t, int64(2), s.Created)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, int64(1), p.Stats().Reused)
}

func TestResetFailureDiscards(t *testing.T) {
	reset := func(c *conn) error { return errors.New("dirty session") }
	p, _ := newTestPool(t, 1, time.Second, WithReset(reset))

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	err = p.Release(c, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dirty session")
	assert.True(t, c.closed.Load())
	assert.Equal(t, int64(1), p.Stats().Discarded)

	// slot freed even though release reported an error
	_, err = p.Acquire(context.Background())
	require.NoError(t, err)
}

func TestDiscardPanicStillFreesSlot(t *testing.T) {
	f := &connFactory{}
	p := New(Config{MaxSize: 1, AcquireTimeout: 100 * time.Millisecond}, f.create,
		WithDiscard(func(c *conn) error { panic("close exploded") }))

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	err = p.Release(c, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close exploded")

	_, err = p.Acquire(context.Background())
	require.NoError(t, err)
}

func TestReleaseWithoutAcquire(t *testing.T) {
	p, _ := newTestPool(t, 1, time.Second)
	assert.ErrorIs(t, p.Release(&conn{}, true), ErrNotCheckedOut)
}

func TestShutdown(t *testing.T) {
	p, _ := newTestPool(t, 2, time.Second)
	ctx := context.Background()

	idle, err := p.Acquire(ctx)
	require.NoError(t, err)
	held, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(idle, true))

	require.NoError(t, p.Shutdown())
	assert.True(t, idle.closed.Load())
	assert.False(t, held.closed.Load())

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)

	require.NoError(t, p.Release(held, true))
	assert.True(t, held.closed.Load())
	assert.Equal(t, 0, p.Stats().Idle)

	require.NoError(t, p.Shutdown())
}

func TestShutdownWakesWaiters(t *testing.T) {
	p, _ := newTestPool(t, 1, 0)
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Shutdown())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by shutdown")
	}
}

func TestConcurrentCheckoutsNeverExceedMax(t *testing.T) {
	const max = 3
	f := &connFactory{delay: time.Millisecond}
	p := New(Config{MaxSize: max}, f.create, WithDiscard(closeConn))
	defer p.Shutdown()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			s := p.Stats()
			assert.LessOrEqual(t, s.InUse+s.Idle+s.Creating, max)
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
			_ = p.Release(c, i%5 != 0)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, int(peak.Load()), max)
	s := p.Stats()
	assert.Equal(t, 0, s.InUse)
	assert.LessOrEqual(t, s.Idle, max)
	assert.LessOrEqual(t, s.PeakInUse, max)
}

func TestSaturationAndMetrics(t *testing.T) {
	reg := metrics.NewRegistry()
	p, _ := newTestPool(t, 4, time.Second, WithMetrics[*conn](reg))

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.25, p.Saturation(), 0.001)

	require.NoError(t, p.Release(c, false))
	assert.Equal(t, float64(2), reg.Value("pool_created_total", "pool", "test"))
	assert.Equal(t, float64(1), reg.Value("pool_discarded_total", "pool", "test"))
	assert.Equal(t, float64(1), reg.Value("pool_replaced_total", "pool", "test"))
}
