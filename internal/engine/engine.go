// Package engine assembles the runtime: metrics, the pooled remote client
// with its cache and limiter, the scheduler and its task history.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/lyndonlyu/workhorse/internal/batch"
	"github.com/lyndonlyu/workhorse/internal/breaker"
	"github.com/lyndonlyu/workhorse/internal/cache"
	"github.com/lyndonlyu/workhorse/internal/config"
	"github.com/lyndonlyu/workhorse/internal/health"
	"github.com/lyndonlyu/workhorse/internal/metrics"
	"github.com/lyndonlyu/workhorse/internal/ratelimit"
	"github.com/lyndonlyu/workhorse/internal/redact"
	"github.com/lyndonlyu/workhorse/internal/remote"
	"github.com/lyndonlyu/workhorse/internal/scheduler"
	"github.com/lyndonlyu/workhorse/internal/sim"
	"github.com/lyndonlyu/workhorse/internal/taskstore"
)

// DefaultMaxBacklog is the queued-task count above which the scheduler is
// reported degraded.
const DefaultMaxBacklog = 1000

// Dialer opens connections to the remote service.
type Dialer interface {
	Dial(ctx context.Context) (*sim.Conn, error)
}

// Client is the remote client specialised to the service's types.
type Client = remote.Client[*sim.Conn, sim.Response]

// Engine owns every long-lived component.
type Engine struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *metrics.Registry
	collector *metrics.Collector
	limiter   *ratelimit.Group
	cache     cache.Store
	redis     *cache.RedisStore
	client    *Client
	store     *taskstore.Store
	recorder  *taskstore.Recorder
	redactor  *redact.Redactor
	sched     *scheduler.Scheduler
	stop      context.CancelFunc
}

// New wires the components from cfg. A redis cache backend must be
// reachable; the task history directory is created if missing.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, dialer Dialer) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("engine: create dirs: %w", err)
	}

	bg, stop := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		registry: metrics.NewRegistry(),
		limiter:  ratelimit.NewGroup(),
		stop:     stop,
	}
	e.collector = metrics.NewCollector(e.registry)

	for _, rl := range cfg.Client.RateLimits {
		e.limiter.Add(rl.Operation, rl.RPS, rl.Burst)
	}

	switch cfg.Cache.Backend {
	case "redis":
		rs, err := cache.DialRedis(ctx, cfg.Cache.RedisAddr, cache.WithPrefix(cfg.Cache.Prefix))
		if err != nil {
			stop()
			return nil, fmt.Errorf("engine: %w", err)
		}
		e.redis = rs
		e.cache = rs
	default:
		ms := cache.NewMemoryStore()
		ms.StartJanitor(bg, 0)
		e.cache = ms
	}

	store, err := taskstore.Open(cfg.Store.Path)
	if err != nil {
		e.closeCache()
		stop()
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.store = store

	redactor, err := cfg.Redactor()
	if err != nil {
		store.Close()
		e.closeCache()
		stop()
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.redactor = redactor
	batchCfg := batch.Config{MaxBatchSize: cfg.Batch.MaxBatchSize, MaxWait: cfg.Batch.MaxWait.D()}
	e.recorder = taskstore.NewRecorder(store, batchCfg, logger.Named("taskstore"), taskstore.WithRedactor(redactor))

	clientOpts := []remote.Option{
		remote.WithName("sim"),
		remote.WithCache(e.cache),
		remote.WithLimiter(e.limiter),
		remote.WithLogger(logger.Named("remote")),
		remote.WithMetrics(e.registry),
	}
	if bc := cfg.Client.Breaker; bc.FailureThreshold > 0 {
		clientOpts = append(clientOpts, remote.WithBreakers(breaker.NewGroup(breaker.Config{
			FailureThreshold: bc.FailureThreshold,
			Cooldown:         bc.Cooldown.D(),
		})))
	}

	e.client = remote.New[*sim.Conn, sim.Response](remote.Config{
		PoolSize:          cfg.Pool.MaxSize,
		ConnectTimeout:    cfg.Client.ConnectTimeout.D(),
		AcquireTimeout:    cfg.Pool.AcquireTimeout.D(),
		RequestTimeout:    cfg.Client.RequestTimeout.D(),
		MaxRetries:        cfg.Client.MaxRetries,
		BaseBackoff:       cfg.Client.BaseBackoff.D(),
		MaxBackoff:        cfg.Client.MaxBackoff.D(),
		SlowCallThreshold: cfg.Client.SlowCallThreshold.D(),
		DefaultTTL:        cfg.Client.DefaultTTL.D(),
		Batch:             batchCfg,
	}, dialer.Dial, func(c *sim.Conn) error { return c.Close() }, clientOpts...)
	e.registerOperations()

	classes := make([]scheduler.ClassConfig, len(cfg.Scheduler.Classes))
	for i, cc := range cfg.Scheduler.Classes {
		classes[i] = scheduler.ClassConfig{Name: cc.Name, Workers: cc.Workers}
	}
	sched, err := scheduler.New(scheduler.Config{
		Classes:       classes,
		Retention:     cfg.Scheduler.Retention.D(),
		SweepInterval: cfg.Scheduler.SweepInterval.D(),
		ShutdownGrace: cfg.Scheduler.ShutdownGrace.D(),
	},
		scheduler.WithLogger(logger.Named("scheduler")),
		scheduler.WithMetrics(e.registry),
		scheduler.WithRecorder(e.recorder),
	)
	if err != nil {
		_ = e.client.Close(ctx)
		_ = e.recorder.Close(ctx)
		_ = store.Close()
		e.closeCache()
		stop()
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.sched = sched
	e.registerSources()

	logger.Info("engine started",
		zap.Strings("classes", cfg.ClassNames()),
		zap.Int("pool_size", cfg.Pool.MaxSize),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("store", cfg.Store.Path),
	)
	return e, nil
}

func (e *Engine) registerOperations() {
	for _, op := range sim.Operations {
		op := op // per-iteration copy; module targets go 1.21 loop semantics
		if slices.Contains(e.cfg.Client.Batched, op) {
			e.client.RegisterBatch(op, func(ctx context.Context, conn *sim.Conn, args []any) ([]sim.Response, error) {
				return conn.DoBatch(ctx, op, args)
			})
			continue
		}
		e.client.Register(op, func(ctx context.Context, conn *sim.Conn, args any) (sim.Response, error) {
			return conn.Do(ctx, op, args)
		})
	}
}

func (e *Engine) registerSources() {
	e.collector.Register("pool", func() []metrics.Metric {
		st := e.client.Pool().Stats()
		labels := map[string]string{"pool": st.Name}
		return []metrics.Metric{
			{Name: "pool_in_use", Value: float64(st.InUse), Labels: labels},
			{Name: "pool_idle", Value: float64(st.Idle), Labels: labels},
			{Name: "pool_waiting", Value: float64(st.Waiting), Labels: labels},
			{Name: "pool_saturation", Value: e.client.Pool().Saturation(), Labels: labels},
		}
	})
	e.collector.Register("scheduler", func() []metrics.Metric {
		st := e.sched.Stats()
		var out []metrics.Metric
		for _, name := range e.sched.Classes() {
			cs := st.Classes[name]
			labels := map[string]string{"class": name}
			out = append(out,
				metrics.Metric{Name: "scheduler_queued", Value: float64(cs.Queued), Labels: labels},
				metrics.Metric{Name: "scheduler_running", Value: float64(cs.Running), Labels: labels},
			)
		}
		return append(out, metrics.Metric{Name: "scheduler_retained", Value: float64(st.Retained)})
	})
	e.collector.Register("breaker", func() []metrics.Metric {
		var out []metrics.Metric
		for _, st := range e.client.Breakers().Status() {
			open := 0.0
			if st.State == breaker.Open || st.State == breaker.HalfOpen {
				open = 1
			}
			out = append(out, metrics.Metric{
				Name:   "breaker_open",
				Value:  open,
				Labels: map[string]string{"operation": st.Name, "state": string(st.State)},
			})
		}
		return out
	})
	e.collector.Register("ratelimit", func() []metrics.Metric {
		var out []metrics.Metric
		for _, s := range e.limiter.Status() {
			out = append(out, metrics.Metric{
				Name:   "ratelimit_available",
				Value:  s.Available,
				Labels: map[string]string{"operation": s.Name},
			})
		}
		return out
	})
}

// Client returns the remote client.
func (e *Engine) Client() *Client { return e.client }

// Scheduler returns the task scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Store returns the task history.
func (e *Engine) Store() *taskstore.Store { return e.store }

// Limiter returns the per-operation rate limiters.
func (e *Engine) Limiter() *ratelimit.Group { return e.limiter }

// Call performs a remote operation directly.
func (e *Engine) Call(ctx context.Context, operation string, arg any, opts ...remote.CallOption) (sim.Response, error) {
	return e.client.Call(ctx, operation, arg, opts...)
}

// SubmitCall schedules a remote call under class and returns the task ID.
func (e *Engine) SubmitCall(class, operation string, arg any, opts ...remote.CallOption) (string, error) {
	name := fmt.Sprintf("%s(%v)", operation, arg)
	return e.sched.Submit(class, name, func(ctx context.Context) (any, error) {
		return e.client.Call(ctx, operation, arg, opts...)
	})
}

// Task looks a task up among live tasks first, then in the history.
func (e *Engine) Task(ctx context.Context, id string) (taskstore.Record, error) {
	t, err := e.sched.Status(id)
	if err == nil {
		rec := taskstore.FromTask(t)
		rec.Error = e.redactor.Redact(rec.Error)
		return rec, nil
	}
	rec, err := e.store.Get(ctx, id)
	if errors.Is(err, taskstore.ErrNotFound) {
		return taskstore.Record{}, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id)
	}
	return rec, err
}

// Cancel cancels a live task.
func (e *Engine) Cancel(id string) bool {
	return e.sched.Cancel(id)
}

// Health runs every component check.
func (e *Engine) Health(ctx context.Context) *health.Report {
	components := []health.ComponentStatus{
		health.CheckStore(ctx, e.store),
		health.CheckPool(e.client.Pool(), health.DefaultSaturationLimit),
		health.CheckScheduler(e.sched, DefaultMaxBacklog),
		health.CheckDataDir(e.cfg.BaseDir),
	}
	if e.redis != nil {
		components = append(components, health.CheckCache(ctx, e.redis))
	}
	return health.Evaluate(components...)
}

// Metrics collects every metric.
func (e *Engine) Metrics() []metrics.Metric {
	return e.collector.Collect()
}

// Registry exposes the counters for tests and custom sources.
func (e *Engine) Registry() *metrics.Registry { return e.registry }

// Sweep purges history older than the retention window and returns how
// many rows were removed.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int64, error) {
	e.sched.Sweep(now)
	return e.store.PurgeOlderThan(ctx, now.Add(-e.cfg.Scheduler.Retention.D()))
}

// Close stops the scheduler before the client so no task outlives its
// connections.
func (e *Engine) Close(ctx context.Context) error {
	serr := e.sched.Shutdown(ctx)
	rerr := e.recorder.Close(ctx)
	cerr := e.client.Close(ctx)
	e.closeCache()
	e.stop()
	derr := e.store.Close()
	e.logger.Info("engine stopped")
	return errors.Join(serr, rerr, cerr, derr)
}

func (e *Engine) closeCache() {
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Warn("close redis", zap.Error(err))
		}
	}
}
