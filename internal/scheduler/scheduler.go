// Package scheduler runs submitted work on a fixed set of workers per
// priority class. Each class has its own FIFO queue and dedicated workers,
// so a flood of low-priority work never delays high-priority work.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lyndonlyu/workhorse/internal/logging"
	"github.com/lyndonlyu/workhorse/internal/metrics"
)

var (
	ErrUnknownClass          = errors.New("scheduler: unknown class")
	ErrSchedulerShuttingDown = errors.New("scheduler: shutting down")
	ErrTaskNotFound          = errors.New("scheduler: task not found")
	ErrTaskPanicked          = errors.New("scheduler: task panicked")
)

// Default configuration constants.
const (
	DefaultRetention     = time.Hour
	DefaultShutdownGrace = 10 * time.Second
)

// ClassConfig names a priority class and its worker count.
type ClassConfig struct {
	Name    string
	Workers int
}

// Config configures the scheduler. A zero SweepInterval disables the
// background sweeper; Sweep can still be called directly.
type Config struct {
	Classes       []ClassConfig
	Retention     time.Duration
	SweepInterval time.Duration
	ShutdownGrace time.Duration
}

// Recorder is told about every task that reaches a terminal status.
type Recorder interface {
	Record(ctx context.Context, t Task) error
}

// ClassStats describes one class.
type ClassStats struct {
	Workers int `json:"workers"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Stats is a snapshot of the scheduler.
type Stats struct {
	Classes   map[string]ClassStats `json:"classes"`
	Completed int64                 `json:"completed"`
	Failed    int64                 `json:"failed"`
	Cancelled int64                 `json:"cancelled"`
	Retained  int                   `json:"retained"`
}

type class struct {
	name    string
	workers int
	queue   *list.List // of *task
	running int
	cond    *sync.Cond
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Sink) Option { return func(s *Scheduler) { s.sink = m } }

// WithRecorder receives terminal tasks.
func WithRecorder(r Recorder) Option { return func(s *Scheduler) { s.recorder = r } }

// Scheduler owns the queues, workers and task registry.
type Scheduler struct {
	cfg      Config
	logger   *zap.Logger
	sink     metrics.Sink
	recorder Recorder
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	classes map[string]*class
	order   []string
	tasks   map[string]*task
	closing bool

	completed, failed, cancelled int64

	workers   sync.WaitGroup
	records   sync.WaitGroup
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New starts the workers for every class. It fails on an empty class list,
// duplicate names or non-positive worker counts.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if len(cfg.Classes) == 0 {
		return nil, errors.New("scheduler: no classes configured")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:       cfg,
		logger:    zap.NewNop(),
		sink:      metrics.NoopSink{},
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		classes:   make(map[string]*class, len(cfg.Classes)),
		tasks:     make(map[string]*task),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)

	for _, cc := range cfg.Classes {
		if cc.Name == "" {
			cancel()
			return nil, errors.New("scheduler: class name is empty")
		}
		if cc.Workers <= 0 {
			cancel()
			return nil, fmt.Errorf("scheduler: class %q needs at least one worker", cc.Name)
		}
		if _, dup := s.classes[cc.Name]; dup {
			cancel()
			return nil, fmt.Errorf("scheduler: duplicate class %q", cc.Name)
		}
		s.classes[cc.Name] = &class{
			name:    cc.Name,
			workers: cc.Workers,
			queue:   list.New(),
			cond:    sync.NewCond(&s.mu),
		}
		s.order = append(s.order, cc.Name)
	}

	for _, name := range s.order {
		cl := s.classes[name]
		for i := 0; i < cl.workers; i++ {
			s.workers.Add(1)
			go s.worker(cl, i)
		}
	}

	if cfg.SweepInterval > 0 {
		go s.sweeper(cfg.SweepInterval)
	} else {
		close(s.sweepDone)
	}
	return s, nil
}

// Submit queues work under class and returns the task ID. It never blocks
// on worker availability.
func (s *Scheduler) Submit(className, name string, work WorkFunc) (string, error) {
	if work == nil {
		return "", errors.New("scheduler: nil work")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return "", ErrSchedulerShuttingDown
	}
	cl, ok := s.classes[className]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownClass, className)
	}

	t := &task{
		Task: Task{
			ID:       uuid.NewString(),
			Class:    className,
			Name:     name,
			Status:   StatusQueued,
			QueuedAt: s.now(),
		},
		work:  work,
		class: cl,
	}
	t.elem = cl.queue.PushBack(t)
	s.tasks[t.ID] = t
	cl.cond.Signal()

	s.sink.Add("scheduler_submitted_total", 1, "class", className)
	return t.ID, nil
}

// Status returns a snapshot of the task.
func (s *Scheduler) Status(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Task, nil
}

// Cancel removes a queued task (it will never run) or signals a running
// one through its context. It returns false for unknown or finished tasks.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	switch t.Status {
	case StatusQueued:
		snap := s.dropQueuedLocked(t)
		s.mu.Unlock()
		s.record(snap)
		return true
	case StatusRunning:
		t.CancelRequested = true
		if t.cancel != nil {
			t.cancel()
		}
		s.mu.Unlock()
		s.logger.Debug("running task signalled", zap.String("task", id))
		return true
	default:
		s.mu.Unlock()
		return false
	}
}

// Shutdown stops accepting work, cancels queued tasks, signals running
// ones and waits for workers to exit, bounded by ShutdownGrace and ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	first := !s.closing
	s.closing = true
	var dropped []Task
	if first {
		for _, name := range s.order {
			cl := s.classes[name]
			for e := cl.queue.Front(); e != nil; {
				next := e.Next()
				dropped = append(dropped, s.dropQueuedLocked(e.Value.(*task)))
				e = next
			}
			cl.cond.Broadcast()
		}
		for _, t := range s.tasks {
			if t.Status == StatusRunning {
				t.CancelRequested = true
				if t.cancel != nil {
					t.cancel()
				}
			}
		}
	}
	s.mu.Unlock()

	if first {
		close(s.sweepStop)
		for _, t := range dropped {
			s.record(t)
		}
		s.logger.Info("scheduler shutting down", zap.Int("dropped", len(dropped)))
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		s.records.Wait()
		<-s.sweepDone
		close(done)
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-grace.C:
		s.cancel()
		return fmt.Errorf("scheduler: workers still busy after %s: %w", s.cfg.ShutdownGrace, context.DeadlineExceeded)
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// Sweep purges terminal tasks that finished more than Retention before now
// and returns how many were removed.
func (s *Scheduler) Sweep(now time.Time) int {
	cutoff := now.Add(-s.cfg.Retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && t.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			n++
		}
	}
	if n > 0 {
		s.sink.Add("scheduler_swept_total", float64(n))
	}
	return n
}

// Stats returns per-class occupancy and terminal counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Classes:   make(map[string]ClassStats, len(s.classes)),
		Completed: s.completed,
		Failed:    s.failed,
		Cancelled: s.cancelled,
		Retained:  len(s.tasks),
	}
	for name, cl := range s.classes {
		st.Classes[name] = ClassStats{Workers: cl.workers, Queued: cl.queue.Len(), Running: cl.running}
	}
	return st
}

// QueueDepth returns how many tasks wait in class, -1 for unknown classes.
func (s *Scheduler) QueueDepth(className string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.classes[className]
	if !ok {
		return -1
	}
	return cl.queue.Len()
}

// Backlog returns how many tasks wait across all classes.
func (s *Scheduler) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, cl := range s.classes {
		n += cl.queue.Len()
	}
	return n
}

// Classes returns the class names in configuration order.
func (s *Scheduler) Classes() []string {
	return append([]string(nil), s.order...)
}

// Tasks returns snapshots of every retained task, oldest first.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Task)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// worker pulls tasks from its class queue until shutdown drains it.
func (s *Scheduler) worker(cl *class, n int) {
	defer s.workers.Done()
	logger := s.logger.With(zap.String("class", cl.name), zap.Int("worker", n))

	for {
		s.mu.Lock()
		for cl.queue.Len() == 0 && !s.closing {
			cl.cond.Wait()
		}
		if cl.queue.Len() == 0 {
			s.mu.Unlock()
			return
		}
		t := cl.queue.Remove(cl.queue.Front()).(*task)
		t.elem = nil
		ctx, cancel := context.WithCancel(s.ctx)
		t.cancel = cancel
		t.Status = StatusRunning
		t.StartedAt = s.now()
		cl.running++
		work := t.work
		s.mu.Unlock()

		taskLogger := logger.With(zap.String("task", t.ID), zap.String("name", t.Name))
		ctx = logging.WithLogger(ctx, taskLogger)

		taskLogger.Debug("task started")
		result, err := s.run(ctx, work, taskLogger)
		cancel()

		snap := s.finish(t, result, err)
		s.record(snap)
	}
}

// run executes work, turning a panic into ErrTaskPanicked.
func (s *Scheduler) run(ctx context.Context, work WorkFunc, logger *zap.Logger) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", zap.Any("panic", r))
			result = nil
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return work(ctx)
}

// finish records the terminal status. Work that returns a context error
// after cancellation was requested counts as cancelled; work that
// succeeds anyway counts as completed.
func (s *Scheduler) finish(t *task, result any, err error) Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.class.running--
	t.cancel = nil
	t.work = nil
	t.CompletedAt = s.now()
	switch {
	case err == nil:
		t.Status = StatusCompleted
		t.Result = result
		s.completed++
	case t.CancelRequested && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		t.Status = StatusCancelled
		t.Err = err
		s.cancelled++
	default:
		t.Status = StatusFailed
		t.Err = err
		s.failed++
	}
	s.sink.Add("scheduler_tasks_total", 1, "class", t.Class, "status", string(t.Status))
	if t.Status == StatusFailed {
		s.logger.Warn("task failed", zap.String("task", t.ID), zap.String("class", t.Class), zap.String("name", t.Name), zap.Error(err))
	}
	return t.Task
}

// dropQueuedLocked cancels a queued task. Must be called with s.mu held.
func (s *Scheduler) dropQueuedLocked(t *task) Task {
	t.class.queue.Remove(t.elem)
	t.elem = nil
	t.work = nil
	t.Status = StatusCancelled
	t.CancelRequested = true
	t.CompletedAt = s.now()
	s.cancelled++
	s.sink.Add("scheduler_tasks_total", 1, "class", t.Class, "status", string(StatusCancelled))
	return t.Task
}

// record hands a terminal snapshot to the recorder without holding up the
// worker.
func (s *Scheduler) record(t Task) {
	if s.recorder == nil {
		return
	}
	s.records.Add(1)
	go func() {
		defer s.records.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.recorder.Record(ctx, t); err != nil {
			s.logger.Warn("record task failed", zap.String("task", t.ID), zap.Error(err))
		}
	}()
}

func (s *Scheduler) sweeper(interval time.Duration) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				s.logger.Debug("swept tasks", zap.Int("purged", n))
			}
		}
	}
}
