// Package pool runs a lazily produced stream of Tasks on a fixed number of process
// slots from a single tick-driven scheduling goroutine.
package pool

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultTick is the scheduling period.
	DefaultTick = 150 * time.Millisecond

	// QueueFactor sizes the prefetch queue at QueueFactor*ParallelTasks.
	QueueFactor = 100
)

// ErrAlreadyWorking is returned by a second concurrent call to Work.
var ErrAlreadyWorking = errors.New("pool is already working")

// Config configures a Pool. Hooks run on the scheduling goroutine except OnLine,
// which runs on the capture goroutine of the task's runner.
type Config struct {
	ParallelTasks int
	// Feeder returns the task stream; it is pulled lazily as the queue drains.
	Feeder func() iter.Seq[*Task]
	// OnPrerun runs right before a task is started and may set Task.Skip.
	OnPrerun func(task *Task)
	// OnFinished receives every finished attempt. Retries are enqueued from here.
	OnFinished func(result *TaskResult)
	// OnLine receives output lines of running tasks.
	OnLine func(task *Task, stream process.Stream, line string)
	Tick   time.Duration
	// TaskTimeout terminates attempts running longer; zero disables it.
	TaskTimeout time.Duration
	Cancel      process.CancelPolicy
	// Breaker, when set, pauses admissions while open. Every attempt's outcome is
	// recorded on it.
	Breaker *concurrency.CircuitBreaker
	Logger  *zap.Logger
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Started  int64 `json:"started"`
	Finished int64 `json:"finished"`
	Skipped  int64 `json:"skipped"`
	Failed   int64 `json:"failed"`
	TimedOut int64 `json:"timed_out"`
	Enqueued int64 `json:"enqueued"`
	Queued   int   `json:"queued"`
	Live     int   `json:"live"`
	// BreakerTrips counts how often the circuit breaker paused admissions.
	BreakerTrips int64 `json:"breaker_trips,omitempty"`
}

type slot struct {
	index    int
	task     *Task
	runner   *process.Runner
	span     trace.Span
	deadline time.Time
	timedOut bool
}

// Pool is a bounded-concurrency process scheduler.
type Pool struct {
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
	capacity int
	low      int
	target   int

	slots []*slot

	mu         sync.Mutex
	queue      []*Task
	next       func() (*Task, bool)
	feederDone bool

	working  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	paused   bool
	live     atomic.Int32

	started  atomic.Int64
	finished atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
	timedOut atomic.Int64
	enqueued atomic.Int64
}

// New validates cfg and creates a Pool.
func New(cfg Config) (*Pool, error) {
	if cfg.ParallelTasks <= 0 {
		return nil, errors.New("parallel tasks must be positive")
	}
	if cfg.Feeder == nil {
		return nil, errors.New("feeder cannot be nil")
	}
	if cfg.TaskTimeout < 0 {
		return nil, errors.New("task timeout cannot be negative")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Cancel.Grace <= 0 {
		cfg.Cancel = process.DefaultCancelPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	capacity := QueueFactor * cfg.ParallelTasks
	p := &Pool{
		cfg:      cfg,
		logger:   cfg.Logger,
		tracer:   otel.Tracer("daedalus/pool"),
		capacity: capacity,
		low:      capacity / 2,
		target:   capacity - cfg.ParallelTasks,
		slots:    make([]*slot, cfg.ParallelTasks),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i := range p.slots {
		p.slots[i] = &slot{index: i}
	}
	return p, nil
}

// Capacity is the prefetch queue bound.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Work schedules tasks until the feeder is exhausted, the queue is empty and no slot
// holds a live runner. Cancelling ctx or calling Shutdown stops admissions and shuts
// down every live runner before Work returns ctx's error or nil.
func (p *Pool) Work(ctx context.Context) error {
	if !p.working.CompareAndSwap(false, true) {
		return ErrAlreadyWorking
	}
	defer close(p.done)

	next, stop := iter.Pull(p.cfg.Feeder())
	defer stop()
	p.mu.Lock()
	p.next = next
	p.mu.Unlock()

	p.logger.Info("Worker pool started",
		zap.Int("parallel_tasks", p.cfg.ParallelTasks),
		zap.Int("queue_capacity", p.capacity))

	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.stopAll("context cancelled")
			return ctx.Err()
		case <-p.stop:
			p.stopAll("shutdown requested")
			return nil
		default:
		}

		p.step(ctx)

		if p.idle() {
			s := p.Stats()
			p.logger.Info("Worker pool finished",
				zap.Int64("started", s.Started),
				zap.Int64("skipped", s.Skipped),
				zap.Int64("failed", s.Failed))
			return nil
		}

		select {
		case <-ctx.Done():
		case <-p.stop:
		case <-ticker.C:
		}
	}
}

// Enqueue adds a task to the prefetch queue, typically a retry from OnFinished.
func (p *Pool) Enqueue(task *Task) {
	if task == nil {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, task)
	p.mu.Unlock()
	p.enqueued.Add(1)
}

// Stop asks Work to stop without waiting. Safe to call from hooks.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Shutdown stops Work and blocks until every live runner is stopped and Work has
// returned. It must not be called from a hook; use Stop there.
func (p *Pool) Shutdown() {
	p.Stop()
	if p.working.Load() {
		<-p.done
	}
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()
	s := Stats{
		Started:  p.started.Load(),
		Finished: p.finished.Load(),
		Skipped:  p.skipped.Load(),
		Failed:   p.failed.Load(),
		TimedOut: p.timedOut.Load(),
		Enqueued: p.enqueued.Load(),
		Queued:   queued,
		Live:     int(p.live.Load()),
	}
	if p.cfg.Breaker != nil {
		s.BreakerTrips = p.cfg.Breaker.Trips()
	}
	return s
}

// step is one scheduling tick.
func (p *Pool) step(ctx context.Context) {
	p.refill()
	now := time.Now()

	for _, s := range p.slots {
		if s.runner != nil {
			if s.runner.State() != process.StateFinished {
				p.checkTimeout(s, now)
				continue
			}
			p.complete(s, false)
		}

		if p.stopping(ctx) || p.admissionsPaused() {
			continue
		}

		task := p.dequeue()
		if task == nil {
			continue
		}
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		if p.cfg.OnPrerun != nil {
			p.cfg.OnPrerun(task)
		}
		if task.Skip {
			task.Skipped = true
			p.skipped.Add(1)
			p.logger.Debug("Task skipped", zap.String("task_id", task.ID))
			continue
		}
		p.launch(ctx, s, task)
	}
}

func (p *Pool) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *Pool) dequeue() *Task {
	p.mu.Lock()
	empty := len(p.queue) == 0
	p.mu.Unlock()
	if empty {
		p.refill()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	task := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return task
}

// refill tops the queue up to capacity-ParallelTasks once it is below half
// capacity, leaving room for one re-enqueue per slot before the next refill.
func (p *Pool) refill() {
	p.mu.Lock()
	if p.feederDone || p.next == nil || len(p.queue) >= p.low {
		p.mu.Unlock()
		return
	}
	need := p.target - len(p.queue)
	next := p.next
	p.mu.Unlock()

	pulled := make([]*Task, 0, need)
	exhausted := false
	for len(pulled) < need {
		task, ok := next()
		if !ok {
			exhausted = true
			break
		}
		if task != nil {
			pulled = append(pulled, task)
		}
	}

	p.mu.Lock()
	p.queue = append(p.queue, pulled...)
	if exhausted {
		p.feederDone = true
	}
	p.mu.Unlock()
	if len(pulled) > 0 {
		p.logger.Debug("Refilled prefetch queue", zap.Int("pulled", len(pulled)), zap.Bool("feeder_done", exhausted))
	}
}

func (p *Pool) admissionsPaused() bool {
	if p.cfg.Breaker == nil {
		return false
	}
	open := p.cfg.Breaker.IsOpen()
	if open != p.paused {
		p.paused = open
		if open {
			p.logger.Warn("Admissions paused by circuit breaker",
				zap.Int64("consecutive_failures", p.cfg.Breaker.ConsecutiveFailures()))
		} else {
			p.logger.Info("Admissions resumed")
		}
	}
	return open
}

func (p *Pool) idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) > 0 || !p.feederDone {
		return false
	}
	for _, s := range p.slots {
		if s.runner != nil {
			return false
		}
	}
	return true
}

func (p *Pool) launch(ctx context.Context, s *slot, task *Task) {
	_, span := p.tracer.Start(ctx, "pool.task",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.Int("task.failed_attempts", task.FailedAttempts),
			attribute.Int("pool.slot", s.index),
		))

	logger := p.logger.With(zap.String("task_id", task.ID), zap.Int("slot", s.index))
	opts := process.Options{
		Tick:   p.cfg.Tick,
		Cancel: p.cfg.Cancel,
		Logger: logger,
	}
	if p.cfg.OnLine != nil {
		onLine := p.cfg.OnLine
		opts.OnLine = func(stream process.Stream, line string) { onLine(task, stream, line) }
	}

	runner := process.New(task.Command, opts)
	s.task = task
	s.runner = runner
	s.span = span
	s.timedOut = false
	s.deadline = time.Time{}
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = p.cfg.TaskTimeout
	}
	if timeout > 0 {
		s.deadline = time.Now().Add(timeout)
	}

	// Start only errors on reuse, which cannot happen for a fresh runner.
	_ = runner.Start()
	p.started.Add(1)
	p.live.Add(1)
	logger.Info("Task started",
		zap.String("command", task.Command.String()),
		zap.Int("failed_attempts", task.FailedAttempts))
}

func (p *Pool) checkTimeout(s *slot, now time.Time) {
	if s.timedOut || s.deadline.IsZero() || now.Before(s.deadline) {
		return
	}
	s.timedOut = true
	p.timedOut.Add(1)
	p.logger.Warn("Task timed out",
		zap.String("task_id", s.task.ID),
		zap.Duration("elapsed", s.runner.Elapsed()))
	s.runner.Terminate()
}

// complete fires OnFinished for a slot whose runner has finished and frees the slot.
func (p *Pool) complete(s *slot, cancelled bool) {
	runner, task, span := s.runner, s.task, s.span
	s.runner, s.task, s.span = nil, nil, nil
	p.live.Add(-1)

	res := runner.Result()
	runner.Release()

	tr := &TaskResult{
		Task:       task,
		Slot:       s.index,
		ReturnCode: res.ReturnCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Elapsed:    res.Elapsed,
		Fault:      res.Fault,
		TimedOut:   s.timedOut,
		Cancelled:  cancelled,
	}
	p.finished.Add(1)
	if tr.Failed() {
		p.failed.Add(1)
	}
	if p.cfg.Breaker != nil && !cancelled {
		if tr.Failed() {
			p.cfg.Breaker.RecordFailure()
		} else {
			p.cfg.Breaker.RecordSuccess()
		}
	}

	span.SetAttributes(
		attribute.Int("task.return_code", tr.ReturnCode),
		attribute.Int64("task.elapsed_ms", tr.Elapsed.Milliseconds()),
		attribute.Bool("task.timed_out", tr.TimedOut))
	if tr.Failed() {
		if tr.Fault != nil {
			span.RecordError(tr.Fault)
		}
		span.SetStatus(codes.Error, "task failed")
	} else {
		span.SetStatus(codes.Ok, "task finished")
	}
	span.End()

	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.Int("slot", s.index),
		zap.Int("return_code", tr.ReturnCode),
		zap.Duration("elapsed", tr.Elapsed),
	}
	if tr.Failed() {
		p.logger.Warn("Task failed", append(fields, zap.Int("stderr_lines", len(tr.Stderr)))...)
	} else {
		p.logger.Info("Task finished", fields...)
	}

	if p.cfg.OnFinished != nil {
		p.cfg.OnFinished(tr)
	}
}

// stopAll shuts every live runner down concurrently, then reports them as cancelled.
func (p *Pool) stopAll(reason string) {
	var wg sync.WaitGroup
	live := 0
	for _, s := range p.slots {
		if s.runner == nil {
			continue
		}
		live++
		wg.Add(1)
		go func(r *process.Runner) {
			defer wg.Done()
			r.Shutdown()
		}(s.runner)
	}
	p.logger.Info("Stopping worker pool", zap.String("reason", reason), zap.Int("live", live))
	wg.Wait()

	for _, s := range p.slots {
		if s.runner != nil {
			p.complete(s, true)
		}
	}
}
