// Package orchestrator runs a computation kind across chunked worker processes,
// retrying failed chunks and merging their partial results.
package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/alert"
	"github.com/wehubfusion/Daedalus/pkg/chunk"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/pool"
	"github.com/wehubfusion/Daedalus/pkg/process"
	"github.com/wehubfusion/Daedalus/pkg/results"
	"github.com/wehubfusion/Daedalus/pkg/worker"
	"go.uber.org/zap"
)

// Options wires an Orchestrator to its collaborators. Only Merger is needed for
// AutoMerge; nil Events and Alerts are replaced by no-ops.
type Options struct {
	RunID   string
	Merger  *results.Merger
	Events  events.Publisher
	Alerts  alert.Notifier
	Breaker *concurrency.CircuitBreaker
	Tick    time.Duration
	Cancel  process.CancelPolicy
	Logger  *zap.Logger
	Now     func() time.Time
}

// Summary is the outcome of a run.
type Summary struct {
	RunID     string               `json:"run_id"`
	Kind      string               `json:"kind"`
	Chunks    int                  `json:"chunks"`
	Completed []string             `json:"completed"`
	Skipped   []string             `json:"skipped,omitempty"`
	Abandoned []string             `json:"abandoned,omitempty"`
	Cancelled []string             `json:"cancelled,omitempty"`
	Retries   int                  `json:"retries"`
	Pool      pool.Stats           `json:"pool"`
	Merge     *results.MergeReport `json:"merge,omitempty"`
	Elapsed   time.Duration        `json:"elapsed"`
}

// OK reports whether every chunk completed.
func (s *Summary) OK() bool {
	return len(s.Abandoned) == 0 && len(s.Cancelled) == 0 && len(s.Completed)+len(s.Skipped) == s.Chunks
}

// Orchestrator drives runs.
type Orchestrator struct {
	opts   Options
	logger *zap.Logger
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Alerts == nil {
		opts.Alerts = alert.LogNotifier{Logger: logger}
	}
	return &Orchestrator{opts: opts, logger: logger.With(zap.String("run_id", opts.RunID))}, nil
}

// RunID identifies this orchestrator's runs in logs and events.
func (o *Orchestrator) RunID() string {
	return o.opts.RunID
}

// run is the state of one Run; it is only touched from pool hooks, which run on the
// scheduling goroutine, and after Work returns.
type run struct {
	o       *Orchestrator
	ctx     context.Context
	plan    Plan
	marker  string
	pool    *pool.Pool
	logger  *zap.Logger
	done    map[int]bool
	summary *Summary
}

// Run executes plan. It returns an error only when the run could not be carried
// out; abandoned chunks are reported in the summary.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) (*Summary, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if plan.AutoMerge && o.opts.Merger == nil {
		return nil, errors.New("auto merge requires a merger")
	}
	start := o.opts.Now()

	r := &run{
		o:      o,
		ctx:    ctx,
		plan:   plan,
		marker: results.Marker(plan.Description, start),
		logger: o.logger.With(zap.String("kind", plan.Kind)),
		done:   make(map[int]bool, plan.Chunks),
		summary: &Summary{
			RunID:  o.opts.RunID,
			Kind:   plan.Kind,
			Chunks: plan.Chunks,
		},
	}
	for _, i := range plan.Completed {
		r.done[i] = true
	}

	p, err := pool.New(pool.Config{
		ParallelTasks: plan.parallel(),
		Feeder:        r.feed,
		OnPrerun:      r.prerun,
		OnFinished:    r.finished,
		OnLine:        r.line,
		Tick:          o.opts.Tick,
		TaskTimeout:   plan.TaskTimeout,
		Cancel:        o.opts.Cancel,
		Breaker:       o.opts.Breaker,
		Logger:        r.logger,
	})
	if err != nil {
		return nil, err
	}
	r.pool = p

	r.logger.Info("Run started",
		zap.Int("chunks", plan.Chunks),
		zap.Int("parallel", plan.parallel()),
		zap.Int("max_attempts", plan.MaxAttempts),
		zap.String("marker", r.marker))
	r.publish(events.Event{Type: events.TypeRunStarted, Data: map[string]any{
		"chunks":   plan.Chunks,
		"parallel": plan.parallel(),
	}})

	workErr := p.Work(ctx)
	r.summary.Pool = p.Stats()

	if workErr == nil && plan.AutoMerge {
		report, err := o.opts.Merger.Merge(ctx, plan.Kind)
		r.summary.Merge = report
		if err != nil {
			r.mergeFailed(err)
			workErr = fmt.Errorf("merge %s: %w", plan.Kind, err)
		} else if report.Published {
			r.publish(events.Event{Type: events.TypeMergePublished, Data: map[string]any{
				"entries":   report.Entries,
				"added":     report.Added,
				"conflicts": len(report.Conflicts),
				"partials":  len(report.Partials),
			}})
		}
	}

	r.summary.Elapsed = o.opts.Now().Sub(start)
	for _, list := range [][]string{r.summary.Completed, r.summary.Skipped, r.summary.Abandoned, r.summary.Cancelled} {
		sortChunks(list)
	}
	r.logger.Info("Run finished",
		zap.Int("completed", len(r.summary.Completed)),
		zap.Int("skipped", len(r.summary.Skipped)),
		zap.Int("abandoned", len(r.summary.Abandoned)),
		zap.Int("retries", r.summary.Retries),
		zap.Duration("elapsed", r.summary.Elapsed))
	r.publish(events.Event{Type: events.TypeRunFinished, Data: map[string]any{
		"completed": len(r.summary.Completed),
		"abandoned": len(r.summary.Abandoned),
		"retries":   r.summary.Retries,
		"ok":        r.summary.OK(),
	}})
	return r.summary, workErr
}

func (r *run) feed() iter.Seq[*pool.Task] {
	return func(yield func(*pool.Task) bool) {
		for i := 1; i <= r.plan.Chunks; i++ {
			spec := chunk.Spec{Index: i, Total: r.plan.Chunks}
			task := &pool.Task{
				ID:      r.plan.TaskID(spec),
				Command: r.plan.Command(spec, r.marker),
				Meta:    spec,
			}
			if !yield(task) {
				return
			}
		}
	}
}

func specOf(task *pool.Task) chunk.Spec {
	spec, _ := task.Meta.(chunk.Spec)
	return spec
}

func (r *run) prerun(task *pool.Task) {
	spec := specOf(task)
	if r.done[spec.Index] {
		task.Skip = true
		r.summary.Skipped = append(r.summary.Skipped, spec.String())
		r.logger.Info("Skipping completed chunk", zap.Stringer("chunk", spec))
		return
	}
	r.logger.Debug("Starting chunk",
		zap.Stringer("chunk", spec),
		zap.Int("attempt", task.FailedAttempts+1))
}

func (r *run) finished(res *pool.TaskResult) {
	task := res.Task
	spec := specOf(task)
	attempt := task.FailedAttempts + 1
	ev := events.Event{
		Chunk:      spec.String(),
		TaskID:     task.ID,
		Attempt:    attempt,
		ReturnCode: res.ReturnCode,
		Data:       map[string]any{"elapsed_ms": res.Elapsed.Milliseconds()},
	}

	switch {
	case res.Cancelled:
		r.summary.Cancelled = append(r.summary.Cancelled, spec.String())
		return

	case !res.Failed():
		r.done[spec.Index] = true
		r.summary.Completed = append(r.summary.Completed, spec.String())
		ev.Type = events.TypeTaskFinished
		r.publish(ev)
		return
	}

	ev.Message = lastLine(res.Stderr)
	if res.Fault != nil {
		ev.Message = res.Fault.Error()
	}

	if r.plan.MaxAttempts == 0 || attempt < r.plan.MaxAttempts {
		r.summary.Retries++
		r.logger.Warn("Retrying chunk",
			zap.Stringer("chunk", spec),
			zap.Int("attempt", attempt),
			zap.Int("return_code", res.ReturnCode),
			zap.String("stderr", ev.Message))
		ev.Type = events.TypeTaskFailed
		r.publish(ev)
		r.pool.Enqueue(task.Retry())
		return
	}

	r.summary.Abandoned = append(r.summary.Abandoned, spec.String())
	r.logger.Error("Abandoning chunk",
		zap.Stringer("chunk", spec),
		zap.Int("attempts", attempt),
		zap.Int("return_code", res.ReturnCode),
		zap.String("stderr", ev.Message))
	ev.Type = events.TypeTaskAbandoned
	r.publish(ev)

	err := r.o.opts.Alerts.Notify(r.ctx, alert.Alert{
		Title:    "Chunk abandoned",
		Severity: alert.SeverityError,
		Tags: map[string]string{
			"kind":   r.plan.Kind,
			"chunk":  spec.String(),
			"run_id": r.o.opts.RunID,
		},
		Details: map[string]any{
			"attempts":    attempt,
			"return_code": res.ReturnCode,
			"stderr":      ev.Message,
		},
	})
	if err != nil {
		r.logger.Warn("Failed to send alert", zap.Error(err))
	}
}

func (r *run) line(task *pool.Task, stream process.Stream, line string) {
	if stream == process.Stderr {
		r.logger.Debug("Worker output", zap.String("task_id", task.ID), zap.String("line", line))
		return
	}
	if done, total, entity, ok := worker.ParseProgress(line); ok {
		r.logger.Info("Worker progress",
			zap.Stringer("chunk", specOf(task)),
			zap.Int("done", done),
			zap.Int("total", total),
			zap.String("entity", entity))
	}
}

func (r *run) mergeFailed(err error) {
	r.logger.Error("Merge failed", zap.Error(err))
	r.publish(events.Event{Type: events.TypeMergeFailed, Message: err.Error()})
	if aerr := r.o.opts.Alerts.Notify(r.ctx, alert.Alert{
		Title:    "Merge failed",
		Severity: alert.SeverityFatal,
		Err:      err,
		Tags:     map[string]string{"kind": r.plan.Kind, "run_id": r.o.opts.RunID},
	}); aerr != nil {
		r.logger.Warn("Failed to send alert", zap.Error(aerr))
	}
}

func (r *run) publish(ev events.Event) {
	ev.RunID = r.o.opts.RunID
	ev.Kind = r.plan.Kind
	if err := r.o.opts.Events.Publish(r.ctx, ev); err != nil {
		r.logger.Warn("Failed to publish event", zap.String("type", ev.Type), zap.Error(err))
	}
}

// sortChunks orders "i/n" names by index.
func sortChunks(names []string) {
	slices.SortFunc(names, func(a, b string) int {
		sa, _ := chunk.Parse(a)
		sb, _ := chunk.Parse(b)
		return cmp.Compare(sa.Index, sb.Index)
	})
}

func lastLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] != "" {
			return lines[i]
		}
	}
	return ""
}
