package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/alert"
	"github.com/wehubfusion/Daedalus/pkg/chunk"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/entities"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/orchestrator"
	"github.com/wehubfusion/Daedalus/pkg/process"
	"github.com/wehubfusion/Daedalus/pkg/results"
	"github.com/wehubfusion/Daedalus/pkg/worker"
	"go.uber.org/zap"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseIndexes(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, usageError("invalid chunk index %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func runCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	fs := newFlagSet("run", stderr, &common)
	kind := fs.String("kind", "", "Computation kind to run.")
	chunks := fs.Int("chunks", 0, "Number of chunks (default: the worker count).")
	parallel := fs.Int("parallel", 0, "Concurrent workers (default: pool.parallel or the CPU count).")
	maxAttempts := fs.Int("max-attempts", -1, "Attempts per chunk, 0 for unbounded (default: pool.max_attempts).")
	filter := fs.String("filter", "", "JavaScript expression selecting entities.")
	limit := fs.Int("limit", 0, "Keep at most this many entities.")
	desc := fs.String("desc", "", "Run description, used to name partial and log files.")
	skip := fs.String("skip", "", "Comma-separated chunk indexes already done.")
	timeout := fs.Duration("timeout", -1, "Per-attempt timeout (default: pool.task_timeout).")
	noMerge := fs.Bool("no-merge", false, "Do not merge after the run.")
	if stop, err := parse(fs, args); stop || err != nil {
		return err
	}
	if *kind == "" {
		return usageError("run: --kind is required")
	}
	completed, err := parseIndexes(*skip)
	if err != nil {
		return err
	}

	description := *desc
	if description == "" {
		description = "run-" + *kind
	}
	env, err := setup(ctx, common, description, "daedalus", stderr)
	if err != nil {
		return err
	}
	defer env.close()
	cfg := env.cfg

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate worker executable: %w", err)
	}
	workers := *parallel
	if workers <= 0 {
		workers = cfg.Parallel()
	}
	total := *chunks
	if total <= 0 {
		total = workers
	}
	attempts := cfg.Pool.MaxAttempts
	if *maxAttempts >= 0 {
		attempts = *maxAttempts
	}
	taskTimeout := cfg.Pool.TaskTimeout
	if *timeout >= 0 {
		taskTimeout = *timeout
	}

	merger, err := env.merger("")
	if err != nil {
		return err
	}
	var breaker *concurrency.CircuitBreaker
	if cfg.Pool.BreakerFailures > 0 {
		breaker = concurrency.NewCircuitBreaker(int64(cfg.Pool.BreakerFailures), cfg.Pool.BreakerReset).
			WithLogger(env.logger)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Merger:  merger,
		Events:  env.publisher(ctx),
		Alerts:  env.notifier(),
		Breaker: breaker,
		Tick:    cfg.Pool.Tick,
		Cancel:  process.CancelPolicy{Grace: cfg.Pool.Grace},
		Logger:  env.logger,
	})
	if err != nil {
		return err
	}

	summary, err := orch.Run(ctx, orchestrator.Plan{
		Kind:        *kind,
		Filter:      *filter,
		Limit:       *limit,
		Chunks:      total,
		Parallel:    workers,
		MaxAttempts: attempts,
		Description: *desc,
		Executable:  exe,
		ConfigPath:  cfg.Path,
		Completed:   completed,
		TaskTimeout: taskTimeout,
		AutoMerge:   cfg.Merge.Auto && !*noMerge,
	})
	if summary != nil {
		if werr := writeJSON(stdout, summary); werr != nil && err == nil {
			err = werr
		}
	}
	if err != nil {
		return err
	}
	if !summary.OK() {
		return &ExitError{Code: ExitIncomplete, Message: fmt.Sprintf("run incomplete: %d abandoned, %d cancelled",
			len(summary.Abandoned), len(summary.Cancelled))}
	}
	return nil
}

func workerCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	fs := newFlagSet("worker", stderr, &common)
	kind := fs.String("kind", "", "Computation kind.")
	index := fs.Int("chunk", 0, "Chunk index, 1-based.")
	total := fs.Int("chunks", 0, "Total number of chunks.")
	filter := fs.String("filter", "", "JavaScript expression selecting entities.")
	limit := fs.Int("limit", 0, "Keep at most this many entities.")
	desc := fs.String("desc", "", "Run description naming the partial file.")
	if stop, err := parse(fs, args); stop || err != nil {
		return err
	}
	if *kind == "" {
		return usageError("worker: --kind is required")
	}
	spec := chunk.Spec{Index: *index, Total: *total}
	if err := spec.Validate(); err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}

	env, err := setup(ctx, common, fmt.Sprintf("worker-%s-%d-of-%d", *kind, spec.Index, spec.Total), "daedalus-worker", stderr)
	if err != nil {
		return err
	}
	defer env.close()

	reg, err := env.registry()
	if err != nil {
		return err
	}
	src, err := env.source()
	if err != nil {
		return err
	}

	_, err = worker.Run(ctx, worker.Options{
		Kind:        *kind,
		Chunk:       spec,
		Filter:      entities.Filter{Expr: *filter, Limit: *limit},
		Description: *desc,
		Layout:      env.layout,
		Source:      src,
		Traits:      reg,
		Progress:    stdout,
		Logger:      env.logger,
	})
	if err != nil {
		env.logger.Error("Worker failed", zap.Error(err))
	}
	return err
}

func mergeCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	fs := newFlagSet("merge", stderr, &common)
	kind := fs.String("kind", "", "Computation kind to merge.")
	all := fs.Bool("all", false, "Merge every kind that has partial files.")
	policy := fs.String("policy", "", "Conflict policy: keep-first or fail-on-conflict (default: merge.policy).")
	if stop, err := parse(fs, args); stop || err != nil {
		return err
	}
	if (*kind == "") == !*all {
		return usageError("merge: exactly one of --kind or --all is required")
	}

	env, err := setup(ctx, common, "merge", "daedalus", stderr)
	if err != nil {
		return err
	}
	defer env.close()

	merger, err := env.merger(*policy)
	if err != nil {
		return err
	}
	kinds := []string{*kind}
	if *all {
		if kinds, err = env.layout.ListKinds(); err != nil {
			return err
		}
	}
	pub := env.publisher(ctx)
	notifier := env.notifier()

	var reports []*results.MergeReport
	var errs []error
	for _, k := range kinds {
		start := time.Now()
		report, err := merger.Merge(ctx, k)
		if err != nil {
			errs = append(errs, fmt.Errorf("merge %s: %w", k, err))
			_ = pub.Publish(ctx, events.Event{Type: events.TypeMergeFailed, Kind: k, Message: err.Error()})
			continue
		}
		reports = append(reports, report)
		if report.Published {
			_ = pub.Publish(ctx, events.Event{Type: events.TypeMergePublished, Kind: k, Data: map[string]any{
				"entries":     report.Entries,
				"added":       report.Added,
				"conflicts":   len(report.Conflicts),
				"duration_ms": time.Since(start).Milliseconds(),
			}})
		}
	}
	if err := writeJSON(stdout, reports); err != nil {
		return err
	}
	if err := errors.Join(errs...); err != nil {
		_ = notifier.Notify(ctx, alert.Alert{Title: "Merge failed", Severity: alert.SeverityFatal, Err: err})
		return err
	}
	return nil
}

func chunksCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	fs := newFlagSet("chunks", stderr, &common)
	total := fs.Int("chunks", 0, "Number of chunks.")
	only := fs.Int("chunk", 0, "Print only this chunk.")
	filter := fs.String("filter", "", "JavaScript expression selecting entities.")
	limit := fs.Int("limit", 0, "Keep at most this many entities.")
	if stop, err := parse(fs, args); stop || err != nil {
		return err
	}
	specs, err := chunk.All(*total)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	if *only != 0 {
		spec := chunk.Spec{Index: *only, Total: *total}
		if err := spec.Validate(); err != nil {
			return &ExitError{Code: 2, Message: err.Error()}
		}
		specs = []chunk.Spec{spec}
	}

	env, err := setup(ctx, common, "chunks", "daedalus", stderr)
	if err != nil {
		return err
	}
	defer env.close()

	src, err := env.source()
	if err != nil {
		return err
	}
	list, err := src.Entities(ctx, entities.Filter{Expr: *filter, Limit: *limit})
	if err != nil {
		return err
	}
	for _, spec := range specs {
		mine, err := chunk.Select(list, spec.Index, spec.Total)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("%s %d", spec, len(mine))
		if len(mine) > 0 {
			line += " " + strings.Join(entities.IDs(mine), " ")
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}
