// Package worker computes one chunk of one kind inside a worker process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/chunk"
	"github.com/wehubfusion/Daedalus/pkg/entities"
	"github.com/wehubfusion/Daedalus/pkg/results"
	"github.com/wehubfusion/Daedalus/pkg/traits"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ProgressPrefix starts every progress line a worker prints on stdout.
const ProgressPrefix = "progress "

// Options describes the chunk to compute.
type Options struct {
	Kind   string
	Chunk  chunk.Spec
	Filter entities.Filter
	// Description names the partial file; empty uses the current UTC hour.
	Description string

	Layout results.Layout
	Source entities.Source
	Traits *traits.Registry
	// Progress receives one line per finished entity; nil discards.
	Progress io.Writer
	Logger   *zap.Logger
	Now      func() time.Time
}

// Report summarises a worker run.
type Report struct {
	Kind     string        `json:"kind"`
	Chunk    string        `json:"chunk"`
	Partial  string        `json:"partial"`
	Entities int           `json:"entities"`
	Computed int           `json:"computed"`
	Skipped  int           `json:"skipped"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Run loads the entities, selects the chunk and computes every missing result,
// checkpointing after each entity. On error the partial file holds everything
// finished before it.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Source == nil {
		return nil, errors.New("entity source cannot be nil")
	}
	if opts.Traits == nil {
		return nil, errors.New("trait registry cannot be nil")
	}
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("kind", opts.Kind), zap.Stringer("chunk", opts.Chunk))

	trait, err := opts.Traits.Get(opts.Kind)
	if err != nil {
		return nil, err
	}
	if err := opts.Chunk.Validate(); err != nil {
		return nil, err
	}
	keys, err := paramKeys(trait)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("daedalus/worker").Start(ctx, "worker.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("kind", opts.Kind),
		attribute.String("chunk", opts.Chunk.String()))

	report, err := run(ctx, opts, trait, keys, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return report, err
}

type paramKey struct {
	params results.Params
	key    string
}

func paramKeys(t traits.Trait) ([]paramKey, error) {
	sets := t.ParamSets()
	out := make([]paramKey, 0, len(sets))
	for _, p := range sets {
		key, err := p.Key()
		if err != nil {
			return nil, fmt.Errorf("trait %s: %w", t.Name(), err)
		}
		out = append(out, paramKey{params: p, key: key})
	}
	return out, nil
}

func run(ctx context.Context, opts Options, trait traits.Trait, keys []paramKey, logger *zap.Logger) (*Report, error) {
	start := opts.Now()

	all, err := opts.Source.Entities(ctx, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load entities: %w", err)
	}
	mine, err := chunk.Select(all, opts.Chunk.Index, opts.Chunk.Total)
	if err != nil {
		return nil, err
	}

	acc, err := results.OpenAccumulator(results.AccumulatorOptions{
		Layout: opts.Layout,
		Kind:   opts.Kind,
		Chunk:  opts.Chunk,
		Marker: results.Marker(opts.Description, start),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	report := &Report{
		Kind:     opts.Kind,
		Chunk:    opts.Chunk.String(),
		Partial:  acc.Path(),
		Entities: len(mine),
	}
	logger.Info("Worker started",
		zap.Int("entities", len(mine)),
		zap.Int("of_total", len(all)),
		zap.Int("param_sets", len(keys)),
		zap.String("partial", acc.Path()))

	for done, entity := range mine {
		if err := ctx.Err(); err != nil {
			return finish(report, acc, start, opts.Now, err)
		}

		entityStart := opts.Now()
		computed, skipped := 0, 0
		for _, pk := range keys {
			if _, src := acc.Lookup(entity.ID, pk.key); src != results.SourceNone {
				skipped++
				continue
			}
			value, err := trait.Compute(ctx, entity, pk.params)
			if err != nil {
				logger.Error("Computation failed",
					zap.String("entity", entity.ID),
					zap.String("params", pk.key),
					zap.Error(err))
				return finish(report, acc, start, opts.Now, err)
			}
			acc.Record(entity.ID, pk.key, value)
			computed++
		}
		if err := acc.Flush(); err != nil {
			return report, err
		}

		report.Computed += computed
		report.Skipped += skipped
		fmt.Fprintf(opts.Progress, "%s%d/%d %s\n", ProgressPrefix, done+1, len(mine), entity.ID)
		logger.Info("Entity done",
			zap.String("entity", entity.ID),
			zap.Int("computed", computed),
			zap.Int("skipped", skipped),
			zap.Duration("elapsed", opts.Now().Sub(entityStart)))
	}

	report, err = finish(report, acc, start, opts.Now, nil)
	if err == nil {
		logger.Info("Worker finished",
			zap.Int("computed", report.Computed),
			zap.Int("skipped", report.Skipped),
			zap.Duration("elapsed", report.Elapsed))
	}
	return report, err
}

// finish flushes whatever the current entity copied forward and stamps the report.
func finish(report *Report, acc *results.Accumulator, start time.Time, now func() time.Time, cause error) (*Report, error) {
	report.Elapsed = now().Sub(start)
	if err := acc.Flush(); err != nil {
		return report, errors.Join(cause, err)
	}
	return report, cause
}

// ParseProgress reads a progress line printed by Run.
func ParseProgress(line string) (done, total int, entity string, ok bool) {
	if _, err := fmt.Sscanf(line, ProgressPrefix+"%d/%d %s", &done, &total, &entity); err != nil {
		return 0, 0, "", false
	}
	return done, total, entity, true
}
