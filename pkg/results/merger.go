package results

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultMaxConcurrentLoads bounds partial files decoded at once.
const DefaultMaxConcurrentLoads = 8

// Mirror receives a copy of every canonical store after it is published.
type Mirror interface {
	Mirror(ctx context.Context, kind string, data []byte) error
}

// MergerOptions configures a Merger.
type MergerOptions struct {
	Policy             ConflictPolicy
	MaxConcurrentLoads int
	Mirror             Mirror
	Logger             *zap.Logger
}

// MergeReport describes one merge pass.
type MergeReport struct {
	Kind      string     `json:"kind"`
	Partials  []string   `json:"partials"`
	Entries   int        `json:"entries"`
	Added     int        `json:"added"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	Published bool       `json:"published"`
	// Recovered is set when an interrupted publish was completed first.
	Recovered bool          `json:"recovered"`
	Mirrored  bool          `json:"mirrored"`
	Removed   int           `json:"removed"`
	Duration  time.Duration `json:"duration"`
}

// Merger folds the partial files of a kind into its canonical store. Merges of the
// same kind must not run concurrently.
type Merger struct {
	layout  Layout
	policy  ConflictPolicy
	limiter *concurrency.Limiter
	mirror  Mirror
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewMerger creates a merger over layout.
func NewMerger(layout Layout, opts MergerOptions) (*Merger, error) {
	if layout.Root == "" {
		return nil, errors.New("results root cannot be empty")
	}
	if opts.MaxConcurrentLoads <= 0 {
		opts.MaxConcurrentLoads = DefaultMaxConcurrentLoads
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{
		layout:  layout,
		policy:  opts.Policy,
		limiter: concurrency.NewLimiter(opts.MaxConcurrentLoads),
		mirror:  opts.Mirror,
		tracer:  otel.Tracer("daedalus/results"),
		logger:  logger,
	}, nil
}

// Merge runs one merge pass for kind:
//  1. complete or discard an interrupted publish
//  2. load every partial (sorted by file name) and the canonical store
//  3. fold canonical first, then partials in order; earlier sources win
//  4. publish through PublishPath and a rename, mirror, then delete the partials
//
// Inputs are untouched until the publish succeeds, so a failed or interrupted merge
// can simply be run again.
func (m *Merger) Merge(ctx context.Context, kind string) (*MergeReport, error) {
	if err := ValidateKind(kind); err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "results.merge",
		trace.WithAttributes(attribute.String("merge.kind", kind)))
	defer span.End()

	logger := m.logger.With(zap.String("kind", kind))
	report := &MergeReport{Kind: kind}

	recovered, err := m.Recover(kind)
	if err != nil {
		return m.fail(span, report, err)
	}
	report.Recovered = recovered

	files, err := m.layout.ListPartials(kind)
	if err != nil {
		return m.fail(span, report, err)
	}
	for _, f := range files {
		report.Partials = append(report.Partials, f.Path)
	}
	span.SetAttributes(attribute.Int("merge.partials", len(files)))

	canonicalPath := m.layout.CanonicalPath(kind)
	canonical, err := LoadTable(canonicalPath)
	if err != nil {
		return m.fail(span, report, err)
	}
	report.Entries = canonical.Len()
	if len(files) == 0 {
		logger.Info("No partial results to merge", zap.Int("entries", report.Entries))
		report.Duration = time.Since(start)
		span.SetStatus(codes.Ok, "nothing to merge")
		return report, nil
	}

	partials, err := m.loadAll(ctx, files)
	if err != nil {
		return m.fail(span, report, err)
	}

	f := newFolder(m.policy)
	if err := f.fold(canonical, canonicalPath); err != nil {
		return m.fail(span, report, err)
	}
	for i, t := range partials {
		if err := f.fold(t, files[i].Path); err != nil {
			return m.fail(span, report, err)
		}
	}
	report.Conflicts = f.conflicts
	report.Entries = f.out.Len()
	report.Added = report.Entries - canonical.Len()
	for _, c := range f.conflicts {
		logger.Warn("Conflicting result dropped",
			zap.String("entity", c.Entity),
			zap.String("key", c.Key),
			zap.String("kept_from", c.KeptFrom),
			zap.String("dropped_from", c.DroppedFrom))
	}

	data, err := EncodeTable(f.out)
	if err != nil {
		return m.fail(span, report, sdkerrors.NewPublishFault(canonicalPath, err))
	}
	if err := m.publish(kind, data); err != nil {
		return m.fail(span, report, err)
	}
	report.Published = true

	if m.mirror != nil {
		if err := m.mirror.Mirror(ctx, kind, data); err != nil {
			logger.Warn("Failed to mirror canonical store", zap.Error(err))
		} else {
			report.Mirrored = true
		}
	}

	for _, file := range files {
		if err := os.Remove(file.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to remove merged partial", zap.String("path", file.Path), zap.Error(err))
			continue
		}
		report.Removed++
	}

	report.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("merge.entries", report.Entries),
		attribute.Int("merge.added", report.Added),
		attribute.Int("merge.conflicts", len(report.Conflicts)))
	span.SetStatus(codes.Ok, "published")
	logger.Info("Merged partial results",
		zap.Int("partials", len(files)),
		zap.Int("entries", report.Entries),
		zap.Int("added", report.Added),
		zap.Int("conflicts", len(report.Conflicts)),
		zap.Duration("elapsed", report.Duration))
	return report, nil
}

func (m *Merger) fail(span trace.Span, report *MergeReport, err error) (*MergeReport, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.logger.Error("Merge failed", zap.String("kind", report.Kind), zap.Error(err))
	return report, err
}

// loadAll decodes the partial files with bounded concurrency, keeping their order.
func (m *Merger) loadAll(ctx context.Context, files []PartialFile) ([]Table, error) {
	tables := make([]Table, len(files))
	errs := make([]error, len(files))
	var wg sync.WaitGroup

	for i, file := range files {
		wg.Add(1)
		err := m.limiter.Go(ctx, func() error {
			defer wg.Done()
			tables[i], errs[i] = LoadTable(file.Path)
			return errs[i]
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return nil, fmt.Errorf("failed to schedule partial load: %w", err)
		}
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return tables, nil
}

// publish writes data to PublishPath and renames it over the canonical store.
func (m *Merger) publish(kind string, data []byte) error {
	canonical := m.layout.CanonicalPath(kind)
	tmp := m.layout.PublishPath(kind)
	if err := writeFileDurable(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return sdkerrors.NewPublishFault(canonical, err)
	}
	if err := replaceFile(tmp, canonical); err != nil {
		return sdkerrors.NewPublishFault(canonical, err)
	}
	return nil
}

// Recover finishes a publish interrupted between removing the old canonical store
// and renaming the new one, and discards any other leftover publish file. It reports
// whether a publish file was promoted.
func (m *Merger) Recover(kind string) (bool, error) {
	canonical := m.layout.CanonicalPath(kind)
	tmp := m.layout.PublishPath(kind)

	data, err := os.ReadFile(tmp)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, sdkerrors.NewPublishFault(canonical, err)
	}

	_, statErr := os.Stat(canonical)
	if statErr == nil {
		if err := os.Remove(tmp); err != nil {
			return false, sdkerrors.NewPublishFault(canonical, err)
		}
		m.logger.Info("Discarded stale publish file", zap.String("path", tmp))
		return false, nil
	}
	if !errors.Is(statErr, os.ErrNotExist) {
		return false, sdkerrors.NewPublishFault(canonical, statErr)
	}

	if _, err := decodeTable(data, tmp); err != nil {
		m.logger.Warn("Discarding incomplete publish file", zap.String("path", tmp), zap.Error(err))
		if err := os.Remove(tmp); err != nil {
			return false, sdkerrors.NewPublishFault(canonical, err)
		}
		return false, nil
	}
	if err := os.Rename(tmp, canonical); err != nil {
		return false, sdkerrors.NewPublishFault(canonical, err)
	}
	if err := fsyncDir(filepath.Dir(canonical)); err != nil {
		return true, sdkerrors.NewPublishFault(canonical, err)
	}
	m.logger.Info("Promoted interrupted publish", zap.String("path", canonical))
	return true, nil
}
