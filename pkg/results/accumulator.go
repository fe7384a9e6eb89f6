package results

import (
	"errors"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/chunk"
	"go.uber.org/zap"
)

// Source identifies where a looked-up result came from.
type Source int

const (
	SourceNone Source = iota
	// SourcePartial is this worker's own partial file.
	SourcePartial
	// SourceCanonical is the canonical snapshot read at open.
	SourceCanonical
	// SourcePrior is a partial of the same chunk left by an earlier run.
	SourcePrior
)

func (s Source) String() string {
	switch s {
	case SourcePartial:
		return "partial"
	case SourceCanonical:
		return "canonical"
	case SourcePrior:
		return "prior"
	}
	return "none"
}

// AccumulatorOptions configures OpenAccumulator.
type AccumulatorOptions struct {
	Layout Layout
	Kind   string
	Chunk  chunk.Spec
	// Marker names this worker's partial file; see Marker.
	Marker string
	Logger *zap.Logger
}

// Accumulator is one worker's durable partial result file. It is not safe for
// concurrent use.
type Accumulator struct {
	path      string
	kind      string
	spec      chunk.Spec
	canonical Table
	prior     Table
	partial   Table
	dirty     bool
	logger    *zap.Logger
}

// OpenAccumulator reads the canonical snapshot and any partials of the same chunk,
// then creates (or resumes) this worker's partial file.
func OpenAccumulator(opts AccumulatorOptions) (*Accumulator, error) {
	if err := ValidateKind(opts.Kind); err != nil {
		return nil, err
	}
	if err := opts.Chunk.Validate(); err != nil {
		return nil, err
	}
	if opts.Marker == "" {
		return nil, errors.New("marker cannot be empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	canonical, err := LoadTable(opts.Layout.CanonicalPath(opts.Kind))
	if err != nil {
		return nil, fmt.Errorf("failed to load canonical snapshot: %w", err)
	}

	path := opts.Layout.PartialPath(opts.Kind, opts.Chunk, opts.Marker)
	partial, err := LoadTable(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load partial: %w", err)
	}

	files, err := opts.Layout.ListPartials(opts.Kind)
	if err != nil {
		return nil, err
	}
	prior := Table{}
	for _, f := range files {
		if f.Chunk != opts.Chunk || f.Path == path {
			continue
		}
		t, err := LoadTable(f.Path)
		if err != nil {
			logger.Warn("Ignoring unreadable partial", zap.String("path", f.Path), zap.Error(err))
			continue
		}
		prior, _, _ = MergeTables(KeepFirst, prior, t)
	}

	a := &Accumulator{
		path:      path,
		kind:      opts.Kind,
		spec:      opts.Chunk,
		canonical: canonical,
		prior:     prior,
		partial:   partial,
		dirty:     true,
		logger:    logger.With(zap.String("kind", opts.Kind), zap.Stringer("chunk", opts.Chunk)),
	}
	if err := a.Flush(); err != nil {
		return nil, err
	}
	a.logger.Info("Opened partial result file",
		zap.String("path", path),
		zap.Int("canonical_entries", canonical.Len()),
		zap.Int("prior_entries", prior.Len()),
		zap.Int("resumed_entries", partial.Len()))
	return a, nil
}

// Path is the partial file this accumulator writes.
func (a *Accumulator) Path() string {
	return a.path
}

// Lookup reports whether (entity, key) is already computed. A hit from the canonical
// snapshot or a prior partial is copied forward into this partial; call Flush to
// persist it.
func (a *Accumulator) Lookup(entity, key string) (any, Source) {
	if v, ok := a.partial.Get(entity, key); ok {
		return v, SourcePartial
	}
	if v, ok := a.canonical.Get(entity, key); ok {
		a.copyForward(entity, key, v)
		return v, SourceCanonical
	}
	if v, ok := a.prior.Get(entity, key); ok {
		a.copyForward(entity, key, v)
		return v, SourcePrior
	}
	return nil, SourceNone
}

func (a *Accumulator) copyForward(entity, key string, v any) {
	a.partial.Set(entity, key, v)
	a.dirty = true
}

// Record stores a freshly computed result.
func (a *Accumulator) Record(entity, key string, value any) {
	a.partial.Set(entity, key, value)
	a.dirty = true
}

// Flush atomically rewrites the partial file if anything changed since the last flush.
func (a *Accumulator) Flush() error {
	if !a.dirty {
		return nil
	}
	data, err := EncodeTable(a.partial)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(a.path, data); err != nil {
		return fmt.Errorf("failed to write partial %s: %w", a.path, err)
	}
	a.dirty = false
	return nil
}

// Len is the number of entries in this partial.
func (a *Accumulator) Len() int {
	return a.partial.Len()
}

// Snapshot returns a copy of this partial's entries.
func (a *Accumulator) Snapshot() Table {
	return a.partial.Clone()
}
