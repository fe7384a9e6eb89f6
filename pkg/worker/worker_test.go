package worker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/chunk"
	"github.com/wehubfusion/Daedalus/pkg/entities"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/results"
	"github.com/wehubfusion/Daedalus/pkg/traits"
)

const kind = "torsion"

var curves = entities.Static{
	{ID: "c1", Weight: 1, Fields: map[string]any{"n": 10.0}},
	{ID: "c2", Weight: 2, Fields: map[string]any{"n": 20.0}},
	{ID: "c3", Weight: 3, Fields: map[string]any{"n": 30.0}},
	{ID: "c4", Weight: 4, Fields: map[string]any{"n": 40.0}},
}

type harness struct {
	layout   results.Layout
	calls    atomic.Int64
	failOn   string
	params   []results.Params
	progress bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	return &harness{layout: results.Layout{Root: t.TempDir()}}
}

func (h *harness) options(t *testing.T, spec chunk.Spec) Options {
	t.Helper()
	reg, err := traits.NewRegistry(traits.Func{
		Kind:   kind,
		Params: h.params,
		Fn: func(_ context.Context, e entities.Entity, p results.Params) (any, error) {
			h.calls.Add(1)
			if e.ID == h.failOn {
				return nil, errors.New("boom")
			}
			n, _ := e.Field("n")
			if scale, ok := p["scale"].(int); ok {
				return n.(float64) * float64(scale), nil
			}
			return n, nil
		},
	})
	require.NoError(t, err)
	return Options{
		Kind:        kind,
		Chunk:       spec,
		Description: "test run",
		Layout:      h.layout,
		Source:      curves,
		Traits:      reg,
		Progress:    &h.progress,
	}
}

func (h *harness) partial(t *testing.T, spec chunk.Spec) results.Table {
	t.Helper()
	table, err := results.LoadTable(h.layout.PartialPath(kind, spec, "test-run"))
	require.NoError(t, err)
	return table
}

func TestRunComputesItsChunk(t *testing.T) {
	h := newHarness(t)
	spec := chunk.Spec{Index: 1, Total: 2}

	report, err := Run(context.Background(), h.options(t, spec))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Entities)
	assert.Equal(t, 2, report.Computed)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, "1/2", report.Chunk)
	assert.Equal(t, h.layout.PartialPath(kind, spec, "test-run"), report.Partial)

	want := results.Table{"c1": {"{}": 10.0}, "c3": {"{}": 30.0}}
	assert.True(t, want.Equal(h.partial(t, spec)))
	assert.Equal(t, "progress 1/2 c1\nprogress 2/2 c3\n", h.progress.String())
}

func TestRunSkipsComputedEntries(t *testing.T) {
	h := newHarness(t)
	spec := chunk.Spec{Index: 2, Total: 2}
	_, err := Run(context.Background(), h.options(t, spec))
	require.NoError(t, err)
	require.EqualValues(t, 2, h.calls.Load())

	report, err := Run(context.Background(), h.options(t, spec))
	require.NoError(t, err)
	assert.EqualValues(t, 2, h.calls.Load())
	assert.Equal(t, 0, report.Computed)
	assert.Equal(t, 2, report.Skipped)
}

func TestRunCopiesCanonicalForward(t *testing.T) {
	h := newHarness(t)
	data, err := results.EncodeTable(results.Table{"c1": {"{}": 99.0}})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(h.layout.Root, 0o755))
	require.NoError(t, os.WriteFile(h.layout.CanonicalPath(kind), data, 0o644))

	spec := chunk.Spec{Index: 1, Total: 2}
	report, err := Run(context.Background(), h.options(t, spec))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Computed)
	assert.Equal(t, 1, report.Skipped)
	assert.EqualValues(t, 1, h.calls.Load())

	want := results.Table{"c1": {"{}": 99.0}, "c3": {"{}": 30.0}}
	assert.True(t, want.Equal(h.partial(t, spec)))
}

func TestRunCheckpointsBeforeFailure(t *testing.T) {
	h := newHarness(t)
	h.failOn = "c3"
	spec := chunk.Spec{Index: 1, Total: 2}

	report, err := Run(context.Background(), h.options(t, spec))
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Computed)

	assert.True(t, results.Table{"c1": {"{}": 10.0}}.Equal(h.partial(t, spec)))

	// The retry only computes what is missing.
	h.failOn = ""
	h.calls.Store(0)
	report, err = Run(context.Background(), h.options(t, spec))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Computed)
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestRunMultipleParamSets(t *testing.T) {
	h := newHarness(t)
	h.params = []results.Params{{"scale": 2}, {"scale": 3}}
	spec := chunk.Spec{Index: 1, Total: 4}

	report, err := Run(context.Background(), h.options(t, spec))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Computed)

	want := results.Table{"c1": {`{"scale":2}`: 20.0, `{"scale":3}`: 30.0}}
	assert.True(t, want.Equal(h.partial(t, spec)))
}

func TestRunHonoursFilter(t *testing.T) {
	h := newHarness(t)
	opts := h.options(t, chunk.Spec{Index: 1, Total: 1})
	opts.Filter = entities.Filter{Expr: "n > 15", Limit: 2}

	report, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Entities)
	assert.Equal(t, "progress 1/2 c2\nprogress 2/2 c3\n", h.progress.String())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	spec := chunk.Spec{Index: 1, Total: 2}
	_, err := Run(ctx, h.options(t, spec))
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, h.calls.Load())
}

func TestRunValidates(t *testing.T) {
	h := newHarness(t)

	opts := h.options(t, chunk.Spec{Index: 3, Total: 2})
	_, err := Run(context.Background(), opts)
	assert.Equal(t, sdkerrors.CodeInvalidChunk, sdkerrors.Code(err))

	opts = h.options(t, chunk.Spec{Index: 1, Total: 2})
	opts.Kind = "regulator"
	_, err = Run(context.Background(), opts)
	assert.Equal(t, sdkerrors.CodeUnknownKind, sdkerrors.Code(err))

	opts.Source = nil
	_, err = Run(context.Background(), opts)
	assert.Error(t, err)
}

func TestRunUsesHourMarkerWithoutDescription(t *testing.T) {
	h := newHarness(t)
	opts := h.options(t, chunk.Spec{Index: 1, Total: 2})
	opts.Description = ""
	opts.Now = func() time.Time { return time.Date(2026, 10, 14, 15, 4, 0, 0, time.UTC) }

	report, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "torsion.chunk-1-of-2.20261014T15.json", filepath.Base(report.Partial))
}

func TestParseProgress(t *testing.T) {
	done, total, entity, ok := ParseProgress("progress 3/10 11.a1")
	require.True(t, ok)
	assert.Equal(t, 3, done)
	assert.Equal(t, 10, total)
	assert.Equal(t, "11.a1", entity)

	for _, line := range []string{"", "computing", "progress x/y z", strings.Repeat("p", 3)} {
		_, _, _, ok := ParseProgress(line)
		assert.False(t, ok, line)
	}
}

func TestWideTraitResultReachesCanonicalStore(t *testing.T) {
	const order = "115792089237316195423570985008687907852837564279074904382605163141518161494337"
	layout := results.Layout{Root: t.TempDir()}
	orderTrait, err := traits.NewExecTrait("order", traits.ExecConfig{
		Program: "/bin/sh",
		Args:    []string{"-c", `echo '{"order": ` + order + `}'`, "trait"},
	}, nil)
	require.NoError(t, err)
	reg, err := traits.NewRegistry(orderTrait)
	require.NoError(t, err)

	spec := chunk.Spec{Index: 1, Total: 1}
	_, err = Run(context.Background(), Options{
		Kind:        "order",
		Chunk:       spec,
		Description: "wide",
		Layout:      layout,
		Source:      entities.Static{{ID: "p256", Weight: 1}},
		Traits:      reg,
	})
	require.NoError(t, err)

	merger, err := results.NewMerger(layout, results.MergerOptions{})
	require.NoError(t, err)
	_, err = merger.Merge(context.Background(), "order")
	require.NoError(t, err)

	raw, err := os.ReadFile(layout.CanonicalPath("order"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"order": `+order)
}
