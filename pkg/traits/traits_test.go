package traits

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/entities"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/results"
)

var curve = entities.Entity{ID: "11.a1", Weight: 11, Fields: map[string]any{"rank": json.Number("0")}}

func shTrait(t *testing.T, script string, mutate func(*ExecConfig)) *ExecTrait {
	t.Helper()
	cfg := ExecConfig{Program: "/bin/sh", Args: []string{"-c", script, "trait"}}
	if mutate != nil {
		mutate(&cfg)
	}
	tr, err := NewExecTrait("torsion", cfg, nil)
	require.NoError(t, err)
	return tr
}

func TestRegistry(t *testing.T) {
	a := Func{Kind: "torsion", Fn: func(context.Context, entities.Entity, results.Params) (any, error) { return 1, nil }}
	b := Func{Kind: "rank", Params: []results.Params{{"bound": 10}, {"bound": 20}}}

	reg, err := NewRegistry(a, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"rank", "torsion"}, reg.Kinds())

	got, err := reg.Get("torsion")
	require.NoError(t, err)
	assert.Equal(t, []results.Params{{}}, got.ParamSets())

	_, err = reg.Get("regulator")
	assert.Equal(t, sdkerrors.CodeUnknownKind, sdkerrors.Code(err))

	assert.ErrorContains(t, reg.Register(a), "already registered")
	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(Func{Kind: "../escape"}))
}

func TestNewExecTraitValidates(t *testing.T) {
	_, err := NewExecTrait("torsion", ExecConfig{}, nil)
	assert.Error(t, err)

	_, err = NewExecTrait("", ExecConfig{Program: "/bin/true"}, nil)
	assert.Error(t, err)

	_, err = NewExecTrait("torsion", ExecConfig{Program: "/bin/true", Params: []map[string]any{{"f": func() {}}}}, nil)
	assert.Error(t, err)

	tr, err := NewExecTrait("torsion", ExecConfig{Program: "/bin/true", Params: []map[string]any{{"p": 2}, {"p": 3}}}, nil)
	require.NoError(t, err)
	assert.Len(t, tr.ParamSets(), 2)
}

func TestExecCommand(t *testing.T) {
	tr := shTrait(t, "true", func(c *ExecConfig) { c.Env = []string{"EXTRA=1"} })
	cmd, cleanup, err := tr.Command(curve, results.Params{"p": 5, "a": true})
	require.NoError(t, err)
	defer cleanup()

	n := len(cmd.Args)
	require.GreaterOrEqual(t, n, 4)
	assert.Equal(t, "--params", cmd.Args[n-2])
	assert.Equal(t, `{"a":true,"p":5}`, cmd.Args[n-1])
	assert.Equal(t, "--entity", cmd.Args[n-4])

	var back entities.Entity
	require.NoError(t, json.Unmarshal([]byte(cmd.Args[n-3]), &back))
	assert.Equal(t, curve, back)

	assert.Contains(t, cmd.Env, "EXTRA=1")
	assert.Contains(t, cmd.Env, "DAEDALUS_KIND=torsion")
	assert.Contains(t, cmd.Env, `DAEDALUS_PARAMS={"a":true,"p":5}`)
}

func TestExecComputeReadsLastJSONLine(t *testing.T) {
	tr := shTrait(t, `echo "computing $DAEDALUS_KIND"; echo "$DAEDALUS_PARAMS"; echo`, nil)
	v, err := tr.Compute(context.Background(), curve, results.Params{"p": 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"p": json.Number("3")}, v)

	tr = shTrait(t, `echo 42`, nil)
	v, err = tr.Compute(context.Background(), curve, results.Params{})
	require.NoError(t, err)
	assert.Equal(t, json.Number("42"), v)
}

func TestExecComputeKeepsWideIntegers(t *testing.T) {
	const order = "115792089237316195423570985008687907852837564279074904382605163141518161494337"
	tr := shTrait(t, `echo '{"order": `+order+`}'`, nil)
	v, err := tr.Compute(context.Background(), curve, results.Params{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"order": json.Number(order)}, v)

	encoded, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"order":`+order+`}`, string(encoded))
}

func TestExecCommandPassesLargeEntityThroughFile(t *testing.T) {
	big := entities.Entity{ID: "big", Fields: map[string]any{"blob": strings.Repeat("x", InlineEntityLimit)}}
	tr := shTrait(t, `cat "$DAEDALUS_ENTITY_FILE" | wc -c`, nil)

	cmd, cleanup, err := tr.Command(big, results.Params{})
	require.NoError(t, err)
	n := len(cmd.Args)
	assert.Equal(t, "--entity-file", cmd.Args[n-4])
	path := cmd.Args[n-3]
	assert.Contains(t, cmd.Env, EnvEntityFile+"="+path)
	for _, kv := range cmd.Env {
		assert.False(t, strings.HasPrefix(kv, EnvEntity+"="), "entity also passed inline")
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var back entities.Entity
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, big, back)
	cleanup()
	assert.NoFileExists(t, path)

	// Compute reads the file and removes it afterwards
	v, err := tr.Compute(context.Background(), big, results.Params{})
	require.NoError(t, err)
	size, err := json.Marshal(big)
	require.NoError(t, err)
	assert.Equal(t, json.Number(strconv.Itoa(len(size))), v)
}

func TestExecComputeFailures(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"non-zero exit", "echo boom >&2; exit 3", "exit code 3: boom"},
		{"no output", "true", "printed no result"},
		{"not json", "echo done", "not JSON"},
		{"trailing data", "echo '1 2'", "trailing data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := shTrait(t, tt.script, nil).Compute(context.Background(), curve, results.Params{})
			require.Error(t, err)
			assert.True(t, sdkerrors.IsTraitFailed(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExecComputeTimeout(t *testing.T) {
	tr := shTrait(t, "sleep 5", func(c *ExecConfig) {
		c.Timeout = 100 * time.Millisecond
		c.Grace = 50 * time.Millisecond
	})
	start := time.Now()
	_, err := tr.Compute(context.Background(), curve, results.Params{})
	require.Error(t, err)
	assert.True(t, sdkerrors.IsTraitFailed(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecComputeSpawnFault(t *testing.T) {
	tr, err := NewExecTrait("torsion", ExecConfig{Program: "/no/such/trait"}, nil)
	require.NoError(t, err)
	_, err = tr.Compute(context.Background(), curve, results.Params{})
	require.Error(t, err)
	assert.True(t, sdkerrors.IsTraitFailed(err))
	assert.True(t, sdkerrors.IsSpawnFault(err))
}
