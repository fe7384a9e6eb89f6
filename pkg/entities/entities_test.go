package entities

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "curves.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEntityJSON(t *testing.T) {
	var e Entity
	require.NoError(t, json.Unmarshal([]byte(`{"id":"11.a1","weight":11,"rank":0,"ainvs":[0,-1,1,-10,-20]}`), &e))
	assert.Equal(t, "11.a1", e.ID)
	assert.Equal(t, 11.0, e.Weight)
	rank, ok := e.Field("rank")
	require.True(t, ok)
	assert.Equal(t, json.Number("0"), rank)

	data, err := json.Marshal(e)
	require.NoError(t, err)
	var back Entity
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, e, back)

	require.NoError(t, json.Unmarshal([]byte(`{"id":12345678901234567890}`), &e))
	assert.Equal(t, "12345678901234567890", e.ID)
	assert.Nil(t, e.Fields)
}

func TestEntityJSONRejects(t *testing.T) {
	for _, input := range []string{
		`{"weight":1}`,
		`{"id":""}`,
		`{"id":true}`,
		`{"id":"a","weight":"heavy"}`,
		`[1]`,
	} {
		var e Entity
		assert.Error(t, json.Unmarshal([]byte(input), &e), input)
	}
}

func TestDecodeFormats(t *testing.T) {
	lines := "{\"id\":\"b\"}\n\n# comment\n{\"id\":\"a\"}\n"
	list, err := Decode([]byte(lines))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, IDs(list))

	list, err = Decode([]byte(`  [{"id":"x"},{"id":"y"}]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, IDs(list))

	list, err = Decode([]byte("   \n"))
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = Decode([]byte("{\"id\":\"a\"}\n{\"id\":\"a\"}\n"))
	assert.ErrorContains(t, err, "duplicate entity id a")

	_, err = Decode([]byte("{\"id\":\"a\"}\nnot json\n"))
	assert.ErrorContains(t, err, "line 2")
}

func TestFileSourceOrdersByWeightThenID(t *testing.T) {
	path := writeFile(t, `{"id":"c3","weight":2}
{"id":"c2","weight":1}
{"id":"c1","weight":1}
{"id":"c0","weight":3}
`)
	src, err := NewFileSource(path, nil)
	require.NoError(t, err)

	list, err := src.Entities(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "c3", "c0"}, IDs(list))

	list, err = src.Entities(context.Background(), Filter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, IDs(list))
}

func TestFileSourceErrors(t *testing.T) {
	_, err := NewFileSource("", nil)
	assert.Error(t, err)

	src, err := NewFileSource(filepath.Join(t.TempDir(), "missing.jsonl"), nil)
	require.NoError(t, err)
	_, err = src.Entities(context.Background(), Filter{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src, err = NewFileSource(writeFile(t, `{"id":"a"}`), nil)
	require.NoError(t, err)
	_, err = src.Entities(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFilterExpressions(t *testing.T) {
	src := Static{
		{ID: "11.a1", Weight: 11, Fields: map[string]any{"rank": 0.0, "torsion": 5.0}},
		{ID: "37.a1", Weight: 37, Fields: map[string]any{"rank": 1.0, "torsion": 1.0}},
		{ID: "389.a1", Weight: 389, Fields: map[string]any{"rank": 2.0}},
	}

	tests := []struct {
		name string
		expr string
		want []string
	}{
		{"field as global", "rank > 0", []string{"37.a1", "389.a1"}},
		{"entity object", "entity.rank === 0", []string{"11.a1"}},
		{"weight alias", "weight < 100", []string{"11.a1", "37.a1"}},
		{"id string ops", "id.endsWith('a1') && id.startsWith('3')", []string{"37.a1", "389.a1"}},
		{"missing field via entity", "entity.torsion === undefined", []string{"389.a1"}},
		{"truthiness", "entity.torsion", []string{"11.a1", "37.a1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := src.Entities(context.Background(), Filter{Expr: tt.expr})
			require.NoError(t, err)
			assert.Equal(t, tt.want, IDs(list))
		})
	}
}

func TestDecodeKeepsWideIntegers(t *testing.T) {
	const disc = "-1157920892373161954235709850086879078528375642790749043826051631415"
	list, err := Decode([]byte(`{"id":"big","weight":1,"disc":` + disc + `,"ainvs":[0,1,` + disc[1:] + `],"rank":2}`))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, json.Number(disc), list[0].Fields["disc"])

	data, err := json.Marshal(list[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"disc":`+disc)
	assert.Contains(t, string(data), `"ainvs":[0,1,`+disc[1:]+`]`)

	// decoded numbers still compare as numbers in filters
	for expr, want := range map[string]bool{
		"rank === 2":          true,
		"rank > 1.5":          true,
		"entity.ainvs[1] < 2": true,
		"disc < 0":            true,
	} {
		pred, err := CompilePredicate(expr, 0)
		require.NoError(t, err)
		ok, err := pred.Match(list[0])
		require.NoError(t, err, expr)
		assert.Equal(t, want, ok, expr)
	}
}

func TestFilterLimitAppliesAfterMatch(t *testing.T) {
	src := Static{{ID: "a", Weight: 1}, {ID: "b", Weight: 2}, {ID: "c", Weight: 3}, {ID: "d", Weight: 4}}
	list, err := src.Entities(context.Background(), Filter{Expr: "weight % 2 === 0", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, IDs(list))

	_, err = Apply(src, Filter{Limit: -1})
	assert.Error(t, err)
}

func TestPredicateDoesNotLeakFields(t *testing.T) {
	pred, err := CompilePredicate("typeof torsion !== 'undefined'", 0)
	require.NoError(t, err)

	ok, err := pred.Match(Entity{ID: "a", Fields: map[string]any{"torsion": 2.0}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pred.Match(Entity{ID: "b"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPredicateErrors(t *testing.T) {
	_, err := CompilePredicate("  ", 0)
	assert.Error(t, err)

	_, err = CompilePredicate("rank >", 0)
	assert.Error(t, err)

	pred, err := CompilePredicate("require('fs')", 0)
	require.NoError(t, err)
	_, err = pred.Match(Entity{ID: "a"})
	assert.Error(t, err)

	pred, err = CompilePredicate("(function(){ while (true) {} })()", 50*time.Millisecond)
	require.NoError(t, err)
	start := time.Now()
	_, err = pred.Match(Entity{ID: "a"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The runtime stays usable after an interrupt.
	pred2, err := CompilePredicate("id === 'a'", 0)
	require.NoError(t, err)
	ok, err := pred2.Match(Entity{ID: "a"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = pred.Match(Entity{ID: "a"})
	assert.Error(t, err)
	assert.False(t, ok)
}
