package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/orchestrator"
	"github.com/wehubfusion/Daedalus/pkg/results"
)

// helperEnv makes the test binary behave as the daedalus binary, so `run` can start
// real worker processes.
const helperEnv = "DAEDALUS_CLI_TEST_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(Main(os.Args[1:], os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

type project struct {
	dir     string
	config  string
	results string
	layout  results.Layout
}

func newProject(t *testing.T) *project {
	t.Helper()
	dir := t.TempDir()
	p := &project{
		dir:     dir,
		config:  filepath.Join(dir, "daedalus.yaml"),
		results: filepath.Join(dir, "results"),
	}
	p.layout = results.Layout{Root: p.results}

	entities := `{"id":"c1","weight":1}
{"id":"c2","weight":2}
{"id":"c3","weight":3}
{"id":"c4","weight":4}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "curves.jsonl"), []byte(entities), 0o644))

	cfg := fmt.Sprintf(`paths:
  results: %[1]s/results
  entities: %[1]s/curves.jsonl
logging:
  level: debug
  format: json
  running_log: %[1]s/logs/daedalus.log
  invocation_dir: %[1]s/logs/runs
pool:
  tick: 10ms
  grace: 200ms
  max_attempts: 2
traits:
  torsion:
    program: /bin/sh
    args: ["-c", "echo 7", "trait"]
`, dir)
	require.NoError(t, os.WriteFile(p.config, []byte(cfg), 0o644))
	return p
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := Run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

func TestUsage(t *testing.T) {
	_, stderr, err := run(t)
	assert.Equal(t, 2, exitCode(err))
	assert.Contains(t, stderr, "Usage:")

	stdout, _, err := run(t, "help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Commands:")

	_, _, err = run(t, "launch")
	assert.Equal(t, 2, exitCode(err))

	_, _, err = run(t, "worker", "-h")
	assert.NoError(t, err)
}

func TestMainExitCodes(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Main([]string{"merge"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "exactly one of --kind or --all")
	assert.Equal(t, 0, Main([]string{"help"}, &stdout, &stderr))
}

func TestArgumentValidation(t *testing.T) {
	p := newProject(t)
	tests := [][]string{
		{"worker", "--config", p.config, "--chunk", "1", "--chunks", "2"},
		{"worker", "--config", p.config, "--kind", "torsion", "--chunk", "3", "--chunks", "2"},
		{"run", "--config", p.config},
		{"run", "--config", p.config, "--kind", "torsion", "--skip", "one"},
		{"merge", "--config", p.config, "--kind", "torsion", "--all"},
		{"merge", "--config", p.config, "--kind", "torsion", "--policy", "newest"},
		{"chunks", "--config", p.config, "--chunks", "0"},
		{"chunks", "--config", p.config, "--chunks", "2", "stray"},
		{"chunks", "--config", filepath.Join(p.dir, "missing.yaml"), "--chunks", "2"},
	}
	for _, args := range tests {
		_, _, err := run(t, args...)
		assert.Equal(t, 2, exitCode(err), "%v", args)
	}
}

func TestChunksCommand(t *testing.T) {
	p := newProject(t)
	stdout, _, err := run(t, "chunks", "--config", p.config, "--chunks", "2")
	require.NoError(t, err)
	assert.Equal(t, "1/2 2 c1 c3\n2/2 2 c2 c4\n", stdout)

	stdout, _, err = run(t, "chunks", "--config", p.config, "--chunks", "3", "--chunk", "3", "--filter", "weight > 1")
	require.NoError(t, err)
	assert.Equal(t, "3/3 1 c4\n", stdout)

	stdout, _, err = run(t, "chunks", "--config", p.config, "--chunks", "5", "--chunk", "5")
	require.NoError(t, err)
	assert.Equal(t, "5/5 0\n", stdout)
}

func TestWorkerThenMerge(t *testing.T) {
	p := newProject(t)

	stdout, _, err := run(t, "worker", "--config", p.config, "--kind", "torsion", "--chunk", "1", "--chunks", "2", "--desc", "manual")
	require.NoError(t, err)
	assert.Equal(t, "progress 1/2 c1\nprogress 2/2 c3\n", stdout)

	partials, err := p.layout.ListPartials("torsion")
	require.NoError(t, err)
	require.Len(t, partials, 1)
	assert.Equal(t, "manual", partials[0].Marker)

	stdout, _, err = run(t, "merge", "--config", p.config, "--kind", "torsion")
	require.NoError(t, err)
	var reports []results.MergeReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &reports))
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Published)
	assert.Equal(t, 2, reports[0].Entries)

	canonical, err := results.LoadTable(p.layout.CanonicalPath("torsion"))
	require.NoError(t, err)
	assert.True(t, results.Table{"c1": {"{}": 7.0}, "c3": {"{}": 7.0}}.Equal(canonical))

	// Nothing left to merge.
	stdout, _, err = run(t, "merge", "--config", p.config, "--all")
	require.NoError(t, err)
	reports = nil
	require.NoError(t, json.Unmarshal([]byte(stdout), &reports))
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Published)
	assert.Equal(t, 2, reports[0].Entries)

	logs, err := filepath.Glob(filepath.Join(p.dir, "logs", "runs", "worker-torsion-1-of-2-*.log"))
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestWorkerUnknownKind(t *testing.T) {
	p := newProject(t)
	_, _, err := run(t, "worker", "--config", p.config, "--kind", "regulator", "--chunk", "1", "--chunks", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNKNOWN_KIND")
}

func TestRunEndToEnd(t *testing.T) {
	p := newProject(t)
	t.Setenv(helperEnv, "1")

	stdout, _, err := run(t, "run", "--config", p.config, "--kind", "torsion", "--chunks", "2", "--parallel", "2")
	require.NoError(t, err)

	var summary orchestrator.Summary
	require.NoError(t, json.Unmarshal([]byte(stdout), &summary))
	assert.True(t, summary.OK())
	assert.Equal(t, []string{"1/2", "2/2"}, summary.Completed)
	require.NotNil(t, summary.Merge)
	assert.True(t, summary.Merge.Published)

	canonical, err := results.LoadTable(p.layout.CanonicalPath("torsion"))
	require.NoError(t, err)
	want := results.Table{"c1": {"{}": 7.0}, "c2": {"{}": 7.0}, "c3": {"{}": 7.0}, "c4": {"{}": 7.0}}
	assert.True(t, want.Equal(canonical))
}

func TestRunReportsAbandonedChunks(t *testing.T) {
	p := newProject(t)
	t.Setenv(helperEnv, "1")

	// A kind the config does not define makes every worker fail.
	stdout, _, err := run(t, "run", "--config", p.config, "--kind", "regulator", "--chunks", "2", "--max-attempts", "1", "--no-merge")
	assert.Equal(t, ExitIncomplete, exitCode(err))

	var summary orchestrator.Summary
	require.NoError(t, json.Unmarshal([]byte(stdout), &summary))
	assert.Equal(t, []string{"1/2", "2/2"}, summary.Abandoned)
	assert.Nil(t, summary.Merge)
}
