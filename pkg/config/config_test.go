package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/results"
)

const sample = `
paths:
  results: /data/results
  entities: /data/curves.jsonl
logging:
  level: debug
  format: json
pool:
  parallel: 6
  task_timeout: 2h
  max_attempts: 5
merge:
  policy: fail-on-conflict
  max_concurrent_loads: 4
  auto: false
traits:
  torsion:
    program: /opt/traits/torsion
    args: [--precision, "64"]
    timeout: 30s
    params:
      - {bound: 10}
      - {bound: 20}
events:
  enabled: true
  url: nats://nats:4222
  subject_prefix: curves
archive:
  enabled: true
  connection_string: UseDevelopmentStorage=true
  container: results
tracing:
  enabled: true
  otlp_endpoint: collector:4318
  sample_ratio: 0.25
alerts:
  enabled: true
  dsn: https://key@sentry.example.com/1
  environment: production
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daedalus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, sample)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "/data/results", cfg.Paths.Results)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 6, cfg.Parallel())
	assert.Equal(t, 2*time.Hour, cfg.Pool.TaskTimeout)
	assert.Equal(t, 5, cfg.Pool.MaxAttempts)
	assert.Equal(t, results.FailOnConflict, cfg.Policy())
	assert.Equal(t, 4, cfg.MergeLoads())
	assert.False(t, cfg.Merge.Auto)

	torsion := cfg.Traits["torsion"]
	assert.Equal(t, "/opt/traits/torsion", torsion.Program)
	assert.Equal(t, []string{"--precision", "64"}, torsion.Args)
	assert.Equal(t, 30*time.Second, torsion.Timeout)
	require.Len(t, torsion.Params, 2)
	assert.Equal(t, 10, torsion.Params[0]["bound"])

	assert.Equal(t, "nats://nats:4222", cfg.Events.URL)
	assert.Equal(t, "curves", cfg.Events.SubjectPrefix)
	assert.Equal(t, "results", cfg.Archive.Container)
	assert.Equal(t, "canonical", cfg.Archive.Prefix)
	assert.Equal(t, "collector:4318", cfg.Tracing.OTLPEndpoint)
	assert.Equal(t, "daedalus", cfg.Tracing.ServiceName)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRatio)
	assert.Equal(t, "production", cfg.Alerts.Environment)

	// Values the file leaves out keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Pool.Grace)
	assert.Equal(t, filepath.Join("logs", "daedalus.log"), cfg.Logging.RunningLog)
}

func TestLoadMissingDefaultFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Path)
	assert.Equal(t, "results", cfg.Paths.Results)
	assert.Equal(t, results.KeepFirst, cfg.Policy())
	assert.Equal(t, 3, cfg.Pool.MaxAttempts)
	assert.True(t, cfg.Merge.Auto)
	assert.False(t, cfg.Events.Enabled)
	assert.GreaterOrEqual(t, cfg.Parallel(), 1)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	t.Setenv(EnvConfig, filepath.Join(t.TempDir(), "nope.yaml"))
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadFromEnvPath(t *testing.T) {
	t.Setenv(EnvConfig, writeConfig(t, "paths:\n  results: /from/env\n"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Paths.Results)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "paths:\n  results: /file\nmerge:\n  policy: keep-first\n")
	t.Setenv(EnvResultsDir, "/env")
	t.Setenv(EnvMergePolicy, "fail")
	t.Setenv(EnvMaxAttempts, "9")
	t.Setenv(EnvNATSURL, "nats://env:4222")
	t.Setenv(EnvSentryDSN, "https://k@sentry.example.com/2")
	t.Setenv(EnvTracingEnable, "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/env", cfg.Paths.Results)
	assert.Equal(t, results.FailOnConflict, cfg.Policy())
	assert.Equal(t, 9, cfg.Pool.MaxAttempts)
	assert.True(t, cfg.Events.Enabled)
	assert.Equal(t, "nats://env:4222", cfg.Events.URL)
	assert.True(t, cfg.Alerts.Enabled)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestInvalidConfigurations(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "pool: [unclosed"},
		{"negative parallel", "pool:\n  parallel: -1\n"},
		{"negative attempts", "pool:\n  max_attempts: -2\n"},
		{"unknown policy", "merge:\n  policy: newest\n"},
		{"bad trait kind", "traits:\n  ../x:\n    program: /bin/true\n"},
		{"trait without program", "traits:\n  torsion: {}\n"},
		{"events without url", "events:\n  enabled: true\n"},
		{"archive without container", "archive:\n  enabled: true\n  connection_string: x\n"},
		{"alerts without dsn", "alerts:\n  enabled: true\n"},
		{"sample ratio", "tracing:\n  sample_ratio: 2\n"},
		{"empty results dir", "paths:\n  results: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestInvalidEnvironment(t *testing.T) {
	path := writeConfig(t, "")
	t.Setenv(EnvMaxAttempts, "many")
	_, err := Load(path)
	assert.Equal(t, sdkerrors.CodeInvalidConfig, sdkerrors.Code(err))
}
