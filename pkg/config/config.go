// Package config loads daedalus.yaml. Values come from, in priority order,
// DAEDALUS_* environment variables, the file, and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/alert"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/logging"
	"github.com/wehubfusion/Daedalus/pkg/results"
	"github.com/wehubfusion/Daedalus/pkg/traits"
	"gopkg.in/yaml.v3"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "daedalus.yaml"

// Environment overrides.
const (
	EnvConfig        = "DAEDALUS_CONFIG"
	EnvResultsDir    = "DAEDALUS_RESULTS_DIR"
	EnvEntitiesFile  = "DAEDALUS_ENTITIES"
	EnvLogLevel      = "DAEDALUS_LOG_LEVEL"
	EnvMaxAttempts   = "DAEDALUS_MAX_ATTEMPTS"
	EnvMergePolicy   = "DAEDALUS_MERGE_POLICY"
	EnvNATSURL       = "DAEDALUS_NATS_URL"
	EnvAzureConnStr  = "DAEDALUS_AZURE_CONNECTION_STRING"
	EnvSentryDSN     = "DAEDALUS_SENTRY_DSN"
	EnvOTLPEndpoint  = "DAEDALUS_OTLP_ENDPOINT"
	EnvTracingEnable = "DAEDALUS_TRACING"
)

// Paths locates the data the engine reads and writes.
type Paths struct {
	// Results holds canonical stores and the partials directory.
	Results string `yaml:"results"`
	// Entities is the JSON or JSON-lines entity file.
	Entities string `yaml:"entities"`
}

// Pool tunes the scheduler used by `daedalus run`.
type Pool struct {
	// Parallel is the number of concurrent workers; zero derives it from the CPUs.
	Parallel    int           `yaml:"parallel"`
	Tick        time.Duration `yaml:"tick"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	Grace       time.Duration `yaml:"grace"`
	// MaxAttempts per chunk; zero means unbounded.
	MaxAttempts int `yaml:"max_attempts"`
	// BreakerFailures consecutive failures pause admissions; zero disables the breaker.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// Merge tunes the merge pass.
type Merge struct {
	Policy string `yaml:"policy"`
	// MaxConcurrentLoads bounds partial files decoded at once; zero derives it.
	MaxConcurrentLoads int `yaml:"max_concurrent_loads"`
	// Auto merges right after a run.
	Auto bool `yaml:"auto"`
}

// Archive mirrors canonical stores to Azure Blob Storage when enabled.
type Archive struct {
	Enabled          bool   `yaml:"enabled"`
	ConnectionString string `yaml:"connection_string"`
	Container        string `yaml:"container"`
	Prefix           string `yaml:"prefix"`
}

// Events publishes lifecycle events to NATS when enabled.
type Events struct {
	Enabled       bool `yaml:"enabled"`
	events.Config `yaml:",inline"`
}

// Alerts reports to Sentry when enabled.
type Alerts struct {
	Enabled      bool `yaml:"enabled"`
	alert.Config `yaml:",inline"`
}

// Config is the whole project file.
type Config struct {
	Paths   Paths                        `yaml:"paths"`
	Logging logging.Config               `yaml:"logging"`
	Pool    Pool                         `yaml:"pool"`
	Merge   Merge                        `yaml:"merge"`
	Traits  map[string]traits.ExecConfig `yaml:"traits"`
	Events  Events                       `yaml:"events"`
	Archive Archive                      `yaml:"archive"`
	Tracing tracing.Config               `yaml:"tracing"`
	Alerts  Alerts                       `yaml:"alerts"`

	// Path is the file the configuration was read from, empty for defaults only.
	Path string `yaml:"-"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Paths: Paths{
			Results:  "results",
			Entities: "entities.jsonl",
		},
		Logging: logging.Config{
			Level:         "info",
			Format:        "console",
			RunningLog:    filepath.Join("logs", "daedalus.log"),
			InvocationDir: filepath.Join("logs", "runs"),
		},
		Pool: Pool{
			Tick:            150 * time.Millisecond,
			Grace:           5 * time.Second,
			MaxAttempts:     3,
			BreakerFailures: 10,
			BreakerReset:    30 * time.Second,
		},
		Merge: Merge{
			Policy: results.KeepFirst.String(),
			Auto:   true,
		},
		Events: Events{
			Config: events.Config{SubjectPrefix: events.DefaultSubjectPrefix},
		},
		Archive: Archive{Prefix: "canonical"},
		Tracing: tracing.DefaultConfig("daedalus"),
	}
}

// Load reads path, or DAEDALUS_CONFIG, or ./daedalus.yaml. A missing default file
// yields the defaults; a missing explicit file is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		if env := os.Getenv(EnvConfig); env != "" {
			path, explicit = env, true
		} else {
			path = DefaultFile
		}
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, invalid(fmt.Sprintf("cannot parse %s", path), err)
		}
		cfg.Path = path
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Paths.Results, EnvResultsDir)
	setString(&c.Paths.Entities, EnvEntitiesFile)
	setString(&c.Logging.Level, EnvLogLevel)
	setString(&c.Merge.Policy, EnvMergePolicy)
	if v := os.Getenv(EnvMaxAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return invalid(EnvMaxAttempts+" must be an integer", err)
		}
		c.Pool.MaxAttempts = n
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.Events.URL = v
		c.Events.Enabled = true
	}
	if v := os.Getenv(EnvAzureConnStr); v != "" {
		c.Archive.ConnectionString = v
		c.Archive.Enabled = true
	}
	if v := os.Getenv(EnvSentryDSN); v != "" {
		c.Alerts.DSN = v
		c.Alerts.Enabled = true
	}
	setString(&c.Tracing.OTLPEndpoint, EnvOTLPEndpoint)
	if v := os.Getenv(EnvTracingEnable); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return invalid(EnvTracingEnable+" must be a boolean", err)
		}
		c.Tracing.Enabled = enabled
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func invalid(msg string, err error) error {
	return sdkerrors.NewError(sdkerrors.CodeInvalidConfig, msg, err)
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Paths.Results == "" {
		return invalid("paths.results cannot be empty", nil)
	}
	if c.Pool.Parallel < 0 {
		return invalid(fmt.Sprintf("pool.parallel cannot be negative: %d", c.Pool.Parallel), nil)
	}
	if c.Pool.MaxAttempts < 0 {
		return invalid(fmt.Sprintf("pool.max_attempts cannot be negative: %d", c.Pool.MaxAttempts), nil)
	}
	if c.Pool.TaskTimeout < 0 || c.Pool.Grace < 0 || c.Pool.Tick < 0 {
		return invalid("pool durations cannot be negative", nil)
	}
	if _, err := results.ParsePolicy(c.Merge.Policy); err != nil {
		return err
	}
	for kind, t := range c.Traits {
		if err := results.ValidateKind(kind); err != nil {
			return err
		}
		if t.Program == "" {
			return invalid(fmt.Sprintf("traits.%s.program cannot be empty", kind), nil)
		}
	}
	if c.Events.Enabled && c.Events.URL == "" {
		return invalid("events.url is required when events are enabled", nil)
	}
	if c.Archive.Enabled && (c.Archive.ConnectionString == "" || c.Archive.Container == "") {
		return invalid("archive.connection_string and archive.container are required when the archive is enabled", nil)
	}
	if c.Alerts.Enabled && c.Alerts.DSN == "" {
		return invalid("alerts.dsn is required when alerts are enabled", nil)
	}
	if r := c.Tracing.SampleRatio; r < 0 || r > 1 {
		return invalid(fmt.Sprintf("tracing.sample_ratio must be within [0, 1]: %v", r), nil)
	}
	return nil
}

// Policy returns the parsed merge policy.
func (c *Config) Policy() results.ConflictPolicy {
	p, _ := results.ParsePolicy(c.Merge.Policy)
	return p
}

// Parallel resolves pool.parallel, falling back to the concurrency defaults.
func (c *Config) Parallel() int {
	if c.Pool.Parallel > 0 {
		return c.Pool.Parallel
	}
	return concurrency.LoadConfig().ParallelTasks
}

// MergeLoads resolves merge.max_concurrent_loads.
func (c *Config) MergeLoads() int {
	if c.Merge.MaxConcurrentLoads > 0 {
		return c.Merge.MaxConcurrentLoads
	}
	return concurrency.LoadConfig().MergeLoads
}
