package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

// Environment variables read by LoadConfig.
const (
	EnvParallelTasks      = "DAEDALUS_PARALLEL_TASKS"
	EnvParallelMultiplier = "DAEDALUS_PARALLEL_MULTIPLIER"
	EnvMergeLoads         = "DAEDALUS_MERGE_LOADS"
)

// Config holds the concurrency defaults of the engine
type Config struct {
	// ParallelTasks is the number of worker subprocesses run at once
	ParallelTasks int
	// MergeLoads bounds partial files decoded concurrently during a merge
	MergeLoads    int
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection > defaults
func LoadConfig() *Config {
	config := &Config{}

	config.IsKubernetes = isKubernetes()

	// Respects cgroup limits once InitializeForKubernetes has run
	config.EffectiveCPUs = runtime.GOMAXPROCS(0)

	if tasks := getEnvInt(EnvParallelTasks, 0); tasks > 0 {
		config.ParallelTasks = tasks
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt(EnvParallelMultiplier, 0); multiplier > 0 {
		config.ParallelTasks = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.ParallelTasks = getDefaultParallelTasks(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}

	if config.ParallelTasks < 1 {
		config.ParallelTasks = 1
	}

	if loads := getEnvInt(EnvMergeLoads, 0); loads > 0 {
		config.MergeLoads = loads
	} else {
		config.MergeLoads = getDefaultMergeLoads(config.IsKubernetes, config.EffectiveCPUs)
	}

	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	// Kubernetes sets this environment variable in all containers
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// getDefaultParallelTasks returns one worker per CPU; workers are CPU bound.
// Kubernetes keeps one CPU for the orchestrator itself.
func getDefaultParallelTasks(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus-1, 1)
	}
	return max(cpus, 1)
}

// getDefaultMergeLoads returns the decode concurrency for merges, which are I/O bound
func getDefaultMergeLoads(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{ParallelTasks: %d, MergeLoads: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.ParallelTasks,
		c.MergeLoads,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
