package concurrency

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"

	execerrors "github.com/legiangthanh/embulk/pkg/errors"
)

// Per-run configuration keys.
const (
	KeyMaxThreads     = "max_threads"
	KeyMinOutputTasks = "min_output_tasks"
)

// Environment variables overriding the process-wide defaults.
const (
	EnvMaxThreads     = "EMBULK_MAX_THREADS"
	EnvMinOutputTasks = "EMBULK_MIN_OUTPUT_TASKS"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceOverride ConfigSource = "run_override"
	ConfigSourceEnvVar   ConfigSource = "environment_variable"
	ConfigSourceDefault  ConfigSource = "default"
)

// ExecutorConfig holds the local executor's parallelism settings
type ExecutorConfig struct {
	// MaxThreads bounds the number of concurrently running partitions.
	MaxThreads int
	// MinOutputTasks is the minimum number of parallel output writers.
	MinOutputTasks int
	// Source records where the settings came from.
	Source        ConfigSource
	EffectiveCPUs int
}

// LoadConfig loads the executor configuration with priority: env vars > defaults.
// Defaults are 2x and 1x the effective CPUs.
func LoadConfig() ExecutorConfig {
	cpus := runtime.GOMAXPROCS(0)
	config := ExecutorConfig{
		MaxThreads:     cpus * 2,
		MinOutputTasks: cpus,
		Source:         ConfigSourceDefault,
		EffectiveCPUs:  cpus,
	}

	if v := getEnvInt(EnvMaxThreads, 0); v > 0 {
		config.MaxThreads = v
		config.Source = ConfigSourceEnvVar
	}
	if v := getEnvInt(EnvMinOutputTasks, 0); v > 0 {
		config.MinOutputTasks = v
		config.Source = ConfigSourceEnvVar
	}

	return config.normalized()
}

// WithOverrides applies per-run settings on top of c. Recognised keys are
// max_threads and min_output_tasks; values must be integers.
func (c ExecutorConfig) WithOverrides(overrides map[string]interface{}) (ExecutorConfig, error) {
	for _, key := range []string{KeyMaxThreads, KeyMinOutputTasks} {
		raw, ok := overrides[key]
		if !ok || raw == nil {
			continue
		}
		v, err := toInt(raw)
		if err != nil {
			return c, execerrors.InvalidConfig("%s: %v", key, err)
		}
		if key == KeyMaxThreads {
			c.MaxThreads = v
		} else {
			c.MinOutputTasks = v
		}
		c.Source = ConfigSourceOverride
	}
	return c.normalized(), nil
}

// WithMaxThreads sets the maximum number of threads.
func (c ExecutorConfig) WithMaxThreads(n int) ExecutorConfig {
	c.MaxThreads = n
	return c.normalized()
}

// WithMinOutputTasks sets the minimum number of output tasks.
func (c ExecutorConfig) WithMinOutputTasks(n int) ExecutorConfig {
	c.MinOutputTasks = n
	return c.normalized()
}

func (c ExecutorConfig) normalized() ExecutorConfig {
	if c.MaxThreads < 1 {
		c.MaxThreads = 1
	}
	if c.MinOutputTasks < 0 {
		c.MinOutputTasks = 0
	}
	return c
}

// String returns a formatted string representation of the config
func (c ExecutorConfig) String() string {
	return fmt.Sprintf(
		"ExecutorConfig{MaxThreads: %d, MinOutputTasks: %d, CPUs: %d, Source: %s}",
		c.MaxThreads,
		c.MinOutputTasks,
		c.EffectiveCPUs,
		c.Source,
	)
}

func toInt(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected an integer, got %v", v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", raw)
	}
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
