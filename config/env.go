package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

type envVar struct {
	name  string
	apply func(c *Config, v string) error
}

func stringVar(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func uintVar(field func(*Config) *uint64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func floatVar(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

// envVars lists the GRAPH_* overrides.
var envVars = []envVar{
	{"GRAPH_LOG_LEVEL", stringVar(func(c *Config) *string { return &c.LogLevel })},
	{"GRAPH_LOG_FORMAT", stringVar(func(c *Config) *string { return &c.LogFormat })},
	{"GRAPH_ENABLE_LOGGING", boolVar(func(c *Config) *bool { return &c.EnableLogging })},
	{"GRAPH_ENABLE_METRICS", boolVar(func(c *Config) *bool { return &c.EnableMetrics })},
	{"GRAPH_MAX_EXECUTION_STEPS", intVar(func(c *Config) *int { return &c.MaxExecutionSteps })},
	{"GRAPH_EXECUTION_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.ExecutionTimeout })},
	{"GRAPH_ENABLE_PARALLEL_EXECUTION", boolVar(func(c *Config) *bool { return &c.EnableParallelExecution })},
	{"GRAPH_MAX_DEGREE_OF_PARALLELISM", intVar(func(c *Config) *int { return &c.MaxDegreeOfParallelism })},
	{"GRAPH_CHECKPOINT_INTERVAL", intVar(func(c *Config) *int { return &c.CheckpointInterval })},

	{"GRAPH_ENABLE_RESOURCE_GOVERNANCE", boolVar(func(c *Config) *bool { return &c.EnableResourceGovernance })},
	{"GRAPH_BASE_PERMITS_PER_SECOND", floatVar(func(c *Config) *float64 { return &c.BasePermitsPerSecond })},
	{"GRAPH_MAX_BURST_SIZE", intVar(func(c *Config) *int { return &c.MaxBurstSize })},
	{"GRAPH_CPU_HIGH_WATERMARK_PERCENT", floatVar(func(c *Config) *float64 { return &c.CPUHighWatermarkPercent })},
	{"GRAPH_CPU_SOFT_LIMIT_PERCENT", floatVar(func(c *Config) *float64 { return &c.CPUSoftLimitPercent })},
	{"GRAPH_MIN_AVAILABLE_MEMORY_MB", uintVar(func(c *Config) *uint64 { return &c.MinAvailableMemoryMB })},
	{"GRAPH_DEFAULT_PRIORITY", stringVar(func(c *Config) *string { return &c.DefaultPriority })},
	{"GRAPH_ACQUIRE_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.AcquireTimeout })},

	{"GRAPH_CHECKPOINT_BACKEND", stringVar(func(c *Config) *string { return &c.CheckpointBackend })},
	{"GRAPH_CHECKPOINT_DSN", stringVar(func(c *Config) *string { return &c.CheckpointDSN })},
	{"GRAPH_ENABLE_COMPRESSION", boolVar(func(c *Config) *bool { return &c.EnableCompression })},
	{"GRAPH_MAX_CACHE_SIZE", intVar(func(c *Config) *int { return &c.MaxCacheSize })},
	{"GRAPH_ENABLE_AUTO_CLEANUP", boolVar(func(c *Config) *bool { return &c.EnableAutoCleanup })},
	{"GRAPH_AUTO_CLEANUP_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.AutoCleanupInterval })},
	{"GRAPH_CHECKPOINT_MAX_AGE", durationVar(func(c *Config) *time.Duration { return &c.CheckpointMaxAge })},

	{"GRAPH_LISTEN_ADDR", stringVar(func(c *Config) *string { return &c.ListenAddr })},
	{"GRAPH_API_KEY", stringVar(func(c *Config) *string { return &c.APIKey })},
	{"GRAPH_RATE_LIMIT", floatVar(func(c *Config) *float64 { return &c.RateLimit })},
	{"GRAPH_RATE_BURST", intVar(func(c *Config) *int { return &c.RateBurst })},
	{"GRAPH_MAX_CONCURRENT", intVar(func(c *Config) *int { return &c.MaxConcurrent })},
	{"GRAPH_QUEUE_SIZE", intVar(func(c *Config) *int { return &c.QueueSize })},
}

// ApplyEnv overlays GRAPH_* variables found by lookup. Empty values are
// ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.apply(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", ev.name, v, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
