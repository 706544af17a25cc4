package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/joho/godotenv"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// Load builds a Config from defaults, the HCL file at path (skipped when
// empty), then GRAPH_* variables. The envFiles (".env" when none are given)
// are loaded into the process environment first so the file's env() calls
// see them; missing env files are ignored and variables already set win.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	if err := loadDotEnv(envFiles); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := cfg.DecodeHCL(src, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// envFunc implements env(name[, default]) for config files.
var envFunc = function.New(&function.Spec{
	Params:   []function.Parameter{{Name: "name", Type: cty.String}},
	VarParam: &function.Parameter{Name: "default", Type: cty.String},
	Type:     function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		if v, ok := os.LookupEnv(args[0].AsString()); ok {
			return cty.StringVal(v), nil
		}
		if len(args) > 1 {
			return args[1], nil
		}
		return cty.StringVal(""), nil
	},
})

func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{"env": envFunc},
	}
}

type fileConfig struct {
	Log        *logBlock        `hcl:"log,block"`
	Engine     *engineBlock     `hcl:"engine,block"`
	Governor   *governorBlock   `hcl:"governor,block"`
	Checkpoint *checkpointBlock `hcl:"checkpoint,block"`
	Gateway    *gatewayBlock    `hcl:"gateway,block"`
}

type logBlock struct {
	Level   *string `hcl:"level,optional"`
	Format  *string `hcl:"format,optional"`
	Enabled *bool   `hcl:"enabled,optional"`
}

type engineBlock struct {
	Metrics            *bool   `hcl:"metrics,optional"`
	MaxSteps           *int    `hcl:"max_steps,optional"`
	Timeout            *string `hcl:"timeout,optional"`
	Parallel           *bool   `hcl:"parallel,optional"`
	MaxParallelism     *int    `hcl:"max_parallelism,optional"`
	CheckpointInterval *int    `hcl:"checkpoint_interval,optional"`
}

type governorBlock struct {
	Enabled          *bool    `hcl:"enabled,optional"`
	PermitsPerSecond *float64 `hcl:"permits_per_second,optional"`
	MaxBurst         *int     `hcl:"max_burst,optional"`
	CPUHighWatermark *float64 `hcl:"cpu_high_watermark_percent,optional"`
	CPUSoftLimit     *float64 `hcl:"cpu_soft_limit_percent,optional"`
	MinMemoryMB      *int     `hcl:"min_available_memory_mb,optional"`
	DefaultPriority  *string  `hcl:"default_priority,optional"`
	AcquireTimeout   *string  `hcl:"acquire_timeout,optional"`
}

type checkpointBlock struct {
	Backend         *string `hcl:"backend,optional"`
	DSN             *string `hcl:"dsn,optional"`
	Compression     *bool   `hcl:"compression,optional"`
	CacheSize       *int    `hcl:"cache_size,optional"`
	AutoCleanup     *bool   `hcl:"auto_cleanup,optional"`
	CleanupInterval *string `hcl:"cleanup_interval,optional"`
	MaxAge          *string `hcl:"max_age,optional"`
}

type gatewayBlock struct {
	Listen        *string  `hcl:"listen,optional"`
	APIKey        *string  `hcl:"api_key,optional"`
	RateLimit     *float64 `hcl:"rate_limit,optional"`
	RateBurst     *int     `hcl:"rate_burst,optional"`
	MaxConcurrent *int     `hcl:"max_concurrent,optional"`
	QueueSize     *int     `hcl:"queue_size,optional"`
}

// DecodeHCL overlays the settings present in src onto c.
func (c *Config) DecodeHCL(src []byte, filename string) error {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return fmt.Errorf("config: parse %s: %w", filename, diags)
	}
	var fc fileConfig
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &fc); diags.HasErrors() {
		return fmt.Errorf("config: decode %s: %w", filename, diags)
	}
	return c.apply(&fc)
}

func (c *Config) apply(fc *fileConfig) error {
	var errs []error
	if b := fc.Log; b != nil {
		set(&c.LogLevel, b.Level)
		set(&c.LogFormat, b.Format)
		set(&c.EnableLogging, b.Enabled)
	}
	if b := fc.Engine; b != nil {
		set(&c.EnableMetrics, b.Metrics)
		set(&c.MaxExecutionSteps, b.MaxSteps)
		errs = append(errs, setDuration(&c.ExecutionTimeout, b.Timeout, "engine.timeout"))
		set(&c.EnableParallelExecution, b.Parallel)
		set(&c.MaxDegreeOfParallelism, b.MaxParallelism)
		set(&c.CheckpointInterval, b.CheckpointInterval)
	}
	if b := fc.Governor; b != nil {
		set(&c.EnableResourceGovernance, b.Enabled)
		set(&c.BasePermitsPerSecond, b.PermitsPerSecond)
		set(&c.MaxBurstSize, b.MaxBurst)
		set(&c.CPUHighWatermarkPercent, b.CPUHighWatermark)
		set(&c.CPUSoftLimitPercent, b.CPUSoftLimit)
		if b.MinMemoryMB != nil {
			if *b.MinMemoryMB < 0 {
				errs = append(errs, errors.New("governor.min_available_memory_mb must not be negative"))
			} else {
				c.MinAvailableMemoryMB = uint64(*b.MinMemoryMB)
			}
		}
		set(&c.DefaultPriority, b.DefaultPriority)
		errs = append(errs, setDuration(&c.AcquireTimeout, b.AcquireTimeout, "governor.acquire_timeout"))
	}
	if b := fc.Checkpoint; b != nil {
		set(&c.CheckpointBackend, b.Backend)
		set(&c.CheckpointDSN, b.DSN)
		set(&c.EnableCompression, b.Compression)
		set(&c.MaxCacheSize, b.CacheSize)
		set(&c.EnableAutoCleanup, b.AutoCleanup)
		errs = append(errs,
			setDuration(&c.AutoCleanupInterval, b.CleanupInterval, "checkpoint.cleanup_interval"),
			setDuration(&c.CheckpointMaxAge, b.MaxAge, "checkpoint.max_age"))
	}
	if b := fc.Gateway; b != nil {
		set(&c.ListenAddr, b.Listen)
		set(&c.APIKey, b.APIKey)
		set(&c.RateLimit, b.RateLimit)
		set(&c.RateBurst, b.RateBurst)
		set(&c.MaxConcurrent, b.MaxConcurrent)
		set(&c.QueueSize, b.QueueSize)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string, field string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}
