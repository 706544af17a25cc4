// Package config loads graphd settings from defaults, an optional HCL file,
// .env files and GRAPH_* environment variables, and converts them into the
// option types of the engine packages.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/nodegraph-go/gateway"
	"github.com/dshills/nodegraph-go/graph"
	"github.com/dshills/nodegraph-go/graph/checkpoint"
	"github.com/dshills/nodegraph-go/graph/governor"
)

// Checkpoint backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
)

// Config is the full settings surface.
type Config struct {
	LogLevel  string
	LogFormat string

	EnableLogging           bool
	EnableMetrics           bool
	MaxExecutionSteps       int
	ExecutionTimeout        time.Duration
	EnableParallelExecution bool
	MaxDegreeOfParallelism  int
	CheckpointInterval      int

	EnableResourceGovernance bool
	BasePermitsPerSecond     float64
	MaxBurstSize             int
	CPUHighWatermarkPercent  float64
	CPUSoftLimitPercent      float64
	MinAvailableMemoryMB     uint64
	DefaultPriority          string
	AcquireTimeout           time.Duration

	CheckpointBackend   string
	CheckpointDSN       string
	EnableCompression   bool
	MaxCacheSize        int
	EnableAutoCleanup   bool
	AutoCleanupInterval time.Duration
	CheckpointMaxAge    time.Duration

	ListenAddr string
	APIKey     string
	RateLimit  float64
	RateBurst  int

	MaxConcurrent int
	QueueSize     int
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	gov := governor.DefaultConfig()
	cp := checkpoint.DefaultConfig()
	gw := gateway.DefaultConfig()
	opts := graph.DefaultOptions()
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",

		EnableLogging:          opts.EnableLogging,
		EnableMetrics:          true,
		MaxExecutionSteps:      opts.MaxExecutionSteps,
		ExecutionTimeout:       5 * time.Minute,
		MaxDegreeOfParallelism: opts.MaxDegreeOfParallelism,

		BasePermitsPerSecond:    gov.BasePermitsPerSecond,
		MaxBurstSize:            gov.MaxBurstSize,
		CPUHighWatermarkPercent: gov.CPUHighWatermarkPercent,
		CPUSoftLimitPercent:     gov.CPUSoftLimitPercent,
		MinAvailableMemoryMB:    gov.MinAvailableMemoryMB,
		DefaultPriority:         gov.DefaultPriority.String(),
		AcquireTimeout:          gov.AcquireTimeout,

		CheckpointBackend:   BackendMemory,
		EnableCompression:   cp.EnableCompression,
		MaxCacheSize:        cp.MaxCacheSize,
		EnableAutoCleanup:   cp.EnableAutoCleanup,
		AutoCleanupInterval: cp.AutoCleanupInterval,
		CheckpointMaxAge:    cp.MaxAge,

		ListenAddr: gw.Addr,
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.LogFormat))
	}
	if c.MaxExecutionSteps < 0 {
		errs = append(errs, errors.New("max execution steps must be >= 0"))
	}
	if c.ExecutionTimeout < 0 {
		errs = append(errs, errors.New("execution timeout must not be negative"))
	}
	if c.EnableParallelExecution && c.MaxDegreeOfParallelism < 1 {
		errs = append(errs, errors.New("max degree of parallelism must be >= 1"))
	}
	if c.CheckpointInterval < 0 {
		errs = append(errs, errors.New("checkpoint interval must be >= 0"))
	}
	if c.EnableResourceGovernance {
		if gc, err := c.GovernorConfig(); err != nil {
			errs = append(errs, err)
		} else if err := gc.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.CheckpointBackend {
	case BackendMemory:
	case BackendSQLite, BackendMySQL:
		if c.CheckpointDSN == "" {
			errs = append(errs, fmt.Errorf("checkpoint backend %s requires a DSN", c.CheckpointBackend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint backend %q", c.CheckpointBackend))
	}
	if err := c.CheckpointConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.GatewayConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ExecutorOptions returns graph options for these settings. Logger, metrics,
// governor and checkpointer are attached by the caller.
func (c *Config) ExecutorOptions() graph.Options {
	o := graph.DefaultOptions()
	o.EnableLogging = c.EnableLogging
	o.EnableMetrics = c.EnableMetrics
	o.MaxExecutionSteps = c.MaxExecutionSteps
	o.ExecutionTimeout = c.ExecutionTimeout
	o.EnableParallelExecution = c.EnableParallelExecution
	if c.MaxDegreeOfParallelism > 0 {
		o.MaxDegreeOfParallelism = c.MaxDegreeOfParallelism
	}
	o.CheckpointInterval = c.CheckpointInterval
	return o
}

// GovernorConfig converts the resource governance settings.
func (c *Config) GovernorConfig() (governor.Config, error) {
	p, err := governor.ParsePriority(c.DefaultPriority)
	if err != nil {
		return governor.Config{}, err
	}
	gc := governor.DefaultConfig()
	gc.BasePermitsPerSecond = c.BasePermitsPerSecond
	gc.MaxBurstSize = c.MaxBurstSize
	gc.CPUHighWatermarkPercent = c.CPUHighWatermarkPercent
	gc.CPUSoftLimitPercent = c.CPUSoftLimitPercent
	gc.MinAvailableMemoryMB = c.MinAvailableMemoryMB
	gc.DefaultPriority = p
	gc.AcquireTimeout = c.AcquireTimeout
	return gc, nil
}

// CheckpointConfig converts the checkpoint manager settings.
func (c *Config) CheckpointConfig() checkpoint.Config {
	return checkpoint.Config{
		EnableCompression:   c.EnableCompression,
		MaxCacheSize:        c.MaxCacheSize,
		EnableAutoCleanup:   c.EnableAutoCleanup,
		AutoCleanupInterval: c.AutoCleanupInterval,
		MaxAge:              c.CheckpointMaxAge,
	}
}

// OpenBackend opens the configured durable store. The memory backend keeps
// snapshots for the life of the process.
func (c *Config) OpenBackend(ctx context.Context) (checkpoint.Backend, error) {
	switch c.CheckpointBackend {
	case BackendSQLite:
		return checkpoint.NewSQLiteBackend(c.CheckpointDSN)
	case BackendMySQL:
		return checkpoint.NewMySQLBackend(ctx, c.CheckpointDSN)
	case BackendMemory, "":
		return checkpoint.NewMemoryBackend(), nil
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", c.CheckpointBackend)
}

// GatewayConfig converts the HTTP settings.
func (c *Config) GatewayConfig() gateway.Config {
	gc := gateway.DefaultConfig()
	gc.Addr = c.ListenAddr
	gc.APIKey = c.APIKey
	gc.RateLimit = c.RateLimit
	gc.RateBurst = c.RateBurst
	gc.MaxConcurrent = c.MaxConcurrent
	gc.QueueSize = c.QueueSize
	gc.ExecutionTimeout = c.ExecutionTimeout
	return gc
}
