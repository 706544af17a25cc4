package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	"github.com/dshills/nodegraph-go/config"
	"github.com/dshills/nodegraph-go/gateway"
	"github.com/dshills/nodegraph-go/graph"
	"github.com/dshills/nodegraph-go/graph/checkpoint"
	"github.com/dshills/nodegraph-go/graph/emit"
	"github.com/dshills/nodegraph-go/graph/governor"
	"github.com/dshills/nodegraph-go/internal/demo"
	"github.com/dshills/nodegraph-go/plugin"
)

const tracerName = "github.com/dshills/nodegraph-go"

// app holds the long-lived components shared by every served graph.
type app struct {
	logger      *slog.Logger
	registry    *prometheus.Registry
	metrics     *graph.PrometheusMetrics
	governor    *governor.Governor
	checkpoints *checkpoint.Manager
	plugins     *plugin.Registry
	server      *gateway.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		plugins:  plugin.NewRegistry(plugin.DefaultConfig(), plugin.WithLogger(logger)),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.EnableMetrics {
		a.metrics = graph.NewPrometheusMetrics(a.registry)
	}

	if cfg.EnableResourceGovernance {
		gc, err := cfg.GovernorConfig()
		if err != nil {
			return nil, err
		}
		a.governor, err = governor.New(gc,
			governor.WithMonitor(governor.NewSystemMonitor(time.Second)),
			governor.WithLogger(logger))
		if err != nil {
			return nil, err
		}
	}

	backend, err := cfg.OpenBackend(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint backend: %w", err)
	}
	a.checkpoints, err = checkpoint.NewManager(cfg.CheckpointConfig(),
		checkpoint.WithBackend(backend),
		checkpoint.WithLogger(logger))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	if err := demo.RegisterPlugins(a.plugins); err != nil {
		_ = a.Close()
		return nil, err
	}

	opts := a.executorOptions(cfg)
	router, err := demo.RouterGraph(a.plugins, nil, opts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	refine, err := demo.RefineGraph(opts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	graphs := gateway.NewRegistry()
	graphs.Register(router)
	graphs.Register(refine)

	a.server, err = gateway.NewServer(cfg.GatewayConfig(), graphs,
		gateway.WithLogger(logger),
		gateway.WithGatherer(a.registry))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	logger.Info("graphd ready",
		"graphs", len(graphs.List()),
		"plugins", a.plugins.Len(),
		"checkpoint_backend", cfg.CheckpointBackend,
		"governed", a.governor != nil)
	return a, nil
}

func (a *app) executorOptions(cfg *config.Config) []graph.Option {
	emitter := emit.NewMultiEmitter(
		emit.NewLogEmitter(a.logger),
		emit.NewOTelEmitter(otel.Tracer(tracerName)),
	)
	opts := []graph.Option{
		graph.WithOptions(cfg.ExecutorOptions()),
		graph.WithEmitter(emitter),
		graph.WithCheckpointer(a.checkpoints, cfg.CheckpointInterval),
	}
	if cfg.EnableLogging {
		opts = append(opts, graph.WithLogger(a.logger))
	}
	if a.metrics != nil {
		opts = append(opts, graph.WithMetrics(a.metrics))
	}
	if a.governor != nil {
		opts = append(opts, graph.WithGovernor(a.governor))
	}
	return opts
}

// Close releases the checkpoint store.
func (a *app) Close() error {
	var errs []error
	if a.checkpoints != nil {
		errs = append(errs, a.checkpoints.Close())
	}
	return errors.Join(errs...)
}
