package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dshills/nodegraph-go/graph"
	"github.com/dshills/nodegraph-go/internal/ctxlog"
)

// maxRequestBody bounds POST bodies.
const maxRequestBody = 1 << 20

// Config controls the HTTP surface. Zero values disable the optional guards.
type Config struct {
	Addr string

	// APIKey, when set, is required in the X-API-Key header on /v1 routes.
	APIKey string

	// RateLimit is the sustained requests per second admitted on /v1 routes.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int

	// MaxConcurrent caps executions running at once. Zero means unbounded.
	MaxConcurrent int

	// QueueSize is how many executions may wait for a running slot when
	// MaxConcurrent is reached. Requests beyond that get 503.
	QueueSize int

	// ExecutionTimeout bounds each POST /v1/execute run on top of the graph's
	// own budget. Zero means none.
	ExecutionTimeout time.Duration

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig listens on :8080 with every guard disabled.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    5 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("gateway: Addr is required")
	}
	if c.RateLimit < 0 || c.MaxConcurrent < 0 || c.QueueSize < 0 {
		return errors.New("gateway: RateLimit, MaxConcurrent and QueueSize must not be negative")
	}
	if c.QueueSize > 0 && c.MaxConcurrent == 0 {
		return errors.New("gateway: QueueSize requires MaxConcurrent")
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		return errors.New("gateway: RateBurst must be >= 1 when rate limited")
	}
	return nil
}

// Server serves a Registry over HTTP.
type Server struct {
	cfg      Config
	registry *Registry
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	handler  http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGatherer sets the registry served on /metrics. Defaults to
// prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// NewServer builds the routes for reg.
func NewServer(cfg Config, reg *Registry, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = NewRegistry()
	}
	s := &Server{
		cfg:      cfg,
		registry: reg,
		logger:   ctxlog.Discard(),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s, nil
}

// Registry returns the graphs served.
func (s *Server) Registry() *Registry { return s.registry }

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	var guards []middleware
	if s.cfg.APIKey != "" {
		guards = append(guards, requireAPIKey(s.cfg.APIKey))
	}
	if s.cfg.RateLimit > 0 {
		guards = append(guards, rateLimit(rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)))
	}
	execute := http.Handler(http.HandlerFunc(s.handleExecute))
	if s.cfg.MaxConcurrent > 0 {
		execute = boundedQueue(s.cfg.MaxConcurrent, s.cfg.QueueSize)(execute)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/execute", chain(execute, guards...))
	mux.Handle("GET /v1/graphs", chain(http.HandlerFunc(s.handleList), guards...))
	mux.Handle("GET /v1/graphs/{name}", chain(http.HandlerFunc(s.handleGet), guards...))
	mux.Handle("DELETE /v1/graphs/{name}", chain(http.HandlerFunc(s.handleDelete), guards...))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return chain(mux, accessLog(s.logger))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.GraphName == "" {
		writeError(w, http.StatusBadRequest, "graphName is required")
		return
	}
	exec, ok := s.registry.Get(req.GraphName)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("graph %q not found", req.GraphName))
		return
	}

	ctx := ctxlog.WithLogger(r.Context(), s.logger)
	if s.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
		defer cancel()
	}

	res, err := exec.Execute(ctx, graph.NewStateFrom(req.Variables))
	if res == nil {
		// The graph failed to build; nothing ran.
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		s.logger.Info("execution failed", "graph", req.GraphName, "run_id", res.RunID, "status", res.Status, "error", err)
	}
	writeJSON(w, http.StatusOK, newExecuteResponse(res, err))
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	e, ok := s.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("graph %q not found", name))
		return
	}
	writeJSON(w, http.StatusOK, describe(e))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.registry.Unregister(name) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("graph %q not found", name))
		return
	}
	s.logger.Info("graph unregistered", "graph", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "graphs": len(s.registry.List())})
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctxlog.WithLogger(context.Background(), s.logger) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		s.logger.Info("gateway shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		writeError(w, http.StatusInternalServerError, "encode response: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}
