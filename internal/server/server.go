// Package server assembles the green agent service: configuration in,
// listening sockets out. The service binary and fabctl serve share it.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentbeats/fabench/internal/config"
	"github.com/agentbeats/fabench/internal/db"
	"github.com/agentbeats/fabench/internal/evaluation"
	"github.com/agentbeats/fabench/internal/health"
	"github.com/agentbeats/fabench/internal/httpapi"
	"github.com/agentbeats/fabench/internal/lookahead"
	"github.com/agentbeats/fabench/internal/orchestrator"
	"github.com/agentbeats/fabench/internal/pricing"
	"github.com/agentbeats/fabench/internal/results"
	"github.com/agentbeats/fabench/internal/session"
	"github.com/agentbeats/fabench/internal/streaming"
	"github.com/agentbeats/fabench/internal/tracing"
	"github.com/agentbeats/fabench/internal/transport"
)

// Server owns every service collaborator and their lifecycle. New
// builds the graph without binding sockets; Run listens and blocks.
type Server struct {
	conf   *config.Config
	logger *zap.Logger
	level  zap.AtomicLevel

	healthMgr *health.Manager
	sessions  *session.Manager
	store     *db.Store
	runner    *evaluation.Runner
	watcher   *config.Manager
	mux       *http.ServeMux
}

// New wires the engine from configuration. Optional dependencies that
// fail to connect (Redis, Postgres) degrade with a log line instead of
// failing construction; the service runs usefully without them.
func New(conf *config.Config, logger *zap.Logger, level zap.AtomicLevel) (*Server, error) {
	if conf == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		conf:      conf,
		logger:    logger,
		level:     level,
		healthMgr: health.NewManager(logger),
		mux:       http.NewServeMux(),
	}

	// Health endpoints first so probes answer while slower
	// dependencies connect.
	health.NewHTTPHandler(s.healthMgr, logger).RegisterRoutes(s.mux)

	if err := tracing.Initialize(tracing.Config{
		Enabled:      conf.Tracing.Enabled,
		ServiceName:  conf.Tracing.ServiceName,
		OTLPEndpoint: conf.Tracing.Endpoint,
	}, logger); err != nil {
		logger.Warn("Tracing init failed", zap.Error(err))
	}

	streaming.Configure(conf.Streaming.RingCapacity)
	stream := streaming.Get()

	// Run registry. Falls back to in-process mode when Redis is away.
	s.sessions = session.NewManager(session.Options{
		RedisAddr:     conf.Session.RedisAddr,
		RedisPassword: conf.Session.RedisPassword,
		RedisDB:       conf.Session.RedisDB,
		TTL:           conf.Session.TTL,
	}, logger)
	_ = s.healthMgr.RegisterChecker(health.NewRegistryChecker(s.sessions, logger))

	// Results store is optional; evaluations run without it and only
	// history queries go dark.
	if conf.Database.Enabled {
		store, err := db.NewStore(db.Config{
			Driver:    conf.Database.Driver,
			Host:      conf.Database.Host,
			Port:      conf.Database.Port,
			User:      conf.Database.User,
			Password:  conf.Database.Password,
			Database:  conf.Database.Database,
			SSLMode:   conf.Database.SSLMode,
			Path:      conf.Database.Path,
			QueueSize: conf.Database.QueueSize,
		}, logger)
		if err != nil {
			logger.Error("Results store init failed, continuing without persistence", zap.Error(err))
		} else {
			if err := store.EnsureSchema(context.Background()); err != nil {
				logger.Warn("Schema migration failed", zap.Error(err))
			}
			s.store = store
			_ = s.healthMgr.RegisterChecker(health.NewStoreChecker(store, logger))
		}
	}

	// A2A plumbing: outbound client to candidate endpoints, inbound
	// router fed by the ingest API.
	sender := transport.NewClient(transport.Config{}, logger)
	router := orchestrator.NewRouter(logger)

	s.runner = evaluation.NewRunner(conf.Service.SelfID, conf.Evaluation, evaluation.Deps{
		Sender:   sender,
		Router:   router,
		Scorers:  evaluation.BuildScorers(conf.Judges, logger),
		Rebuttal: evaluation.BuildRebuttalJudge(conf.Judges, logger),
		Guard:    lookahead.NewGuard(logger),
		Stream:   stream,
		Sessions: s.sessions,
		Store:    s.store,
	}, logger)

	if conf.Judges.Mode == "llm" {
		_ = s.healthMgr.RegisterChecker(health.NewJudgeServiceChecker(conf.Judges.Service.BaseURL, logger))
	}

	ingest := httpapi.NewIngestHandler(router, conf.Service.AuthToken, logger)
	ingest.SetRateLimit(conf.Service.IngestRate, conf.Service.IngestBurst)
	ingest.RegisterRoutes(s.mux)

	httpapi.NewStreamingHandler(stream, logger).RegisterRoutes(s.mux)

	resultsDir := os.Getenv("FABENCH_RESULTS_DIR")
	if resultsDir == "" {
		resultsDir = "results"
	}
	httpapi.NewEvaluateHandler(httpapi.EvaluateDeps{
		Runner:    s.runner,
		Sessions:  s.sessions,
		Store:     s.store,
		Formatter: results.NewFormatter(resultsDir),
	}, conf.Evaluation, logger).RegisterRoutes(s.mux)

	s.setupWatcher()
	return s, nil
}

// setupWatcher wires hot reload: price table changes apply to the next
// judge call, log level changes apply immediately.
func (s *Server) setupWatcher() {
	dir := filepath.Dir(configPath())
	if _, err := os.Stat(dir); err != nil {
		return
	}
	watcher, err := config.NewManager(dir, s.logger)
	if err != nil {
		s.logger.Warn("Config watcher init failed", zap.Error(err))
		return
	}
	watcher.OnChange("models.yaml", func(string) error {
		pricing.Reload()
		s.logger.Info("Price table reloaded")
		return nil
	})
	watcher.OnChange(filepath.Base(configPath()), func(string) error {
		fresh, err := config.Load()
		if err != nil {
			return err
		}
		if parsed, err := zapcore.ParseLevel(fresh.Logging.Level); err == nil {
			s.level.SetLevel(parsed)
			s.logger.Info("Log level updated", zap.String("level", parsed.String()))
		}
		return nil
	})
	s.watcher = watcher
}

// Handler exposes the service mux, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Runner exposes the batch runner, for the CLI's in-process commands.
func (s *Server) Runner() *evaluation.Runner { return s.runner }

// Run binds the service and metrics listeners and blocks until the
// context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.logger.Warn("Config watcher start failed", zap.Error(err))
		}
	}
	_ = s.healthMgr.Start(ctx)

	// Prometheus metrics on their own port.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.conf.Service.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		s.logger.Info("Metrics server listening", zap.String("address", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.conf.Service.Port),
		Handler:      s.mux,
		ReadTimeout:  s.conf.Service.ReadTimeout,
		WriteTimeout: s.conf.Service.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down evaluation engine")
	s.shutdown(srv, metricsSrv)
	return nil
}

func (s *Server) shutdown(servers ...*http.Server) {
	_ = s.healthMgr.Stop()
	if s.watcher != nil {
		_ = s.watcher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.conf.Service.GracefulTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP shutdown failed", zap.String("address", srv.Addr), zap.Error(err))
		}
	}

	if s.store != nil {
		// Drains the async write queue so queued outcomes land.
		s.store.Close()
	}
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/fabench.yaml"
}
