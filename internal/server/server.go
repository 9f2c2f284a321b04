package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"termflux/internal/api"
	"termflux/internal/cache"
	"termflux/internal/config"
	"termflux/internal/container"
	"termflux/internal/eventbus"
	"termflux/internal/gateway"
	"termflux/internal/monitor"
	"termflux/internal/secret"
	"termflux/internal/store"
	"termflux/internal/workflow"
	"termflux/internal/workspace"

	"github.com/hibiken/asynq"
)

type Server struct {
	cfg         *config.Config
	deps        *Dependency
	httpServer  *http.Server
	asynqServer *asynq.Server
	asynqMux    *asynq.ServeMux
	reaper      *workspace.Reaper
	logger      *slog.Logger

	Provisioner *workspace.Provisioner
	Gateway     *gateway.Gateway
	Engine      *workflow.Engine
	Secrets     *secret.Store
}

func NewServer(cfg *config.Config, deps *Dependency) *Server {
	logger := deps.Logger

	bus := eventbus.NewRedisBus(deps.Redis, logger)
	driver := container.NewDriver(deps.Docker, cfg.Docker.DefaultImage, logger)
	stateCache := cache.New(deps.Redis, logger)
	repo := store.NewRepository(deps.PG)

	secrets := secret.NewStore(repo, driver, cfg.Secrets.MasterKey, logger)
	provisioner := workspace.NewProvisioner(driver, stateCache, repo, secrets, bus, logger)

	gw := gateway.New(gateway.WrapDriver(driver), stateCache, repo, bus, gateway.Config{
		PingInterval: cfg.Gateway.PingInterval,
		DefaultCols:  cfg.Gateway.DefaultCols,
		DefaultRows:  cfg.Gateway.DefaultRows,
	}, logger)

	engine := workflow.NewEngine(deps.AsynqClient, deps.AsynqInspector, repo, driver, bus, logger)

	reaper := workspace.NewReaper(driver, stateCache, repo, workspace.ReaperConfig{
		Interval:     cfg.Reaper.Interval,
		ContainerAge: cfg.Reaper.ContainerAge,
	}, logger)

	asynqServer := asynq.NewServer(deps.AsynqRedis, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Logger:      newAsynqLogger(logger),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(workflow.TaskRunWorkflow, engine.HandleRun)

	router := api.NewRouter(gw)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		cfg:         cfg,
		deps:        deps,
		httpServer:  httpServer,
		asynqServer: asynqServer,
		asynqMux:    mux,
		reaper:      reaper,
		logger:      logger,
		Provisioner: provisioner,
		Gateway:     gw,
		Engine:      engine,
		Secrets:     secrets,
	}
}

func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.logger.Info("Starting workflow workers", "concurrency", s.cfg.Worker.Concurrency)
		if err := s.asynqServer.Start(s.asynqMux); err != nil {
			s.logger.Error("Workflow worker failed", "error", err)
		}
	}()

	go s.reaper.Start()

	go func() {
		if err := monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.logger); err != nil {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.asynqServer.Shutdown()
	s.reaper.Stop()

	s.logger.Info("Server stopped gracefully")
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug("", "msg", args) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info("", "msg", args) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn("", "msg", args) }
func (a *asynqLogger) Error(args ...any) { a.l.Error("", "msg", args) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL", "msg", args) }
