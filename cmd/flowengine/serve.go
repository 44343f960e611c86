package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/flowengine/internal/config"
	"github.com/aescanero/flowengine/pkg/api/grpc"
	"github.com/aescanero/flowengine/pkg/api/http"
	"github.com/aescanero/flowengine/pkg/api/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP, WebSocket and gRPC servers",
	Long: `Start the engine with the HTTP API, event streams, gRPC health service
and Prometheus metrics. Configuration is read from the environment.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting flowengine",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("storage_backend", cfg.StorageBackend))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}

	httpServer := http.NewServer(&http.Config{
		Port:     cfg.HTTPPort,
		Manager:  eng.manager,
		EventBus: eng.bus,
		Ledger:   eng.ledger,
		Threads:  eng.store,
		Workers:  eng.pool.Health(),
		Gatherer: eng.registry,
		Logger:   logger,
	})
	httpServer.SetupWebSocket(websocket.NewHandler(eng.bus, logger))

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:          cfg.GRPCPort,
		Checker:       eng.pool.Health(),
		CheckInterval: cfg.Workers.HealthCheckInterval,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- httpServer.Start() }()
	go func() { errCh <- grpcServer.Start() }()

	logger.Info("flowengine started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize))

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}
	if err := eng.shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", zap.Error(err))
	}

	logger.Info("flowengine shut down complete")
	return nil
}
