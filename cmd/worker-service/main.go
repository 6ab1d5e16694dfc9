package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/case-import/internal/api/handler"
	"github.com/cuongbtq/case-import/internal/api/router"
	"github.com/cuongbtq/case-import/internal/bootstrap"
	"github.com/cuongbtq/case-import/internal/config"
	"github.com/cuongbtq/case-import/internal/worker"
	"github.com/cuongbtq/case-import/internal/worker/tracker"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	res, err := bootstrap.Open(cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer res.Close()

	runner := worker.NewRunner(&worker.Config{
		Logger:       appLogger.Logger,
		Store:        res.Store,
		Settings:     res.Settings,
		Registry:     res.Registry,
		Notifier:     res.Notifier,
		PollInterval: cfg.Worker.PollInterval,
	})

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := router.SetupRouter(&handler.Dependencies{
		Logger:               appLogger.Logger,
		Store:                res.Store,
		Settings:             res.Settings,
		Trigger:              runner,
		Recounter:            tracker.New(res.Store, res.Notifier, appLogger.Logger),
		Health:               res.DB,
		CronSecret:           cfg.API.CronSecret,
		AdminToken:           cfg.API.AdminToken,
		TriggerTimeout:       cfg.API.TriggerTimeout,
		TriggerRatePerMinute: cfg.API.TriggerRatePerMinute,
		TriggerBurst:         cfg.API.TriggerBurst,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server failed: %w", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Worker.PollInterval > 0 {
		go func() {
			if err := runner.Start(ctx); err != nil {
				errChan <- err
			}
		}()
	}

	appLogger.Info("Worker service is running",
		slog.String("address", addr),
		slog.Duration("poll_interval", cfg.Worker.PollInterval),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// in-flight triggered invocations finish before the server returns
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	done := make(chan struct{})
	go func() {
		runner.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		cancel()
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}
