package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/case-import/internal/bootstrap"
	"github.com/cuongbtq/case-import/internal/cli"
	"github.com/cuongbtq/case-import/internal/config"
	"github.com/cuongbtq/case-import/internal/worker"
	"github.com/cuongbtq/case-import/internal/worker/tracker"
	"github.com/cuongbtq/case-import/shared/logger"
	"github.com/cuongbtq/case-import/shared/postgresql"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	configPath := os.Getenv("CASEIMPORT_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/worker-service/config.yaml"
	}

	load := func() (*config.Config, *logger.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.ValidateCLIConfig(); err != nil {
			return nil, nil, fmt.Errorf("invalid config: %w", err)
		}
		// keep stdout for command output
		cfg.Logging.Output = "stderr"
		appLogger, err := bootstrap.InitLogger(&cfg.Logging)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		return cfg, appLogger, nil
	}

	open := func(ctx context.Context) (*cli.Env, func(), error) {
		cfg, appLogger, err := load()
		if err != nil {
			return nil, nil, err
		}
		res, err := bootstrap.Open(cfg, appLogger.Logger)
		if err != nil {
			appLogger.Close()
			return nil, nil, err
		}
		env := &cli.Env{
			Logger: appLogger.Logger,
			Store:  res.Store,
			Runner: worker.NewRunner(&worker.Config{
				Logger:   appLogger.Logger,
				Store:    res.Store,
				Settings: res.Settings,
				Registry: res.Registry,
				Notifier: res.Notifier,
			}),
			Recounter: tracker.New(res.Store, res.Notifier, appLogger.Logger),
		}
		return env, func() {
			res.Close()
			appLogger.Close()
		}, nil
	}

	migrate := func(ctx context.Context) error {
		cfg, appLogger, err := load()
		if err != nil {
			return err
		}
		defer appLogger.Close()
		return postgresql.RunMigrations(bootstrap.PostgresConfig(&cfg.Database).URL(), appLogger.Logger)
	}

	root := cli.NewRoot(open, migrate)
	root.PersistentFlags().StringVar(&configPath, "config", configPath, "Path to configuration file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
