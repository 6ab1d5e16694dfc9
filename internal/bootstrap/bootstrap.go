// Package bootstrap builds the runtime dependencies shared by the services
// and the command line tool from the loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cuongbtq/case-import/internal/config"
	"github.com/cuongbtq/case-import/internal/worker/notify"
	"github.com/cuongbtq/case-import/internal/worker/registry"
	"github.com/cuongbtq/case-import/internal/worker/settings"
	"github.com/cuongbtq/case-import/internal/worker/storage"
	"github.com/cuongbtq/case-import/shared/logger"
	"github.com/cuongbtq/case-import/shared/postgresql"
	"github.com/cuongbtq/case-import/shared/rabbitmq"
)

// Resources are the long-lived clients of a process
type Resources struct {
	Logger   *slog.Logger
	DB       *postgresql.Client
	Store    *storage.Storage
	Settings settings.Provider
	Registry registry.Client
	Notifier notify.Notifier

	closers []io.Closer
}

// Open connects to every configured backend. Optional backends (broker,
// cache, registry) are skipped when not configured.
func Open(cfg *config.Config, log *slog.Logger) (*Resources, error) {
	r := &Resources{Logger: log}

	dbClient, err := InitPostgreSQL(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	r.DB = dbClient
	r.closers = append(r.closers, dbClient)

	r.Store = storage.NewStorage(dbClient.GetDB(), log)
	r.Settings = settings.NewDBProvider(dbClient.GetDB(), cfg.Import, log)

	var cache registry.Cache
	if cfg.Redis.Enabled {
		redisCache, err := registry.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to initialize registry cache: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = redisCache.Ping(ctx)
		cancel()
		if err != nil {
			// the cache is an optimisation; lookups go live without it
			log.Warn("Registry cache unreachable, continuing without it",
				slog.String("error", err.Error()),
			)
			_ = redisCache.Close()
		} else {
			cache = redisCache
			r.closers = append(r.closers, redisCache)
		}
	}
	r.Registry = NewRegistry(&cfg.Registry, cache, cfg.Redis.TTL, log)

	var publisher notify.Publisher
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := InitRabbitMQ(&cfg.RabbitMQ, log)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		publisher = rabbitClient
		r.closers = append(r.closers, rabbitClient)
	}
	r.Notifier = NewNotifier(r.Store, publisher, log)

	return r, nil
}

// Close releases every client in reverse order of opening
func (r *Resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			r.Logger.Error("Failed to close resource",
				slog.String("error", err.Error()),
			)
		}
	}
	r.closers = nil
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// PostgresConfig maps the database section onto the client configuration
func PostgresConfig(cfg *config.DatabaseConfig) *postgresql.Config {
	return &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

// InitPostgreSQL connects to PostgreSQL, applying migrations first when
// auto_migrate is set
func InitPostgreSQL(cfg *config.DatabaseConfig, log *slog.Logger) (*postgresql.Client, error) {
	pgCfg := PostgresConfig(cfg)
	if cfg.AutoMigrate {
		if err := postgresql.RunMigrations(pgCfg.URL(), log); err != nil {
			return nil, err
		}
	}
	return postgresql.NewClient(pgCfg, log)
}

// InitRabbitMQ connects the notification publisher
func InitRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange.Name,
		ExchangeType:      cfg.Exchange.Type,
		ExchangeDurable:   cfg.Exchange.Durable,
		QueueName:         cfg.Queue.Name,
		QueueDurable:      cfg.Queue.Durable,
		RoutingKey:        cfg.RoutingKey,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		PublishRetries:    cfg.Publish.RetryAttempts,
		PublishRetryDelay: cfg.Publish.RetryInterval,
	}, log)
}

// NewRegistry builds the court-registry client. It returns nil when no base
// URL is configured; a nil cache disables caching.
func NewRegistry(cfg *config.RegistryConfig, cache registry.Cache, ttl time.Duration, log *slog.Logger) registry.Client {
	if cfg.BaseURL == "" {
		log.Warn("Court registry not configured, imports will skip external sync")
		return nil
	}
	var client registry.Client = registry.NewHTTPClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
	if cache != nil {
		client = registry.NewCachedClient(client, cache, ttl, log)
	}
	return client
}

// NewNotifier delivers completion notices in-app, to the log, and to the
// broker when a publisher is given
func NewNotifier(saver notify.NotificationSaver, publisher notify.Publisher, log *slog.Logger) notify.Notifier {
	notifiers := []notify.Notifier{
		notify.NewStoreNotifier(saver),
		notify.NewLogNotifier(log),
	}
	if publisher != nil {
		notifiers = append(notifiers, notify.NewAMQPNotifier(publisher))
	}
	return notify.NewFanout(log, notifiers...)
}
