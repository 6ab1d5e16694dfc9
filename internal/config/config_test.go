package config

import (
	"testing"
	"time"

	"github.com/cuongbtq/case-import/internal/worker/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)
			assert.Equal(t, 8081, cfg.Server.Port)
			assert.Equal(t, 2*time.Minute, cfg.Server.WriteTimeout)
			assert.Equal(t, "case_import", cfg.Database.Database)
			assert.True(t, cfg.Database.AutoMigrate)
			assert.Equal(t, "case_import.events", cfg.RabbitMQ.Exchange.Name)
			assert.Equal(t, time.Hour, cfg.Redis.TTL)
			assert.Equal(t, "case-import-worker", cfg.App.Name)
			assert.Equal(t, 30*time.Second, cfg.Worker.PollInterval)
		})
	}
}

func TestLoad_KeepsDefaults(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Server.ReadTimeout, cfg.Server.ReadTimeout)
	assert.Equal(t, def.Database.SSLMode, cfg.Database.SSLMode)
	assert.Equal(t, def.RabbitMQ.Port, cfg.RabbitMQ.Port)
	assert.Equal(t, def.Registry.Timeout, cfg.Registry.Timeout)
	assert.Equal(t, def.API.TriggerRatePerMinute, cfg.API.TriggerRatePerMinute)
	assert.Equal(t, settings.Defaults().MaxRetries, cfg.Import.MaxRetries)
}

func TestLoad_ImportSettingsAreNormalized(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Import.WorkerBatchSize)
	assert.Equal(t, 1, cfg.Import.WorkerConcurrency)
	assert.Equal(t, 60, cfg.Import.RateLimitPerMinute)
	assert.Equal(t, settings.JitterRange{Min: 500, Max: 500}, cfg.Import.RequestJitterMs)
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("CASEIMPORT_TEST_DB_PASSWORD", "s3cret")
	t.Setenv("CASEIMPORT_TEST_REGISTRY_KEY", "key-1")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, "key-1", cfg.Registry.APIKey)
}

func validConfig() *Config {
	cfg := Default()
	cfg.Database.Host = "localhost"
	cfg.Database.Database = "case_import"
	cfg.API.CronSecret = "cron"
	cfg.API.AdminToken = "admin"
	return &cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		api       string
		worker    string
		cliErrors bool
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:   "invalid server port",
			mutate: func(c *Config) { c.Server.Port = 0 },
			api:    "invalid server port",
			worker: "invalid server port",
		},
		{
			name:      "missing database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			api:       "database host is required",
			worker:    "database host is required",
			cliErrors: true,
		},
		{
			name:      "missing database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			api:       "database name is required",
			worker:    "database name is required",
			cliErrors: true,
		},
		{
			name:   "missing admin token",
			mutate: func(c *Config) { c.API.AdminToken = "" },
			api:    "admin_token is required",
		},
		{
			name:   "missing cron secret",
			mutate: func(c *Config) { c.API.CronSecret = "" },
			worker: "cron_secret is required",
		},
		{
			name:   "broker enabled without exchange",
			mutate: func(c *Config) { c.RabbitMQ.Enabled = true; c.RabbitMQ.Host = "localhost" },
			api:    "rabbitmq exchange name is required",
			worker: "rabbitmq exchange name is required",
		},
		{
			name:   "broker disabled needs nothing",
			mutate: func(c *Config) { c.RabbitMQ.Host = "" },
		},
		{
			name:   "cache enabled without url",
			mutate: func(c *Config) { c.Redis.Enabled = true },
			api:    "redis url is required",
			worker: "redis url is required",
		},
		{
			name:   "negative poll interval",
			mutate: func(c *Config) { c.Worker.PollInterval = -time.Second },
			worker: "poll_interval must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			check := func(err error, want string) {
				if want == "" {
					assert.NoError(t, err)
					return
				}
				assert.ErrorContains(t, err, want)
			}
			check(cfg.ValidateAPIConfig(), tt.api)
			check(cfg.ValidateWorkerConfig(), tt.worker)
			if tt.cliErrors {
				assert.Error(t, cfg.ValidateCLIConfig())
			} else {
				assert.NoError(t, cfg.ValidateCLIConfig())
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("valid config passes validation", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		assert.NoError(t, cfg.ValidateAPIConfig())
		assert.NoError(t, cfg.ValidateWorkerConfig())
	})

	t.Run("invalid port fails validation", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		assert.ErrorContains(t, cfg.ValidateWorkerConfig(), "invalid server port")
	})

	t.Run("missing database name fails validation", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		assert.ErrorContains(t, cfg.ValidateAPIConfig(), "database name is required")
	})
}
