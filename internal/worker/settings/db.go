package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// overrides mirrors the JSON stored in batch_import_settings; absent keys keep the defaults
type overrides struct {
	WorkerBatchSize    *int         `json:"workerBatchSize"`
	WorkerConcurrency  *int         `json:"workerConcurrency"`
	RateLimitPerMinute *int         `json:"rateLimitPerMinute"`
	RequestJitterMs    *JitterRange `json:"requestJitterMs"`
	MaxRetries         *int         `json:"maxRetries"`
	RetryBaseDelayMs   *int64       `json:"retryBaseDelayMs"`
	RetryMaxDelayMs    *int64       `json:"retryMaxDelayMs"`
	ClaimTimeoutMs     *int64       `json:"claimTimeoutMs"`
}

// Apply merges raw JSON overrides onto base
func Apply(base Settings, raw []byte) (Settings, error) {
	if len(raw) == 0 {
		return base, nil
	}

	var o overrides
	if err := json.Unmarshal(raw, &o); err != nil {
		return base, fmt.Errorf("failed to parse settings override: %w", err)
	}

	if o.WorkerBatchSize != nil {
		base.WorkerBatchSize = *o.WorkerBatchSize
	}
	if o.WorkerConcurrency != nil {
		base.WorkerConcurrency = *o.WorkerConcurrency
	}
	if o.RateLimitPerMinute != nil {
		base.RateLimitPerMinute = *o.RateLimitPerMinute
	}
	if o.RequestJitterMs != nil {
		base.RequestJitterMs = *o.RequestJitterMs
	}
	if o.MaxRetries != nil {
		base.MaxRetries = *o.MaxRetries
	}
	if o.RetryBaseDelayMs != nil {
		base.RetryBaseDelay = time.Duration(*o.RetryBaseDelayMs) * time.Millisecond
	}
	if o.RetryMaxDelayMs != nil {
		base.RetryMaxDelay = time.Duration(*o.RetryMaxDelayMs) * time.Millisecond
	}
	if o.ClaimTimeoutMs != nil {
		base.ClaimTimeout = time.Duration(*o.ClaimTimeoutMs) * time.Millisecond
	}

	return base, nil
}

// DBProvider reads the singleton override row on every Load
type DBProvider struct {
	db       *sqlx.DB
	defaults Settings
	logger   *slog.Logger
}

// NewDBProvider creates a provider falling back to defaults
func NewDBProvider(db *sqlx.DB, defaults Settings, logger *slog.Logger) *DBProvider {
	return &DBProvider{
		db:       db,
		defaults: defaults,
		logger:   logger,
	}
}

// Load implements Provider. A missing or unreadable row yields the defaults.
func (p *DBProvider) Load(ctx context.Context) (Settings, error) {
	var raw []byte
	err := p.db.GetContext(ctx, &raw, `SELECT value FROM batch_import_settings WHERE id = 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p.defaults.Normalize(), nil
		}
		return Settings{}, fmt.Errorf("failed to load batch import settings: %w", err)
	}

	s, err := Apply(p.defaults, raw)
	if err != nil {
		p.logger.Warn("Ignoring invalid batch import settings",
			slog.String("error", err.Error()),
		)
		return p.defaults.Normalize(), nil
	}

	return s.Normalize(), nil
}
