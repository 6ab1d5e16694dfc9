package settings

import (
	"context"
	"time"
)

// JitterRange is the random delay, in milliseconds, before each registry call
type JitterRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// Settings tune one worker invocation
type Settings struct {
	WorkerBatchSize    int           `yaml:"worker_batch_size"`
	WorkerConcurrency  int           `yaml:"worker_concurrency"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	RequestJitterMs    JitterRange   `yaml:"request_jitter_ms"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
	// ClaimTimeout is how long a claim survives without a heartbeat before
	// another invocation takes the job back
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
}

// Defaults are used when neither the config file nor the database sets a value
func Defaults() Settings {
	return Settings{
		WorkerBatchSize:    10,
		WorkerConcurrency:  3,
		RateLimitPerMinute: 30,
		RequestJitterMs:    JitterRange{Min: 300, Max: 900},
		MaxRetries:         3,
		RetryBaseDelay:     time.Minute,
		RetryMaxDelay:      30 * time.Minute,
		ClaimTimeout:       10 * time.Minute,
	}
}

// Normalize clamps out-of-range values
func (s Settings) Normalize() Settings {
	if s.WorkerBatchSize < 1 {
		s.WorkerBatchSize = 1
	}
	if s.WorkerConcurrency < 1 {
		s.WorkerConcurrency = 1
	}
	if s.RateLimitPerMinute < 0 {
		s.RateLimitPerMinute = 0
	}
	if s.RequestJitterMs.Min < 0 {
		s.RequestJitterMs.Min = 0
	}
	if s.RequestJitterMs.Max < s.RequestJitterMs.Min {
		s.RequestJitterMs.Max = s.RequestJitterMs.Min
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.RetryBaseDelay <= 0 {
		s.RetryBaseDelay = time.Minute
	}
	if s.RetryMaxDelay < s.RetryBaseDelay {
		s.RetryMaxDelay = s.RetryBaseDelay
	}
	if s.ClaimTimeout <= 0 {
		s.ClaimTimeout = 10 * time.Minute
	}
	return s
}

// Backoff returns the delay before retry attempt n (1-based):
// base * 2^(n-1), capped at RetryMaxDelay
func (s Settings) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := s.RetryBaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= s.RetryMaxDelay || d <= 0 {
			return s.RetryMaxDelay
		}
	}
	if d > s.RetryMaxDelay {
		return s.RetryMaxDelay
	}
	return d
}

// HeartbeatInterval is how often a holder refreshes its claim
func (s Settings) HeartbeatInterval() time.Duration {
	return max(s.ClaimTimeout/3, time.Second)
}

// Provider loads the settings for an invocation
type Provider interface {
	Load(ctx context.Context) (Settings, error)
}

// Static always returns the same settings
type Static struct {
	Settings Settings
}

// Load implements Provider
func (s Static) Load(context.Context) (Settings, error) {
	return s.Settings.Normalize(), nil
}
