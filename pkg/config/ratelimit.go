package config

import "time"

// RateLimitConfig contains request throttling settings for the step-up routes.
type RateLimitConfig struct {
	Enabled bool `env:"RATELIMIT_ENABLED" env-default:"true"`

	// Per-IP limit across all step-up routes
	PerIPCapacity   int     `env:"RATELIMIT_PER_IP_CAPACITY" env-default:"100"`
	PerIPRefillRate float64 `env:"RATELIMIT_PER_IP_REFILL_RATE" env-default:"1.67"` // tokens per second

	// Code and factor submission limits (brute force protection)
	VerifyCapacity   int     `env:"RATELIMIT_VERIFY_CAPACITY" env-default:"5"`
	VerifyRefillRate float64 `env:"RATELIMIT_VERIFY_REFILL_RATE" env-default:"0.083"`

	// Code issuance limits (resend protection)
	IssueCapacity   int     `env:"RATELIMIT_ISSUE_CAPACITY" env-default:"3"`
	IssueRefillRate float64 `env:"RATELIMIT_ISSUE_REFILL_RATE" env-default:"0.017"`

	// Window applies to the Redis fixed-window throttler only.
	Window time.Duration `env:"RATELIMIT_WINDOW" env-default:"1m"`

	// BucketTTL evicts idle in-process buckets.
	BucketTTL time.Duration `env:"RATELIMIT_BUCKET_TTL" env-default:"10m"`
}

// DefaultRateLimitConfig returns a RateLimitConfig with sensible defaults
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:          true,
		PerIPCapacity:    100,
		PerIPRefillRate:  1.67,
		VerifyCapacity:   5,
		VerifyRefillRate: 0.083,
		IssueCapacity:    3,
		IssueRefillRate:  0.017,
		Window:           time.Minute,
		BucketTTL:        10 * time.Minute,
	}
}

// LedgerConfig sizes the asynchronous account event writer.
type LedgerConfig struct {
	QueueSize    int           `env:"LEDGER_QUEUE_SIZE" env-default:"256"`
	WriteTimeout time.Duration `env:"LEDGER_WRITE_TIMEOUT" env-default:"5s"`
}

// DefaultLedgerConfig returns the ledger defaults.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{QueueSize: 256, WriteTimeout: 5 * time.Second}
}
