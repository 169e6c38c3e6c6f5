package config

import (
	"fmt"
	"time"

	"github.com/devdoxai/queueworker/internal/env"
)

// FleetConfig aggregates all configuration for the worker fleet binary.
type FleetConfig struct {
	Database      DatabaseConfig
	Queue         QueueConfig
	Retry         RetryConfig
	Mail          MailConfig
	Observability ObservabilityConfig

	// WorkerCount is how many independent Worker loops the fleet runs against
	// the same queue, each with its own worker_id.
	WorkerCount int `env:"QW_WORKER_COUNT" default:"1"`

	// MaxConsecutiveFailures is how many consecutive dequeue/claim/dispatch
	// failures a worker tolerates before it stops itself.
	MaxConsecutiveFailures int `env:"QW_WORKER_MAX_CONSECUTIVE_FAILURES" default:"5"`

	// ShutdownGrace bounds how long cmd/worker waits, after calling Stop on
	// every worker, for in-flight jobs to finish before it returns.
	ShutdownGrace time.Duration `env:"QW_WORKER_SHUTDOWN_GRACE"`
}

// applyDefaults fills zero-valued fields that env.Load leaves untouched
// (env.Load does not interpret the `default` tag; see internal/env).
func (c *FleetConfig) applyDefaults() {
	if c.Retry.RetryBaseSeconds == 0 {
		c.Retry.RetryBaseSeconds = 10
	}
	if c.Retry.RetryCapSeconds == 0 {
		c.Retry.RetryCapSeconds = 300
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Mail.SMTPPort == 0 {
		c.Mail.SMTPPort = 587
	}
	if c.Mail.SubjectPrefix == "" {
		c.Mail.SubjectPrefix = "[DevDox]"
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "queueworker"
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = 1
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.Queue.PollIntervalMS == 0 {
		c.Queue.PollIntervalMS = 1000
	}
	if c.Queue.VisibilityTimeoutSec == 0 {
		c.Queue.VisibilityTimeoutSec = 30
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 1
	}
}

// LoadFleetConfig loads and validates worker fleet configuration from the
// environment.
func LoadFleetConfig() (*FleetConfig, error) {
	cfg := &FleetConfig{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load fleet config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Database.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Queue.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Mail.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
