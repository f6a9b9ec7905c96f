package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateMetadata(); err != nil {
		return err
	}
	if err := c.validateQueues(); err != nil {
		return err
	}
	if err := c.validateRecovery(); err != nil {
		return err
	}
	if err := c.validateExecution(); err != nil {
		return err
	}
	if err := c.validateExtraction(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	if err := c.validateTracing(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" && c.Database.DSN == "" {
			return errors.New("database.path must be set for the sqlite driver")
		}
	case "postgres", "mysql":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the %s driver (or set POFLOW_DATABASE_DSN)", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver: unsupported value %q (sqlite, postgres, mysql)", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return errors.New("database.max_open_conns must be positive")
	}
	return nil
}

func (c *Config) validateMetadata() error {
	if c.Metadata.TTLSeconds <= 0 {
		return errors.New("metadata.ttl_seconds must be positive")
	}
	switch c.Metadata.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("redis.addr must be set when metadata.backend is redis")
		}
	case "firestore":
		if strings.TrimSpace(c.Firestore.ProjectID) == "" {
			return errors.New("firestore.project_id must be set when metadata.backend is firestore")
		}
		if strings.TrimSpace(c.Firestore.Collection) == "" {
			return errors.New("firestore.collection must be set when metadata.backend is firestore")
		}
	default:
		return fmt.Errorf("metadata.backend: unsupported value %q (memory, redis, firestore)", c.Metadata.Backend)
	}
	return nil
}

func (c *Config) validateQueues() error {
	if err := ensurePositiveMap(map[string]int{
		"queues.max_attempts":               c.Queues.MaxAttempts,
		"queues.backoff_base_seconds":       c.Queues.BackoffBaseSeconds,
		"queues.backoff_cap_seconds":        c.Queues.BackoffCapSeconds,
		"queues.quota_backoff_base_seconds": c.Queues.QuotaBackoffBaseSeconds,
		"queues.quota_backoff_cap_seconds":  c.Queues.QuotaBackoffCapSeconds,
		"queues.poll_interval_seconds":      c.Queues.PollIntervalSeconds,
		"queues.lock_timeout_seconds":       c.Queues.LockTimeoutSeconds,
		"queues.heartbeat_interval_seconds": c.Queues.HeartbeatIntervalSeconds,
	}); err != nil {
		return err
	}
	if c.Queues.BackoffCapSeconds < c.Queues.BackoffBaseSeconds {
		return errors.New("queues.backoff_cap_seconds must not be less than queues.backoff_base_seconds")
	}
	if c.Queues.QuotaBackoffCapSeconds < c.Queues.QuotaBackoffBaseSeconds {
		return errors.New("queues.quota_backoff_cap_seconds must not be less than queues.quota_backoff_base_seconds")
	}
	if c.Queues.LockTimeoutSeconds <= c.Queues.HeartbeatIntervalSeconds {
		return errors.New("queues.lock_timeout_seconds must be greater than queues.heartbeat_interval_seconds")
	}
	for stage, n := range c.Queues.Concurrency {
		if n <= 0 {
			return fmt.Errorf("queues.concurrency.%s must be positive", stage)
		}
	}
	return nil
}

func (c *Config) validateRecovery() error {
	if err := ensurePositiveMap(map[string]int{
		"recovery.interval_seconds":    c.Recovery.IntervalSeconds,
		"recovery.stale_after_seconds": c.Recovery.StaleAfterSeconds,
	}); err != nil {
		return err
	}
	if c.Recovery.AcceptanceThreshold < 0 || c.Recovery.AcceptanceThreshold > 1 {
		return errors.New("recovery.acceptance_threshold must be between 0 and 1")
	}
	if c.Recovery.MaxReattempts < 0 {
		return errors.New("recovery.max_reattempts must not be negative")
	}
	return nil
}

func (c *Config) validateExecution() error {
	if !validMode(c.Execution.DefaultMode) {
		return fmt.Errorf("execution.default_mode: unsupported value %q (queued, sequential)", c.Execution.DefaultMode)
	}
	for owner, mode := range c.Execution.Owners {
		if owner == "" {
			return errors.New("execution.owners: owner name must not be empty")
		}
		if !validMode(mode) {
			return fmt.Errorf("execution.owners.%s: unsupported value %q (queued, sequential)", owner, mode)
		}
	}
	return ensurePositiveMap(map[string]int{
		"execution.sequential_concurrency":    c.Execution.SequentialConcurrency,
		"execution.dispatch_interval_seconds": c.Execution.DispatchIntervalSeconds,
	})
}

func (c *Config) validateExtraction() error {
	switch strings.ToLower(strings.TrimSpace(c.Extraction.Provider)) {
	case "none":
		return nil
	case "vertex":
		if strings.TrimSpace(c.Extraction.Model) == "" {
			return errors.New("extraction.model must be set when extraction.provider is vertex")
		}
		if strings.TrimSpace(c.Extraction.Region) == "" {
			return errors.New("extraction.region must be set when extraction.provider is vertex")
		}
		if c.Extraction.Temperature < 0 || c.Extraction.Temperature > 2 {
			return errors.New("extraction.temperature must be between 0 and 2")
		}
		return nil
	default:
		return fmt.Errorf("extraction.provider: unsupported value %q (vertex, none)", c.Extraction.Provider)
	}
}

func (c *Config) validateSync() error {
	if !c.Sync.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Sync.Endpoint) == "" {
		return errors.New("sync.endpoint must be set when sync.enabled is true")
	}
	if c.Sync.TimeoutSeconds <= 0 {
		return errors.New("sync.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateTracing() error {
	if !c.Tracing.Enabled {
		return nil
	}
	switch c.Tracing.Exporter {
	case "otlp", "stdout":
	default:
		return fmt.Errorf("tracing.exporter: unsupported value %q (otlp, stdout)", c.Tracing.Exporter)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return errors.New("tracing.sampling_rate must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q (console, json)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func validMode(mode string) bool {
	return mode == "queued" || mode == "sequential"
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
