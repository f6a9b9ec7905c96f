package testsupport

import (
	"path/filepath"
	"testing"

	"poflow/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.LockDir = filepath.Join(base, "data")
	cfgVal.Paths.DocumentsDir = filepath.Join(base, "documents")
	cfgVal.Paths.ArchiveDir = filepath.Join(base, "archive")
	cfgVal.Database.Driver = "sqlite"
	cfgVal.Database.Path = filepath.Join(base, "data", "poflow.db")
	cfgVal.Extraction.Provider = "none"
	cfgVal.Recovery.Enabled = false
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.Ingest.Bind = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithDefaultMode sets the execution mode used for owners without an override.
func WithDefaultMode(mode string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Execution.DefaultMode = mode
	}
}

// WithOwnerMode routes one owner to the given execution mode.
func WithOwnerMode(owner, mode string) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Execution.Owners == nil {
			b.cfg.Execution.Owners = map[string]string{}
		}
		b.cfg.Execution.Owners[owner] = mode
	}
}

// WithFastQueues shrinks poll, backoff and lock timings so queue tests finish quickly.
func WithFastQueues() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queues.PollIntervalSeconds = 1
		b.cfg.Queues.BackoffBaseSeconds = 1
		b.cfg.Queues.BackoffCapSeconds = 1
		b.cfg.Queues.QuotaBackoffBaseSeconds = 1
		b.cfg.Queues.QuotaBackoffCapSeconds = 1
	}
}

// WithDatabase points the config at an external database.
func WithDatabase(driver, dsn string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Database.Driver = driver
		b.cfg.Database.DSN = dsn
		b.cfg.Database.Path = ""
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
