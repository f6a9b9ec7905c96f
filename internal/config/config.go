package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir      string `toml:"data_dir"`
	LogDir       string `toml:"log_dir"`
	LockDir      string `toml:"lock_dir"`
	DocumentsDir string `toml:"documents_dir"`
	ArchiveDir   string `toml:"archive_dir"`
}

// Database selects the SQL backend holding workflows, stage records, jobs and aggregates.
type Database struct {
	Driver       string `toml:"driver"`
	DSN          string `toml:"dsn"`
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
}

// Metadata configures the expiring store used to pass stage outputs between stages.
type Metadata struct {
	Backend    string `toml:"backend"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

// Redis contains connection settings for the redis metadata backend.
type Redis struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// Firestore contains settings for the firestore metadata backend.
type Firestore struct {
	ProjectID  string `toml:"project_id"`
	Collection string `toml:"collection"`
}

// Queues controls stage queue workers and retry policy.
type Queues struct {
	MaxAttempts              int            `toml:"max_attempts"`
	BackoffBaseSeconds       int            `toml:"backoff_base_seconds"`
	BackoffCapSeconds        int            `toml:"backoff_cap_seconds"`
	QuotaBackoffBaseSeconds  int            `toml:"quota_backoff_base_seconds"`
	QuotaBackoffCapSeconds   int            `toml:"quota_backoff_cap_seconds"`
	PollIntervalSeconds      int            `toml:"poll_interval_seconds"`
	LockTimeoutSeconds       int            `toml:"lock_timeout_seconds"`
	HeartbeatIntervalSeconds int            `toml:"heartbeat_interval_seconds"`
	Concurrency              map[string]int `toml:"concurrency"`
}

// Recovery configures the stuck-workflow sweep.
type Recovery struct {
	Enabled             bool    `toml:"enabled"`
	IntervalSeconds     int     `toml:"interval_seconds"`
	StaleAfterSeconds   int     `toml:"stale_after_seconds"`
	AcceptanceThreshold float64 `toml:"acceptance_threshold"`
	MaxReattempts       int     `toml:"max_reattempts"`
}

// Execution selects between queue-driven and sequential execution.
type Execution struct {
	DefaultMode             string            `toml:"default_mode"`
	SequentialConcurrency   int               `toml:"sequential_concurrency"`
	DispatchIntervalSeconds int               `toml:"dispatch_interval_seconds"`
	Owners                  map[string]string `toml:"owners"`
}

// Extraction configures the document extraction collaborator.
type Extraction struct {
	Provider    string  `toml:"provider"`
	ProjectID   string  `toml:"project_id"`
	Region      string  `toml:"region"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
}

// Storage names the object storage buckets. Empty buckets fall back to the local paths.
type Storage struct {
	DocumentsBucket string `toml:"documents_bucket"`
	ArchiveBucket   string `toml:"archive_bucket"`
}

// Sync configures the outbound commerce platform push.
type Sync struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// API configures the HTTP control surface.
type API struct {
	Bind      string `toml:"bind"`
	Token     string `toml:"token"`
	JWTSecret string `toml:"jwt_secret"`
}

// Ingest configures the CloudEvents receiver for bucket upload notifications.
type Ingest struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
	Owner   string `toml:"owner"`
}

// Tracing configures OpenTelemetry span export.
type Tracing struct {
	Enabled      bool    `toml:"enabled"`
	Exporter     string  `toml:"exporter"`
	Endpoint     string  `toml:"endpoint"`
	SamplingRate float64 `toml:"sampling_rate"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for poflow.
//
// Configuration sections by subsystem:
//   - Paths: data, log, lock, local document and archive directories
//   - Database: SQL driver and DSN for persisted workflow state
//   - Metadata, Redis, Firestore: the expiring stage payload store
//   - Queues: per-stage concurrency and retry/backoff policy
//   - Recovery: stuck-workflow sweep thresholds
//   - Execution: queued vs sequential mode selection per owner
//   - Extraction, Storage, Sync: external collaborators
//   - API, Ingest: HTTP surfaces
//   - Tracing, Logging: observability
type Config struct {
	Paths      Paths      `toml:"paths"`
	Database   Database   `toml:"database"`
	Metadata   Metadata   `toml:"metadata"`
	Redis      Redis      `toml:"redis"`
	Firestore  Firestore  `toml:"firestore"`
	Queues     Queues     `toml:"queues"`
	Recovery   Recovery   `toml:"recovery"`
	Execution  Execution  `toml:"execution"`
	Extraction Extraction `toml:"extraction"`
	Storage    Storage    `toml:"storage"`
	Sync       Sync       `toml:"sync"`
	API        API        `toml:"api"`
	Ingest     Ingest     `toml:"ingest"`
	Tracing    Tracing    `toml:"tracing"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("poflow.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.LockDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Storage.ArchiveBucket == "" && strings.TrimSpace(c.Paths.ArchiveDir) != "" {
		if err := os.MkdirAll(c.Paths.ArchiveDir, 0o755); err != nil {
			return fmt.Errorf("create archive directory %q: %w", c.Paths.ArchiveDir, err)
		}
	}
	return nil
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.LockDir, "poflowd.lock")
}

// ModeFor returns the execution mode configured for owner, falling back to the default mode.
func (e Execution) ModeFor(owner string) string {
	if mode, ok := e.Owners[strings.TrimSpace(owner)]; ok && mode != "" {
		return mode
	}
	return e.DefaultMode
}

// StageConcurrency returns the worker count for a stage queue.
func (q Queues) StageConcurrency(stage string) int {
	if n, ok := q.Concurrency[stage]; ok && n > 0 {
		return n
	}
	if n, ok := defaultConcurrency[stage]; ok {
		return n
	}
	return 1
}

// BackoffBase returns the first transient retry delay.
func (q Queues) BackoffBase() time.Duration { return seconds(q.BackoffBaseSeconds) }

// BackoffCap returns the maximum transient retry delay.
func (q Queues) BackoffCap() time.Duration { return seconds(q.BackoffCapSeconds) }

// QuotaBackoffBase returns the first retry delay after a quota error.
func (q Queues) QuotaBackoffBase() time.Duration { return seconds(q.QuotaBackoffBaseSeconds) }

// QuotaBackoffCap returns the maximum retry delay after a quota error.
func (q Queues) QuotaBackoffCap() time.Duration { return seconds(q.QuotaBackoffCapSeconds) }

// PollInterval returns how long idle workers wait before polling again.
func (q Queues) PollInterval() time.Duration { return seconds(q.PollIntervalSeconds) }

// LockTimeout returns how long a claimed job stays locked without a heartbeat.
func (q Queues) LockTimeout() time.Duration { return seconds(q.LockTimeoutSeconds) }

// HeartbeatInterval returns how often running jobs extend their lock.
func (q Queues) HeartbeatInterval() time.Duration { return seconds(q.HeartbeatIntervalSeconds) }

// Interval returns the time between sweeps.
func (r Recovery) Interval() time.Duration { return seconds(r.IntervalSeconds) }

// StaleAfter returns the staleness threshold for processing workflows.
func (r Recovery) StaleAfter() time.Duration { return seconds(r.StaleAfterSeconds) }

// DispatchInterval returns how often pending workflows are re-dispatched.
func (e Execution) DispatchInterval() time.Duration { return seconds(e.DispatchIntervalSeconds) }

// MetadataTTL returns the lifetime of metadata store entries.
func (m Metadata) TTL() time.Duration { return seconds(m.TTLSeconds) }

// Timeout returns the sync request timeout.
func (s Sync) Timeout() time.Duration { return seconds(s.TimeoutSeconds) }

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
