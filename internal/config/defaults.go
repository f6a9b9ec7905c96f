package config

const (
	defaultConfigPath    = "~/.config/poflow/config.toml"
	defaultDataDir       = "~/.local/share/poflow"
	defaultLogDir        = "~/.local/share/poflow/logs"
	defaultLockDir       = "~/.local/share/poflow"
	defaultDocumentsDir  = "~/.local/share/poflow/documents"
	defaultArchiveDir    = "~/.local/share/poflow/archive"
	defaultDatabaseFile  = "poflow.db"
	defaultDriver        = "sqlite"
	defaultMaxOpenConns  = 8
	defaultMetaBackend   = "memory"
	defaultMetaTTL       = 24 * 60 * 60
	defaultRedisAddr     = "127.0.0.1:6379"
	defaultRedisPrefix   = "poflow:"
	defaultFirestoreColl = "poflow_metadata"
	defaultMode          = "queued"
	defaultExtractModel  = "gemini-1.5-pro"
	defaultExtractRegion = "us-central1"
	defaultAPIBind       = "127.0.0.1:7610"
	defaultIngestBind    = "127.0.0.1:7611"
	defaultLogFormat     = "console"
	defaultLogLevel      = "info"
)

// Stage queue worker counts. Extraction is rate limited upstream; finalize is cheap.
var defaultConcurrency = map[string]int{
	"extract":   2,
	"normalize": 4,
	"persist":   4,
	"enrich":    4,
	"sync":      2,
	"finalize":  16,
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	concurrency := make(map[string]int, len(defaultConcurrency))
	for k, v := range defaultConcurrency {
		concurrency[k] = v
	}
	return Config{
		Paths: Paths{
			DataDir:      defaultDataDir,
			LogDir:       defaultLogDir,
			LockDir:      defaultLockDir,
			DocumentsDir: defaultDocumentsDir,
			ArchiveDir:   defaultArchiveDir,
		},
		Database: Database{
			Driver:       defaultDriver,
			MaxOpenConns: defaultMaxOpenConns,
		},
		Metadata: Metadata{
			Backend:    defaultMetaBackend,
			TTLSeconds: defaultMetaTTL,
		},
		Redis: Redis{
			Addr:      defaultRedisAddr,
			KeyPrefix: defaultRedisPrefix,
		},
		Firestore: Firestore{
			Collection: defaultFirestoreColl,
		},
		Queues: Queues{
			MaxAttempts:              3,
			BackoffBaseSeconds:       2,
			BackoffCapSeconds:        300,
			QuotaBackoffBaseSeconds:  30,
			QuotaBackoffCapSeconds:   1800,
			PollIntervalSeconds:      1,
			LockTimeoutSeconds:       120,
			HeartbeatIntervalSeconds: 15,
			Concurrency:              concurrency,
		},
		Recovery: Recovery{
			Enabled:             true,
			IntervalSeconds:     120,
			StaleAfterSeconds:   300,
			AcceptanceThreshold: 0.8,
			MaxReattempts:       3,
		},
		Execution: Execution{
			DefaultMode:             defaultMode,
			SequentialConcurrency:   8,
			DispatchIntervalSeconds: 10,
		},
		Extraction: Extraction{
			Provider: "vertex",
			Region:   defaultExtractRegion,
			Model:    defaultExtractModel,
		},
		Sync: Sync{
			TimeoutSeconds: 15,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Ingest: Ingest{
			Bind: defaultIngestBind,
		},
		Tracing: Tracing{
			Exporter:     "otlp",
			SamplingRate: 0.1,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
