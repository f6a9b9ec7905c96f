package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"poflow/internal/api"
	"poflow/internal/config"
	"poflow/internal/engine"
	"poflow/internal/ingest"
	"poflow/internal/jobqueue"
	"poflow/internal/logging"
	"poflow/internal/metastore"
	"poflow/internal/metrics"
	"poflow/internal/orchestrator"
	"poflow/internal/pipeline"
	"poflow/internal/preflight"
	"poflow/internal/recovery"
	"poflow/internal/sequential"
	"poflow/internal/store"
	"poflow/internal/tracing"
	"poflow/internal/workflow"
)

const gaugeRefreshInterval = 15 * time.Second

// Options overrides collaborators, mostly for tests.
type Options struct {
	Version   string
	Extractor pipeline.Extractor
	Syncer    pipeline.Syncer
}

// Daemon owns every long-running component and enforces single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	lockPath string
	lock     *flock.Flock

	store    *store.Store
	meta     metastore.Store
	collab   *collaborators
	shutdown tracing.Shutdown

	metrics  *metrics.Metrics
	queues   *jobqueue.Manager
	runner   *sequential.Runner
	engine   *engine.Engine
	sweeper  *recovery.Sweeper
	api      *api.Server
	receiver *ingest.Receiver

	running atomic.Bool
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	LockFilePath string
	Database     string
}

// New opens the stores and wires the pipeline. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	if err := d.build(ctx, opts); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build(ctx context.Context, opts Options) error {
	cfg := d.cfg

	st, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	meta, err := metastore.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	d.meta = meta

	collab, err := buildCollaborators(ctx, cfg, opts, d.logger)
	if err != nil {
		return err
	}
	d.collab = collab

	tp, shutdown, err := tracing.Init(ctx, cfg.Tracing, "poflowd", opts.Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	d.shutdown = shutdown

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.metrics = metrics.New(registry)

	stages := pipeline.Stages(pipeline.Deps{
		Extractor:  collab.extractor,
		Aggregates: st,
		Syncer:     collab.syncer,
		Archiver:   collab.archiver,
		Inspector:  collab.inspector,
		Logger:     d.logger,
	})
	tracker := pipeline.NewTracker(st, meta, st, stages,
		pipeline.WithLogger(d.logger),
		pipeline.WithObserver(d.metrics),
		pipeline.WithMetadataTTL(cfg.Metadata.TTL()),
		pipeline.WithTracerProvider(tp),
	)

	d.queues = jobqueue.NewManager(st, jobqueue.Options{
		PollInterval:      cfg.Queues.PollInterval(),
		LockTimeout:       cfg.Queues.LockTimeout(),
		HeartbeatInterval: cfg.Queues.HeartbeatInterval(),
		Logger:            d.logger,
		Observer:          d.metrics,
	})
	orch := orchestrator.New(tracker, d.queues, orchestrator.Options{
		MaxAttempts: cfg.Queues.MaxAttempts,
		Backoff:     orchestrator.BackoffFromConfig(cfg.Queues),
		Concurrency: cfg.Queues.StageConcurrency,
		Logger:      d.logger,
	})
	d.runner = sequential.New(tracker, cfg.Execution.SequentialConcurrency, d.logger)

	d.engine = engine.New(st, meta, map[workflow.Mode]pipeline.Executor{
		workflow.ModeQueued:     orch,
		workflow.ModeSequential: d.runner,
	}, cfg.Execution.ModeFor, engine.Options{
		Source:           collab.source,
		MetadataTTL:      cfg.Metadata.TTL(),
		StagesTotal:      len(stages),
		DispatchInterval: cfg.Execution.DispatchInterval(),
		Logger:           d.logger,
	})

	if cfg.Recovery.Enabled {
		d.sweeper = recovery.New(st, st, recovery.Options{
			Policy: recovery.Policy{
				AcceptanceThreshold: cfg.Recovery.AcceptanceThreshold,
				MaxReattempts:       cfg.Recovery.MaxReattempts,
			},
			StaleAfter: cfg.Recovery.StaleAfter(),
			Interval:   cfg.Recovery.Interval(),
			Stages:     stages,
			Logger:     d.logger,
			Observer:   d.metrics,
		})
	}

	d.api = api.NewServer(cfg.API, api.Dependencies{
		Engine:   d.engine,
		Store:    st,
		Metadata: meta,
		Queues:   d.queues,
		Sweeper:  d.sweeper,
		Metrics:  d.metrics,
		Gatherer: registry,
		Logger:   d.logger,
	})
	if cfg.Ingest.Enabled {
		d.receiver = ingest.New(cfg.Ingest, d.engine, d.logger)
	}
	return nil
}

// Handler exposes the API router.
func (d *Daemon) Handler() http.Handler { return d.api.Handler() }

// Run acquires the instance lock and runs every background loop until ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("daemon already running")
	}
	defer d.running.Store(false)

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another poflow daemon instance is already running")
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(err))
		}
	}()

	d.reportPreflight(ctx)

	if err := d.queues.Start(ctx); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}
	defer d.queues.Stop()

	d.logger.Info("poflow daemon started",
		logging.String("lock", d.lockPath),
		logging.String("database", d.store.Driver()),
		logging.Bool("recovery", d.sweeper != nil),
		logging.Bool("ingest", d.receiver != nil),
		logging.String(logging.FieldEventType, "daemon_started"),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.engine.RunDispatcher(gctx)
		return nil
	})
	if d.sweeper != nil {
		g.Go(func() error {
			d.sweeper.Run(gctx)
			return nil
		})
	}
	g.Go(func() error { return d.api.ListenAndServe(gctx) })
	if d.receiver != nil {
		g.Go(func() error { return d.receiver.ListenAndServe(gctx) })
	}
	g.Go(func() error {
		d.refreshQueueGauges(gctx)
		return nil
	})

	err = g.Wait()
	// Background sequential runs hold the store; let them finish before Close.
	d.runner.Wait()
	d.logger.Info("poflow daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
	return err
}

func (d *Daemon) reportPreflight(ctx context.Context) {
	for _, result := range preflight.Failed(preflight.RunAll(ctx, d.cfg)) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldImpact, "workflows depending on this check may fail"),
		)
	}
}

func (d *Daemon) refreshQueueGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()
	for {
		counts, err := d.queues.Counts(ctx)
		if err == nil {
			d.metrics.SetQueueCounts(counts)
		} else if ctx.Err() == nil {
			d.logger.Debug("queue gauge refresh failed", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	status := Status{Running: d.running.Load(), LockFilePath: d.lockPath}
	if d.store != nil {
		status.Database = d.store.Driver()
	}
	return status
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	if d.runner != nil {
		d.runner.Wait()
	}
	var errs []error
	if d.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, d.shutdown(ctx))
		cancel()
		d.shutdown = nil
	}
	if d.collab != nil {
		d.collab.close(d.logger)
		d.collab = nil
	}
	if d.meta != nil {
		errs = append(errs, d.meta.Close())
		d.meta = nil
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
		d.store = nil
	}
	return errors.Join(errs...)
}
