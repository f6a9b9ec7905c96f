package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"poflow/internal/logging"
	"poflow/internal/services"
)

// Handler processes one claimed job. A nil return completes the job, a
// Retry error reschedules it, and any other error fails it.
type Handler func(ctx context.Context, job Job) error

// Observer receives job outcomes. The metrics package implements it.
type Observer interface {
	JobFinished(queue, outcome string, elapsed time.Duration)
}

// Job outcomes reported to the Observer.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeLockLost  = "lock_lost"
)

// Options tunes a Manager.
type Options struct {
	WorkerID          string
	PollInterval      time.Duration
	LockTimeout       time.Duration
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	Observer          Observer
	Now               func() time.Time
}

type registration struct {
	queue       string
	concurrency int
	handler     Handler
	wake        chan struct{}
}

// Manager runs registered handlers against persisted queues.
type Manager struct {
	backend Backend
	opts    Options
	logger  *slog.Logger

	mu      sync.RWMutex
	queues  map[string]*registration
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager constructs a manager over backend.
func NewManager(backend Backend, opts Options) *Manager {
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Minute
	}
	if opts.HeartbeatInterval <= 0 || opts.HeartbeatInterval >= opts.LockTimeout {
		opts.HeartbeatInterval = opts.LockTimeout / 3
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		backend: backend,
		opts:    opts,
		logger:  logging.NewComponentLogger(logger, "jobqueue"),
		queues:  make(map[string]*registration),
	}
}

// Register binds handler to queue with the given worker count. It must be
// called before Start.
func (m *Manager) Register(queue string, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[queue] = &registration{
		queue:       queue,
		concurrency: concurrency,
		handler:     handler,
		wake:        make(chan struct{}, concurrency),
	}
}

// Queues returns the registered queue names in sorted order.
func (m *Manager) Queues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches the workers and the expired-lock reclaimer.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("job queue already running")
	}
	if len(m.queues) == 0 {
		m.mu.Unlock()
		return errors.New("no queues registered")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	regs := make([]*registration, 0, len(m.queues))
	for _, reg := range m.queues {
		regs = append(regs, reg)
	}
	m.mu.Unlock()

	for _, reg := range regs {
		for i := 0; i < reg.concurrency; i++ {
			m.wg.Add(1)
			go m.runWorker(runCtx, reg, fmt.Sprintf("%s/%s/%d", m.opts.WorkerID, reg.queue, i))
		}
	}
	m.wg.Add(1)
	go m.runReclaimer(runCtx)

	m.logger.Info("job queue started",
		logging.Int("queues", len(regs)),
		logging.String(logging.FieldEventType, "jobqueue_started"),
	)
	return nil
}

// Stop cancels the workers and waits for in-flight handlers to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Enqueue stores a job for spec. A job for the same workflow, stage and epoch
// is returned unchanged with created=false.
func (m *Manager) Enqueue(ctx context.Context, spec Spec) (Job, bool, error) {
	now := m.opts.Now()
	job := Job{
		Queue:       spec.Queue,
		WorkflowID:  spec.WorkflowID,
		Stage:       spec.Stage,
		Epoch:       spec.Epoch,
		PayloadRef:  spec.PayloadRef,
		Status:      StatusWaiting,
		AvailableAt: now.Add(spec.Delay),
		CreatedAt:   now,
	}
	if spec.Delay > 0 {
		job.Status = StatusDelayed
	}
	stored, created, err := m.backend.InsertJob(ctx, job)
	if err != nil {
		return Job{}, false, fmt.Errorf("enqueue %s for %s: %w", spec.Queue, spec.WorkflowID, err)
	}
	if created && spec.Delay <= 0 {
		m.wake(spec.Queue)
	}
	return stored, created, nil
}

func (m *Manager) wake(queue string) {
	m.mu.RLock()
	reg := m.queues[queue]
	m.mu.RUnlock()
	if reg == nil {
		return
	}
	select {
	case reg.wake <- struct{}{}:
	default:
	}
}

// Pause stops workers from claiming new jobs from queue.
func (m *Manager) Pause(ctx context.Context, queue string) error {
	return m.backend.SetQueuePaused(ctx, queue, true, m.opts.Now())
}

// Resume re-enables claiming from queue.
func (m *Manager) Resume(ctx context.Context, queue string) error {
	if err := m.backend.SetQueuePaused(ctx, queue, false, m.opts.Now()); err != nil {
		return err
	}
	m.wake(queue)
	return nil
}

// Counts returns per-queue job counts for every registered queue.
func (m *Manager) Counts(ctx context.Context) ([]Counts, error) {
	names := m.Queues()
	out := make([]Counts, 0, len(names))
	for _, name := range names {
		counts, err := m.backend.CountJobs(ctx, name, m.opts.Now())
		if err != nil {
			return nil, err
		}
		out = append(out, counts)
	}
	return out, nil
}

// DrainFailed removes failed jobs from queue.
func (m *Manager) DrainFailed(ctx context.Context, queue string) (int64, error) {
	return m.backend.DeleteFailedJobs(ctx, queue)
}

func (m *Manager) runWorker(ctx context.Context, reg *registration, worker string) {
	defer m.wg.Done()
	logger := m.logger.With(logging.String(logging.FieldQueue, reg.queue))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		paused, err := m.backend.QueuePaused(ctx, reg.queue)
		if err != nil && ctx.Err() == nil {
			logging.WarnWithContext(logger, "read queue state failed", "queue_state_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check database connectivity"),
			)
		}
		if paused {
			m.waitForWork(ctx, reg)
			continue
		}

		now := m.opts.Now()
		job, err := m.backend.ClaimJob(ctx, reg.queue, worker, now, now.Add(m.opts.LockTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.ErrorWithContext(logger, "claim job failed", "job_claim_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check database connectivity"),
			)
			m.waitForWork(ctx, reg)
			continue
		}
		if job == nil {
			m.waitForWork(ctx, reg)
			continue
		}
		m.process(ctx, reg, worker, *job, logger)
	}
}

func (m *Manager) waitForWork(ctx context.Context, reg *registration) {
	timer := time.NewTimer(m.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-reg.wake:
	case <-timer.C:
	}
}

func (m *Manager) process(ctx context.Context, reg *registration, worker string, job Job, logger *slog.Logger) {
	logger = logger.With(
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldWorkflowID, job.WorkflowID),
		logging.String(logging.FieldStage, job.Stage),
	)
	jobCtx, cancel := context.WithCancel(ctx)
	jobCtx = services.WithWorkflowID(jobCtx, job.WorkflowID)
	jobCtx = services.WithStage(jobCtx, job.Stage)
	jobCtx = services.WithQueue(jobCtx, job.Queue)

	var hb sync.WaitGroup
	hb.Add(1)
	go m.heartbeat(jobCtx, cancel, &hb, job.ID, worker, logger)

	started := time.Now()
	err := m.runHandler(jobCtx, reg.handler, job)
	cancel()
	hb.Wait()

	// Settle on the parent context so a cancelled heartbeat does not abort the write.
	settleCtx := context.WithoutCancel(ctx)
	now := m.opts.Now()
	outcome := OutcomeCompleted
	var settleErr error
	switch delay, retry := AsRetry(err); {
	case err == nil:
		settleErr = m.backend.CompleteJob(settleCtx, job.ID, worker, now)
	case retry:
		outcome = OutcomeRetried
		settleErr = m.backend.RescheduleJob(settleCtx, job.ID, worker, err.Error(), now.Add(delay), now)
		logger.Info("job rescheduled",
			logging.Duration("delay", delay),
			logging.Int("attempts", job.Attempts+1),
			logging.String("reason", err.Error()),
			logging.String(logging.FieldEventType, "job_retry_scheduled"),
		)
	default:
		outcome = OutcomeFailed
		settleErr = m.backend.FailJob(settleCtx, job.ID, worker, err.Error(), now)
		logging.WarnWithContext(logger, "job failed", "job_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorKind, string(services.Classify(err))),
			logging.String(logging.FieldImpact, "workflow stage will not be retried by the queue"),
		)
	}
	if errors.Is(settleErr, ErrLockLost) {
		outcome = OutcomeLockLost
		logging.WarnWithContext(logger, "job lock lost before settle", "job_lock_lost",
			logging.Error(settleErr),
			logging.String(logging.FieldErrorHint, "raise queues.lock_timeout_seconds if stages run long"),
			logging.String(logging.FieldImpact, "another worker may repeat the stage"),
		)
	} else if settleErr != nil {
		logging.ErrorWithContext(logger, "settle job failed", "job_settle_failed", logging.Error(settleErr))
	}
	if m.opts.Observer != nil {
		m.opts.Observer.JobFinished(reg.queue, outcome, time.Since(started))
	}
}

func (m *Manager) runHandler(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (m *Manager) heartbeat(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, jobID, worker string, logger *slog.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.backend.ExtendLock(ctx, jobID, worker, m.opts.Now().Add(m.opts.LockTimeout))
			switch {
			case err == nil:
			case errors.Is(err, ErrLockLost):
				logging.WarnWithContext(logger, "job lock reclaimed by another worker", "job_lock_lost",
					logging.String(logging.FieldImpact, "handler cancelled"),
				)
				cancel()
				return
			case errors.Is(err, context.Canceled):
				return
			default:
				logger.Warn("extend job lock failed", logging.Error(err))
			}
		}
	}
}

func (m *Manager) runReclaimer(ctx context.Context) {
	defer m.wg.Done()
	interval := m.opts.LockTimeout / 2
	if interval < m.opts.PollInterval {
		interval = m.opts.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := m.backend.ReleaseExpired(ctx, m.opts.Now())
			if err != nil {
				if ctx.Err() == nil {
					logging.WarnWithContext(m.logger, "release expired jobs failed", "job_reclaim_failed",
						logging.Error(err),
						logging.String(logging.FieldErrorHint, "check database connectivity"),
					)
				}
				continue
			}
			if released > 0 {
				m.logger.Info("reclaimed expired job locks",
					logging.Int64("count", released),
					logging.String(logging.FieldEventType, "job_locks_reclaimed"),
				)
			}
		}
	}
}
