package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"poflow/internal/logging"
	"poflow/internal/metastore"
	"poflow/internal/pipeline"
	"poflow/internal/purchase"
	"poflow/internal/services"
	"poflow/internal/store"
	"poflow/internal/workflow"
)

// AsyncExecutor is implemented by executors that can run a workflow in the
// background. ExecuteAsync reports false when the workflow is already running.
type AsyncExecutor interface {
	ExecuteAsync(ctx context.Context, wf *workflow.Workflow) bool
	InFlight(id string) bool
}

// ModeResolver returns the configured execution mode for an owner.
type ModeResolver func(owner string) string

// SubmitRequest describes a document submission. Content may be empty when
// DocumentURI can be fetched through the configured source.
type SubmitRequest struct {
	Owner       string
	DocumentURI string
	Filename    string
	MIMEType    string
	Content     []byte
	Mode        workflow.Mode
}

// Options tunes an Engine.
type Options struct {
	Source           pipeline.DocumentSource
	MetadataTTL      time.Duration
	StagesTotal      int
	DispatchInterval time.Duration
	DispatchBatch    int
	Logger           *slog.Logger
	Now              func() time.Time
}

// Engine creates workflows and routes them to executors.
type Engine struct {
	store     *store.Store
	meta      metastore.Store
	executors map[workflow.Mode]pipeline.Executor
	resolve   ModeResolver
	opts      Options
	logger    *slog.Logger
}

// New constructs an engine.
func New(st *store.Store, meta metastore.Store, executors map[workflow.Mode]pipeline.Executor, resolve ModeResolver, opts Options) *Engine {
	if opts.MetadataTTL <= 0 {
		opts.MetadataTTL = 24 * time.Hour
	}
	if opts.StagesTotal <= 0 {
		opts.StagesTotal = len(pipeline.Stages(pipeline.Deps{}))
	}
	if opts.DispatchInterval <= 0 {
		opts.DispatchInterval = 30 * time.Second
	}
	if opts.DispatchBatch <= 0 {
		opts.DispatchBatch = 50
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		store:     st,
		meta:      meta,
		executors: executors,
		resolve:   resolve,
		opts:      opts,
		logger:    logging.NewComponentLogger(logger, "engine"),
	}
}

// HashContent returns the hex sha256 used for duplicate detection.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Submit creates a workflow for the document and executes it. When the same
// owner already submitted identical content and that workflow has not
// failed, the existing workflow is returned with duplicate=true.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*workflow.Workflow, bool, error) {
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		return nil, false, services.Wrap(services.ErrValidation, "submit", "validate", "owner is required", nil)
	}
	content := req.Content
	if len(content) == 0 && req.DocumentURI != "" && e.opts.Source != nil {
		fetched, err := e.opts.Source.Fetch(ctx, req.DocumentURI)
		if err != nil {
			return nil, false, fmt.Errorf("fetch %s: %w", req.DocumentURI, err)
		}
		content = fetched
	}
	if len(content) == 0 {
		return nil, false, services.Wrap(services.ErrValidation, "submit", "validate", "document is empty", nil)
	}

	hash := HashContent(content)
	existing, err := e.store.FindByHash(ctx, owner, hash)
	switch {
	case err == nil:
		e.logger.Info("duplicate submission",
			logging.String(logging.FieldWorkflowID, existing.ID),
			logging.String("owner", owner),
			logging.String(logging.FieldEventType, "workflow_duplicate"),
		)
		return existing, true, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, fmt.Errorf("find duplicate: %w", err)
	}

	mode, err := e.modeFor(owner, req.Mode)
	if err != nil {
		return nil, false, err
	}
	executor := e.executors[mode]

	wf := workflow.New(uuid.NewString(), owner, mode, e.opts.StagesTotal, e.opts.Now())
	wf.DocumentName = documentName(req)
	wf.DocumentURI = req.DocumentURI
	wf.DocumentHash = hash

	// The upload is stored first so a pending workflow always has its input.
	upload := pipeline.Upload{Filename: wf.DocumentName, MIMEType: req.MIMEType, DocumentURI: req.DocumentURI, Content: content}
	if err := metastore.PutJSON(ctx, e.meta, metastore.Key(wf.ID, metastore.UploadStage), upload, e.opts.MetadataTTL); err != nil {
		return nil, false, fmt.Errorf("store upload: %w", err)
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, false, err
	}
	e.logger.Info("workflow submitted",
		logging.String(logging.FieldWorkflowID, wf.ID),
		logging.String("owner", owner),
		logging.String("mode", string(mode)),
		logging.String("document", wf.DocumentName),
		logging.Int("bytes", len(content)),
		logging.String(logging.FieldEventType, "workflow_submitted"),
	)

	// A submitter that goes away must not strand the workflow mid-stage.
	result, err := executor.Execute(context.WithoutCancel(ctx), wf)
	if err != nil {
		logging.WarnWithContext(e.logger, "workflow execution did not start", "workflow_dispatch_failed",
			logging.String(logging.FieldWorkflowID, wf.ID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "workflow stays pending until the dispatcher retries it"),
		)
		return wf, false, err
	}
	return result, false, nil
}

func (e *Engine) modeFor(owner string, requested workflow.Mode) (workflow.Mode, error) {
	mode := requested
	if mode == "" && e.resolve != nil {
		parsed, ok := workflow.ParseMode(e.resolve(owner))
		if ok {
			mode = parsed
		}
	}
	if mode == "" {
		mode = workflow.ModeQueued
	}
	if _, ok := e.executors[mode]; !ok {
		return "", services.Wrap(services.ErrConfiguration, "submit", "resolve mode", fmt.Sprintf("no executor for mode %q", mode), nil)
	}
	return mode, nil
}

func documentName(req SubmitRequest) string {
	if name := strings.TrimSpace(req.Filename); name != "" {
		return path.Base(name)
	}
	if req.DocumentURI != "" {
		return path.Base(req.DocumentURI)
	}
	return "document"
}

// DispatchPending hands pending workflows to their executors and returns how
// many were dispatched.
func (e *Engine) DispatchPending(ctx context.Context) (int, error) {
	dispatched := 0
	for mode, executor := range e.executors {
		pending, err := e.store.ListPending(ctx, mode, e.opts.DispatchBatch)
		if err != nil {
			return dispatched, err
		}
		async, _ := executor.(AsyncExecutor)
		for _, wf := range pending {
			if err := ctx.Err(); err != nil {
				return dispatched, err
			}
			if async != nil && async.InFlight(wf.ID) {
				continue
			}
			ok, err := e.dispatch(ctx, executor, wf)
			if err != nil {
				logging.WarnWithContext(e.logger, "pending dispatch failed", "workflow_dispatch_failed",
					logging.String(logging.FieldWorkflowID, wf.ID),
					logging.Error(err),
					logging.String(logging.FieldImpact, "workflow stays pending until the next dispatch pass"),
				)
				continue
			}
			if ok {
				dispatched++
			}
		}
	}
	return dispatched, nil
}

func (e *Engine) dispatch(ctx context.Context, executor pipeline.Executor, wf *workflow.Workflow) (bool, error) {
	ready, err := e.ensureUpload(ctx, wf)
	if err != nil || !ready {
		return false, err
	}
	if async, ok := executor.(AsyncExecutor); ok {
		return async.ExecuteAsync(ctx, wf), nil
	}
	if _, err := executor.Execute(context.WithoutCancel(ctx), wf); err != nil {
		if errors.Is(err, store.ErrStale) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ensureUpload re-fetches an expired upload from the document URI. A
// workflow whose document cannot be recovered fails with a configuration
// error and false is returned.
func (e *Engine) ensureUpload(ctx context.Context, wf *workflow.Workflow) (bool, error) {
	key := metastore.Key(wf.ID, metastore.UploadStage)
	_, err := e.meta.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, metastore.ErrNotFound) {
		return false, fmt.Errorf("read upload: %w", err)
	}

	var cause error
	if wf.DocumentURI == "" || e.opts.Source == nil {
		cause = errors.New("upload expired and no document source is available")
	} else {
		content, fetchErr := e.opts.Source.Fetch(ctx, wf.DocumentURI)
		switch {
		case fetchErr != nil:
			cause = fetchErr
		case len(content) == 0:
			cause = errors.New("document source returned no content")
		default:
			upload := pipeline.Upload{Filename: wf.DocumentName, DocumentURI: wf.DocumentURI, Content: content}
			if err := metastore.PutJSON(ctx, e.meta, key, upload, e.opts.MetadataTTL); err != nil {
				return false, fmt.Errorf("restore upload: %w", err)
			}
			e.logger.Info("upload restored from document source",
				logging.String(logging.FieldWorkflowID, wf.ID),
				logging.String("document_uri", wf.DocumentURI),
				logging.String(logging.FieldEventType, "upload_restored"),
			)
			return true, nil
		}
	}

	failure := services.Wrap(services.ErrConfiguration, "dispatch", "load upload", "document unavailable", cause)
	next := wf.Clone()
	if err := workflow.Fail(next, "dispatch", failure.Error(), e.opts.Now()); err != nil {
		return false, err
	}
	next.SetMeta(workflow.MetaErrorKind, string(services.KindConfiguration))
	if err := e.store.UpdateWorkflow(ctx, next, wf.Guard()); err != nil {
		if errors.Is(err, store.ErrStale) {
			return false, nil
		}
		return false, err
	}
	logging.WarnWithContext(e.logger, "pending workflow failed without document", "workflow_document_missing",
		logging.String(logging.FieldWorkflowID, wf.ID),
		logging.Error(cause),
		logging.String(logging.FieldImpact, "workflow failed and must be resubmitted with the document"),
	)
	return false, nil
}

// RunDispatcher dispatches pending workflows every DispatchInterval until ctx ends.
func (e *Engine) RunDispatcher(ctx context.Context) {
	ticker := time.NewTicker(e.opts.DispatchInterval)
	defer ticker.Stop()
	for {
		if n, err := e.DispatchPending(ctx); err != nil && ctx.Err() == nil {
			logging.ErrorWithContext(e.logger, "dispatch pass failed", "dispatch_failed", logging.Error(err))
		} else if n > 0 {
			e.logger.Debug("pending workflows dispatched", logging.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Resubmit returns a failed or review_needed workflow to pending and
// dispatches it again.
func (e *Engine) Resubmit(ctx context.Context, id string) (*workflow.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	next := wf.Clone()
	if err := workflow.Resubmit(next, e.opts.Now()); err != nil {
		return nil, err
	}
	records, err := e.store.ResetStageRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateWorkflow(ctx, next, wf.Guard(), records...); err != nil {
		return nil, err
	}
	e.logger.Info("workflow resubmitted",
		logging.String(logging.FieldWorkflowID, id),
		logging.Int64("epoch", next.Epoch),
		logging.String(logging.FieldEventType, "workflow_resubmitted"),
	)
	executor, ok := e.executors[next.Mode]
	if !ok {
		return next, nil
	}
	if _, err := e.dispatch(ctx, executor, next); err != nil {
		return next, err
	}
	return e.store.GetWorkflow(ctx, id)
}

// Detail is a workflow with its stage records and aggregate.
type Detail struct {
	Workflow  *workflow.Workflow     `json:"workflow"`
	Stages    []workflow.StageRecord `json:"stages"`
	Aggregate *purchase.Order        `json:"aggregate,omitempty"`
}

// Describe loads a workflow with its stage records and, when present, the
// persisted aggregate.
func (e *Engine) Describe(ctx context.Context, id string) (*Detail, error) {
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListStageRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &Detail{Workflow: wf, Stages: records}
	order, err := e.store.GetAggregate(ctx, id)
	switch {
	case err == nil:
		detail.Aggregate = order
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return detail, nil
}
