package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"poflow/internal/logging"
	"poflow/internal/metastore"
	"poflow/internal/purchase"
	"poflow/internal/services"
	"poflow/internal/workflow"
)

const defaultCurrency = "USD"

// SyncAck is the sync stage payload.
type SyncAck struct {
	AggregateID string    `json:"aggregate_id"`
	SyncedAt    time.Time `json:"synced_at"`
}

type handlers struct {
	deps Deps
}

func (h *handlers) logger() *slog.Logger {
	if h.deps.Logger == nil {
		return logging.NewNop()
	}
	return h.deps.Logger
}

func (h *handlers) extract(ctx context.Context, wf *workflow.Workflow, in Inputs) (Output, error) {
	upload, err := Decode[Upload](in, metastore.UploadStage)
	if err != nil {
		return Output{}, err
	}
	if len(upload.Content) == 0 {
		return Output{}, services.Wrap(services.ErrValidation, StageExtract, "inspect", "empty document", nil)
	}
	if h.deps.Extractor == nil {
		return Output{}, services.Wrap(services.ErrConfiguration, StageExtract, "extract", "no extractor configured", nil)
	}

	mime := upload.MIMEType
	if mime == "" {
		mime = http.DetectContentType(upload.Content)
	}
	opts := purchase.ExtractOptions{Filename: upload.Filename, MIMEType: mime}
	if h.deps.Inspector != nil && mime == "application/pdf" {
		pages, err := h.deps.Inspector.PageCount(upload.Content)
		if err != nil {
			return Output{}, err
		}
		opts.Pages = pages
	}

	ext, err := h.deps.Extractor.Extract(ctx, upload.Content, wf.ID, opts)
	if err != nil {
		return Output{}, err
	}
	if ext == nil {
		return Output{}, services.Wrap(services.ErrTransient, StageExtract, "extract", "extractor returned no result", nil)
	}
	return Output{
		Payload: ext,
		Metadata: map[string]string{
			workflow.MetaModelUsed:  ext.ModelUsed,
			workflow.MetaConfidence: strconv.FormatFloat(ext.Confidence, 'f', 4, 64),
		},
	}, nil
}

func (h *handlers) normalize(_ context.Context, wf *workflow.Workflow, in Inputs) (Output, error) {
	ext, err := Decode[purchase.Extraction](in, StageExtract)
	if err != nil {
		return Output{}, err
	}
	order, err := NormalizeOrder(wf.ID, ext)
	if err != nil {
		return Output{}, err
	}
	return Output{Payload: order}, nil
}

func (h *handlers) persist(ctx context.Context, wf *workflow.Workflow, in Inputs) (Output, error) {
	order, err := Decode[purchase.Order](in, StageNormalize)
	if err != nil {
		return Output{}, err
	}
	order.WorkflowID = wf.ID
	result, err := h.deps.Aggregates.UpsertAggregate(ctx, &order)
	if err != nil {
		return Output{}, services.Wrap(services.ErrTransient, StagePersist, "upsert aggregate", "", err)
	}

	if h.deps.Archiver != nil {
		if raw, ok := in[StageExtract]; ok {
			name := path.Join(wf.ID, "extraction.json")
			if err := h.deps.Archiver.Archive(ctx, name, raw); err != nil {
				logging.WarnWithContext(h.logger(), "archive raw extraction failed", "archive_failed",
					logging.String(logging.FieldWorkflowID, wf.ID),
					logging.Error(err),
					logging.String(logging.FieldImpact, "raw extraction not archived; aggregate persisted"),
				)
			}
		}
	}

	return Output{
		Payload:  result,
		Metadata: map[string]string{workflow.MetaAggregateID: result.AggregateID},
	}, nil
}

func (h *handlers) enrich(ctx context.Context, wf *workflow.Workflow, in Inputs) (Output, error) {
	order, err := Decode[purchase.Order](in, StageNormalize)
	if err != nil {
		return Output{}, err
	}
	persisted, err := Decode[purchase.AggregateResult](in, StagePersist)
	if err != nil {
		return Output{}, err
	}
	order.WorkflowID = wf.ID
	order.AggregateID = persisted.AggregateID
	order.VendorKey = VendorKey(order.VendorName)
	if order.Currency == "" {
		order.Currency = defaultCurrency
	}
	if _, err := h.deps.Aggregates.UpsertAggregate(ctx, &order); err != nil {
		return Output{}, services.Wrap(services.ErrTransient, StageEnrich, "upsert aggregate", "", err)
	}
	return Output{Payload: order}, nil
}

func (h *handlers) sync(ctx context.Context, _ *workflow.Workflow, in Inputs) (Output, error) {
	if h.deps.Syncer == nil {
		return Output{Skipped: true}, nil
	}
	order, err := Decode[purchase.Order](in, StageEnrich)
	if err != nil {
		return Output{}, err
	}
	persisted, err := Decode[purchase.AggregateResult](in, StagePersist)
	if err != nil {
		return Output{}, err
	}
	if err := h.deps.Syncer.Push(ctx, persisted.AggregateID, &order); err != nil {
		return Output{}, err
	}
	return Output{Payload: SyncAck{AggregateID: persisted.AggregateID, SyncedAt: time.Now().UTC()}}, nil
}

func (h *handlers) finalize(ctx context.Context, wf *workflow.Workflow, in Inputs) (Output, error) {
	if _, err := Decode[purchase.AggregateResult](in, StagePersist); err != nil {
		return Output{}, err
	}
	confidence, ok, err := h.deps.Aggregates.AggregateConfidence(ctx, wf.ID)
	if err != nil {
		return Output{}, services.Wrap(services.ErrTransient, StageFinalize, "read confidence", "", err)
	}
	if !ok {
		return Output{}, services.Wrap(services.ErrConfiguration, StageFinalize, "read confidence", "aggregate missing", errors.New("no purchase order row"))
	}
	return Output{Metadata: map[string]string{
		workflow.MetaConfidence: strconv.FormatFloat(confidence, 'f', 4, 64),
	}}, nil
}

// encodePayload marshals a stage payload; nil yields nil.
func encodePayload(stage string, payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, stage, "encode output", "", err)
	}
	return data, nil
}
