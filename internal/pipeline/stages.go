package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"poflow/internal/metastore"
	"poflow/internal/purchase"
	"poflow/internal/services"
	"poflow/internal/workflow"
)

// Stage names in execution order. Each is also the name of its job queue.
const (
	StageExtract   = "extract"
	StageNormalize = "normalize"
	StagePersist   = "persist"
	StageEnrich    = "enrich"
	StageSync      = "sync"
	StageFinalize  = "finalize"
)

// StageFunc does the work of one stage.
type StageFunc func(ctx context.Context, wf *workflow.Workflow, in Inputs) (Output, error)

// Stage is one step of the fixed sequence.
type Stage struct {
	Name   string
	Order  int
	Inputs []string
	Run    StageFunc
}

// Inputs holds the JSON payloads a stage declared, keyed by producing stage
// name (metastore.UploadStage for the submitted document).
type Inputs map[string][]byte

// Decode unmarshals the payload produced by stage. A missing payload is a
// configuration error.
func Decode[T any](in Inputs, stage string) (T, error) {
	var out T
	raw, ok := in[stage]
	if !ok || len(raw) == 0 {
		return out, services.Wrap(services.ErrConfiguration, stage, "load input", "missing stage payload", nil)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, services.Wrap(services.ErrConfiguration, stage, "decode input", "malformed stage payload", err)
	}
	return out, nil
}

// Output is what a stage hands to the tracker.
type Output struct {
	// Payload is JSON encoded and stored for later stages. Nil stores nothing.
	Payload any
	// Skipped records the stage as skipped rather than completed.
	Skipped bool
	// Metadata is merged into the workflow metadata annex.
	Metadata map[string]string
}

// Upload is the payload stored under "<workflowId>:upload" at submission.
type Upload struct {
	Filename    string `json:"filename"`
	MIMEType    string `json:"mime_type,omitempty"`
	DocumentURI string `json:"document_uri,omitempty"`
	Content     []byte `json:"content"`
}

// Extractor turns document bytes into structured purchase order fields.
type Extractor interface {
	Extract(ctx context.Context, document []byte, workflowID string, opts purchase.ExtractOptions) (*purchase.Extraction, error)
}

// AggregateStore persists the business aggregate. UpsertAggregate is keyed
// by order.WorkflowID so re-running a stage does not duplicate rows.
type AggregateStore interface {
	UpsertAggregate(ctx context.Context, order *purchase.Order) (purchase.AggregateResult, error)
	CountLineItems(ctx context.Context, workflowID string) (int, error)
	AggregateConfidence(ctx context.Context, workflowID string) (float64, bool, error)
}

// Syncer pushes a persisted order to the commerce platform.
type Syncer interface {
	Push(ctx context.Context, aggregateID string, order *purchase.Order) error
}

// DocumentSource fetches document bytes by URI.
type DocumentSource interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Archiver keeps a copy of raw stage output.
type Archiver interface {
	Archive(ctx context.Context, name string, content []byte) error
}

// Inspector checks a document before extraction and reports its page count.
type Inspector interface {
	PageCount(content []byte) (int, error)
}

// Deps are the collaborators the stages call. Syncer, Archiver and Inspector
// are optional.
type Deps struct {
	Extractor  Extractor
	Aggregates AggregateStore
	Syncer     Syncer
	Archiver   Archiver
	Inspector  Inspector
	Logger     *slog.Logger
}

// Stages builds the fixed stage sequence over deps.
func Stages(deps Deps) []Stage {
	h := &handlers{deps: deps}
	return []Stage{
		{Name: StageExtract, Order: 1, Inputs: []string{metastore.UploadStage}, Run: h.extract},
		{Name: StageNormalize, Order: 2, Inputs: []string{StageExtract}, Run: h.normalize},
		{Name: StagePersist, Order: 3, Inputs: []string{StageNormalize, StageExtract}, Run: h.persist},
		{Name: StageEnrich, Order: 4, Inputs: []string{StageNormalize, StagePersist}, Run: h.enrich},
		{Name: StageSync, Order: 5, Inputs: []string{StageEnrich, StagePersist}, Run: h.sync},
		{Name: StageFinalize, Order: 6, Inputs: []string{StagePersist}, Run: h.finalize},
	}
}

// Lookup returns the stage named name and the stage after it (nil when last).
func Lookup(stages []Stage, name string) (*Stage, *Stage, error) {
	for i := range stages {
		if stages[i].Name != name {
			continue
		}
		var next *Stage
		if i+1 < len(stages) {
			next = &stages[i+1]
		}
		return &stages[i], next, nil
	}
	return nil, nil, services.Wrap(services.ErrConfiguration, name, "lookup stage", fmt.Sprintf("unknown stage %q", name), nil)
}

// TerminalStage is the name recorded when a workflow is finalized out of band.
func TerminalStage(stages []Stage) string {
	if len(stages) == 0 {
		return ""
	}
	return stages[len(stages)-1].Name
}
