package engine_test

import (
	"context"
	"testing"

	"poflow/internal/engine"
	"poflow/internal/metastore"
	"poflow/internal/pipeline"
	"poflow/internal/testsupport"
	"poflow/internal/workflow"
)

type outcome struct {
	status     workflow.Status
	progress   int
	stages     []workflow.StageStatus
	lines      int
	totalCents int64
	vendorKey  string
	confidence string
	payloads   []string
}

func runToEnd(t *testing.T, f *fixture, owner string) outcome {
	t.Helper()
	ctx := context.Background()
	submitted, _, err := f.engine.Submit(ctx, engine.SubmitRequest{Owner: owner, Filename: "po.pdf", Content: testsupport.SampleDocument})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	wf := f.waitTerminal(t, submitted.ID)
	detail, err := f.engine.Describe(ctx, wf.ID)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	out := outcome{
		status:     wf.Status,
		progress:   wf.ProgressPercent,
		confidence: wf.Meta(workflow.MetaConfidence),
	}
	for _, rec := range detail.Stages {
		out.stages = append(out.stages, rec.Status)
	}
	if detail.Aggregate != nil {
		out.lines = len(detail.Aggregate.Lines)
		out.totalCents = detail.Aggregate.TotalCents
		out.vendorKey = detail.Aggregate.VendorKey
	}
	for _, stage := range pipeline.Stages(pipeline.Deps{}) {
		if _, err := f.meta.Get(ctx, metastore.Key(wf.ID, stage.Name)); err == nil {
			out.payloads = append(out.payloads, stage.Name)
		}
	}
	return out
}

// Both executors persist the same state for the same document.
func TestExecutorParity(t *testing.T) {
	deps := func() pipeline.Deps {
		return pipeline.Deps{Extractor: testsupport.NewFakeExtractor(), Syncer: &testsupport.FakeSyncer{}}
	}
	queued := runToEnd(t, newFixture(t, deps(), map[string]string{"acme": "queued"}), "acme")
	sequential := runToEnd(t, newFixture(t, deps(), map[string]string{"acme": "sequential"}), "acme")

	if queued.status != workflow.StatusCompleted {
		t.Fatalf("queued run ended %s", queued.status)
	}
	if queued.status != sequential.status || queued.progress != sequential.progress {
		t.Fatalf("status differs: queued %s %d%%, sequential %s %d%%", queued.status, queued.progress, sequential.status, sequential.progress)
	}
	if len(queued.stages) != len(sequential.stages) {
		t.Fatalf("stage count differs: %v vs %v", queued.stages, sequential.stages)
	}
	for i := range queued.stages {
		if queued.stages[i] != sequential.stages[i] {
			t.Fatalf("stage %d differs: %s vs %s", i, queued.stages[i], sequential.stages[i])
		}
	}
	if queued.lines != sequential.lines || queued.totalCents != sequential.totalCents || queued.vendorKey != sequential.vendorKey {
		t.Fatalf("aggregate differs: %+v vs %+v", queued, sequential)
	}
	if queued.confidence != sequential.confidence {
		t.Fatalf("confidence differs: %q vs %q", queued.confidence, sequential.confidence)
	}
	if len(queued.payloads) != len(sequential.payloads) {
		t.Fatalf("metadata payloads differ: %v vs %v", queued.payloads, sequential.payloads)
	}
}
