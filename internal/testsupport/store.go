package testsupport

import (
	"context"
	"testing"
	"time"

	"poflow/internal/config"
	"poflow/internal/store"
	"poflow/internal/workflow"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewWorkflow inserts a pending workflow for tests.
func NewWorkflow(t testing.TB, st *store.Store, id, owner string, mode workflow.Mode, stagesTotal int) *workflow.Workflow {
	t.Helper()

	wf := workflow.New(id, owner, mode, stagesTotal, time.Now().UTC())
	wf.DocumentName = id + ".pdf"
	wf.DocumentURI = "file:///tmp/" + id + ".pdf"
	if err := st.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("store.CreateWorkflow: %v", err)
	}
	return wf
}

// NewProcessingWorkflow inserts a workflow and dispatches it to firstStage.
func NewProcessingWorkflow(t testing.TB, st *store.Store, id, firstStage string, stagesTotal int) *workflow.Workflow {
	t.Helper()

	wf := NewWorkflow(t, st, id, "tests", workflow.ModeQueued, stagesTotal)
	guard := wf.Guard()
	if err := workflow.Dispatch(wf, firstStage, time.Now().UTC()); err != nil {
		t.Fatalf("workflow.Dispatch: %v", err)
	}
	if err := st.UpdateWorkflow(context.Background(), wf, guard); err != nil {
		t.Fatalf("store.UpdateWorkflow: %v", err)
	}
	return wf
}
