package testsupport

import (
	"context"
	"testing"
	"time"

	"poflow/internal/metastore"
	"poflow/internal/pipeline"
)

// SampleDocument is a byte slice that sniffs as a PDF.
var SampleDocument = []byte("%PDF-1.4\n% sample purchase order\n")

// PutUpload stores content as the upload payload of workflowID.
func PutUpload(t testing.TB, meta metastore.Store, workflowID string, content []byte) {
	t.Helper()
	upload := pipeline.Upload{Filename: workflowID + ".pdf", Content: content}
	if err := metastore.PutJSON(context.Background(), meta, metastore.Key(workflowID, metastore.UploadStage), upload, time.Hour); err != nil {
		t.Fatalf("metastore.PutJSON: %v", err)
	}
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
