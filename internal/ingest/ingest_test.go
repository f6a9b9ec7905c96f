package ingest_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"poflow/internal/config"
	"poflow/internal/engine"
	"poflow/internal/ingest"
	"poflow/internal/services"
	"poflow/internal/workflow"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []engine.SubmitRequest
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, req engine.SubmitRequest) (*workflow.Workflow, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, false, f.err
	}
	return &workflow.Workflow{ID: "wf-1"}, false, nil
}

func post(t *testing.T, h http.Handler, eventType, body string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ce-Specversion", "1.0")
	req.Header.Set("Ce-Type", eventType)
	req.Header.Set("Ce-Source", "//storage.googleapis.com/projects/_/buckets/inbox")
	req.Header.Set("Ce-Id", "evt-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func newHandler(t *testing.T, sub *fakeSubmitter) http.Handler {
	t.Helper()
	r := ingest.New(config.Ingest{Owner: "acme"}, sub, nil)
	h, err := r.Handler(context.Background())
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	return h
}

func TestFinalizeEventSubmitsDocument(t *testing.T) {
	sub := &fakeSubmitter{}
	h := newHandler(t, sub)
	code := post(t, h, "google.cloud.storage.object.v1.finalized", `{"bucket":"inbox","name":"po/7.pdf","contentType":"application/pdf"}`)
	if code >= 300 {
		t.Fatalf("unexpected status %d", code)
	}
	if len(sub.reqs) != 1 {
		t.Fatalf("expected one submission, got %d", len(sub.reqs))
	}
	got := sub.reqs[0]
	if got.Owner != "acme" || got.DocumentURI != "gs://inbox/po/7.pdf" || got.MIMEType != "application/pdf" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestIgnoresOtherEventsAndFolders(t *testing.T) {
	sub := &fakeSubmitter{}
	h := newHandler(t, sub)
	if code := post(t, h, "google.cloud.storage.object.v1.deleted", `{"bucket":"inbox","name":"a.pdf"}`); code >= 300 {
		t.Fatalf("unexpected status %d for ignored type", code)
	}
	if code := post(t, h, "google.cloud.storage.object.v1.finalized", `{"bucket":"inbox","name":"folder/"}`); code >= 300 {
		t.Fatalf("unexpected status %d for folder", code)
	}
	if len(sub.reqs) != 0 {
		t.Fatalf("expected no submissions, got %d", len(sub.reqs))
	}
}

func TestMalformedEventIsRejected(t *testing.T) {
	h := newHandler(t, &fakeSubmitter{})
	if code := post(t, h, "google.cloud.storage.object.v1.finalized", `{"name":"a.pdf"}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestRejectedDocumentsAreAcknowledged(t *testing.T) {
	sub := &fakeSubmitter{err: services.Wrap(services.ErrValidation, "submit", "validate", "document is empty", nil)}
	h := newHandler(t, sub)
	if code := post(t, h, "google.cloud.storage.object.v1.finalized", `{"bucket":"inbox","name":"a.pdf"}`); code >= 300 {
		t.Fatalf("validation failures must be acknowledged, got %d", code)
	}

	sub.err = errors.New("database locked")
	if code := post(t, h, "google.cloud.storage.object.v1.finalized", `{"bucket":"inbox","name":"b.pdf"}`); code < 500 {
		t.Fatalf("infrastructure failures must be retried, got %d", code)
	}
}
