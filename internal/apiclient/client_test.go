package apiclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"poflow/internal/api"
	"poflow/internal/apiclient"
)

func TestSubmitFileSendsMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		file.Close()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.SubmitResponse{Workflow: api.WorkflowView{
			ID: "wf-1", Owner: r.FormValue("owner"), DocumentName: header.Filename,
		}})
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "po.pdf")
	if err := os.WriteFile(path, []byte("%PDF"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	client := apiclient.New(server.URL, "tok")
	resp, err := client.SubmitFile(context.Background(), path, "acme", "")
	if err != nil {
		t.Fatalf("SubmitFile failed: %v", err)
	}
	if resp.Workflow.ID != "wf-1" || resp.Workflow.Owner != "acme" || resp.Workflow.DocumentName != "po.pdf" {
		t.Fatalf("unexpected response %+v", resp.Workflow)
	}
}

func TestErrorsCarryStatusAndMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "not found"})
	}))
	defer server.Close()

	_, err := apiclient.New(server.URL, "").Workflow(context.Background(), "nope")
	var apiErr *apiclient.Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Message != "not found" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestListWorkflowsEncodesFilters(t *testing.T) {
	var query string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(api.WorkflowListResponse{Items: []api.WorkflowView{{ID: "a"}}})
	}))
	defer server.Close()

	items, err := apiclient.New(server.URL, "").ListWorkflows(context.Background(), []string{"failed"}, "acme", 5)
	if err != nil || len(items) != 1 {
		t.Fatalf("ListWorkflows = %v, %v", items, err)
	}
	if query != "limit=5&owner=acme&status=failed" {
		t.Fatalf("unexpected query %q", query)
	}
}

func TestHealthReturnsDegradedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(api.HealthResponse{Status: "degraded", Metadata: "redis down"})
	}))
	defer server.Close()

	health, err := apiclient.New(server.URL, "").Health(context.Background())
	if err != nil || health.Status != "degraded" {
		t.Fatalf("Health = %+v, %v", health, err)
	}
}
