package api_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"poflow/internal/api"
	"poflow/internal/config"
	"poflow/internal/engine"
	"poflow/internal/jobqueue"
	"poflow/internal/metastore"
	"poflow/internal/metrics"
	"poflow/internal/orchestrator"
	"poflow/internal/pipeline"
	"poflow/internal/recovery"
	"poflow/internal/sequential"
	"poflow/internal/testsupport"
	"poflow/internal/workflow"
)

func newServer(t *testing.T, cfg config.API) http.Handler {
	t.Helper()
	conf := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, conf)
	meta := metastore.NewMemory()
	stages := pipeline.Stages(pipeline.Deps{Extractor: testsupport.NewFakeExtractor(), Aggregates: st})
	tracker := pipeline.NewTracker(st, meta, st, stages)
	mgr := jobqueue.NewManager(st, jobqueue.Options{})
	orch := orchestrator.New(tracker, mgr, orchestrator.Options{MaxAttempts: 3})
	eng := engine.New(st, meta, map[workflow.Mode]pipeline.Executor{
		workflow.ModeQueued:     orch,
		workflow.ModeSequential: sequential.New(tracker, 2, nil),
	}, func(string) string { return "sequential" }, engine.Options{})
	reg := prometheus.NewRegistry()
	srv := api.NewServer(cfg, api.Dependencies{
		Engine:   eng,
		Store:    st,
		Metadata: meta,
		Queues:   mgr,
		Sweeper:  recovery.New(st, st, recovery.Options{Stages: stages}),
		Metrics:  metrics.New(reg),
		Gatherer: reg,
	})
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func multipartUpload(t *testing.T, owner string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("owner", owner); err != nil {
		t.Fatalf("WriteField failed: %v", err)
	}
	part, err := mw.CreateFormFile("file", "po-1001.pdf")
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	if _, err := part.Write(testsupport.SampleDocument); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/workflows", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestSubmitDetailAndDuplicate(t *testing.T) {
	h := newServer(t, config.API{})

	rec := do(t, h, multipartUpload(t, "acme"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created api.SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	if created.Workflow.Status != string(workflow.StatusCompleted) || created.Workflow.DocumentName != "po-1001.pdf" {
		t.Fatalf("unexpected workflow %+v", created.Workflow)
	}

	rec = do(t, h, multipartUpload(t, "acme"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", rec.Code)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/workflows/"+created.Workflow.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("detail returned %d", rec.Code)
	}
	var detail api.WorkflowDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if len(detail.Stages) != 6 || detail.Aggregate == nil || detail.Stages[0].Name != pipeline.StageExtract {
		t.Fatalf("unexpected detail %+v", detail)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/workflows?status=completed&owner=acme", nil))
	var list api.WorkflowListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list.Items) != 1 {
		t.Fatalf("unexpected list %s (%v)", rec.Body.String(), err)
	}
}

func TestErrorStatusCodes(t *testing.T) {
	h := newServer(t, config.API{})
	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"missing workflow", httptest.NewRequest(http.MethodGet, "/api/workflows/nope", nil), http.StatusNotFound},
		{"missing owner", multipartUpload(t, ""), http.StatusBadRequest},
		{"json without uri", httptest.NewRequest(http.MethodPost, "/api/workflows", bytes.NewBufferString(`{"owner":"acme"}`)), http.StatusBadRequest},
		{"unknown queue", httptest.NewRequest(http.MethodPost, "/api/queues/nope/pause", nil), http.StatusNotFound},
		{"bad limit", httptest.NewRequest(http.MethodGet, "/api/workflows?limit=x", nil), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, tt.req); rec.Code != tt.want {
				t.Fatalf("got %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestQueueActions(t *testing.T) {
	h := newServer(t, config.API{})
	rec := do(t, h, httptest.NewRequest(http.MethodPost, "/api/queues/sync/pause", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pause returned %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/queues", nil))
	var resp api.QueueListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode queues: %v", err)
	}
	if len(resp.Queues) != 6 {
		t.Fatalf("expected six stage queues, got %+v", resp.Queues)
	}
	for _, q := range resp.Queues {
		if (q.Name == pipeline.StageSync) != q.Paused {
			t.Fatalf("unexpected paused flag for %s: %v", q.Name, q.Paused)
		}
	}
	rec = do(t, h, httptest.NewRequest(http.MethodPost, "/api/queues/sync/drain", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("drain returned %d", rec.Code)
	}
}

func TestSweepAndHealth(t *testing.T) {
	h := newServer(t, config.API{})
	rec := do(t, h, httptest.NewRequest(http.MethodPost, "/api/recovery/sweep", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep returned %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	var health api.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if rec.Code != http.StatusOK || health.Status != "ok" || !health.Database.Reachable {
		t.Fatalf("unexpected health %d %+v", rec.Code, health)
	}
	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("poflow_http_requests_total")) {
		t.Fatalf("metrics endpoint missing request counter")
	}
}

func TestAuthAcceptsTokenAndJWT(t *testing.T) {
	h := newServer(t, config.API{Token: "static", JWTSecret: "hmac-secret"})
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("hmac-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	wrongKey, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ops"}).SignedString([]byte("other"))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"static token", "Bearer static", http.StatusOK},
		{"jwt", "Bearer " + signed, http.StatusOK},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized},
		{"wrong scheme", "Basic static", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/queues", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if rec := do(t, h, req); rec.Code != tt.want {
				t.Fatalf("got %d, want %d", rec.Code, tt.want)
			}
		})
	}

	health := do(t, h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", health.Code)
	}
}

func TestSweepDisabled(t *testing.T) {
	conf := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, conf)
	srv := api.NewServer(config.API{}, api.Dependencies{Store: st, Metadata: metastore.NewMemory()})
	rec := do(t, srv.Handler(), httptest.NewRequest(http.MethodPost, "/api/recovery/sweep", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
