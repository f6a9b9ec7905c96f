package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"poflow/internal/config"
	"poflow/internal/engine"
	"poflow/internal/jobqueue"
	"poflow/internal/logging"
	"poflow/internal/metastore"
	"poflow/internal/metrics"
	"poflow/internal/recovery"
	"poflow/internal/services"
	"poflow/internal/store"
	"poflow/internal/workflow"
)

const maxUploadBytes = 64 << 20

// Dependencies are the components the API drives. Queues, Sweeper, Metrics
// and Gatherer are optional.
type Dependencies struct {
	Engine   *engine.Engine
	Store    *store.Store
	Metadata metastore.Store
	Queues   *jobqueue.Manager
	Sweeper  *recovery.Sweeper
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the HTTP control surface.
type Server struct {
	bind   string
	deps   Dependencies
	logger *slog.Logger
	router chi.Router
}

// NewServer builds the router for cfg.
func NewServer(cfg config.API, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		bind:   strings.TrimSpace(cfg.Bind),
		deps:   deps,
		logger: logging.NewComponentLogger(logger, "api-server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestContext)
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}

	r.Get("/api/health", s.handleHealth)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.Token, cfg.JWTSecret))
		r.Post("/api/workflows", s.handleSubmit)
		r.Get("/api/workflows", s.handleList)
		r.Get("/api/workflows/{id}", s.handleDetail)
		r.Post("/api/workflows/{id}/resubmit", s.handleResubmit)
		r.Get("/api/queues", s.handleQueues)
		r.Post("/api/queues/{name}/{action}", s.handleQueueAction)
		r.Post("/api/recovery/sweep", s.handleSweep)
	})
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled. An empty bind disables the server.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.bind == "" {
		<-ctx.Done()
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(services.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeSubmit(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wf, duplicate, err := s.deps.Engine.Submit(r.Context(), req)
	if err != nil && wf == nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, SubmitResponse{Workflow: FromWorkflow(wf), Duplicate: duplicate})
}

func (s *Server) decodeSubmit(w http.ResponseWriter, r *http.Request) (engine.SubmitRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			return engine.SubmitRequest{}, services.Wrap(services.ErrValidation, "submit", "parse form", "", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return engine.SubmitRequest{}, services.Wrap(services.ErrValidation, "submit", "parse form", "file field is required", err)
		}
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			return engine.SubmitRequest{}, services.Wrap(services.ErrValidation, "submit", "read upload", "", err)
		}
		mimeType := header.Header.Get("Content-Type")
		if mimeType == "application/octet-stream" {
			// Generic part type; let the pipeline sniff the content.
			mimeType = ""
		}
		return engine.SubmitRequest{
			Owner:    r.FormValue("owner"),
			Filename: header.Filename,
			MIMEType: mimeType,
			Content:  content,
			Mode:     workflow.Mode(r.FormValue("mode")),
		}, nil
	}
	var body SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return engine.SubmitRequest{}, services.Wrap(services.ErrValidation, "submit", "decode body", "", err)
	}
	if strings.TrimSpace(body.DocumentURI) == "" {
		return engine.SubmitRequest{}, services.Wrap(services.ErrValidation, "submit", "decode body", "documentUri is required", nil)
	}
	return engine.SubmitRequest{
		Owner:       body.Owner,
		DocumentURI: body.DocumentURI,
		Filename:    body.Filename,
		Mode:        workflow.Mode(body.Mode),
	}, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.ListFilter{Owner: strings.TrimSpace(query.Get("owner"))}
	for _, value := range query["status"] {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				filter.Statuses = append(filter.Statuses, workflow.Status(trimmed))
			}
		}
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, services.Wrap(services.ErrValidation, "list", "parse limit", "limit must be a positive integer", err))
			return
		}
		filter.Limit = limit
	}
	if filter.Limit == 0 {
		filter.Limit = 100
	}
	list, err := s.deps.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := WorkflowListResponse{Items: make([]WorkflowView, 0, len(list))}
	for _, wf := range list {
		resp.Items = append(resp.Items, FromWorkflow(wf))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.deps.Engine.Describe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FromDetail(detail))
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Engine.Resubmit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, FromWorkflow(wf))
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	resp := QueueListResponse{Queues: []QueueView{}}
	if s.deps.Queues != nil {
		counts, err := s.deps.Queues.Counts(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, c := range counts {
			resp.Queues = append(resp.Queues, FromCounts(c))
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.SetQueueCounts(counts)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueueAction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	action := chi.URLParam(r, "action")
	if !s.knownQueue(name) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown queue " + name})
		return
	}
	resp := QueueActionResponse{Queue: name, Action: action}
	var err error
	switch action {
	case "pause":
		err = s.deps.Queues.Pause(r.Context(), name)
	case "resume":
		err = s.deps.Queues.Resume(r.Context(), name)
	case "drain":
		resp.Removed, err = s.deps.Queues.DrainFailed(r.Context(), name)
	default:
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown queue action " + action})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("queue action applied",
		logging.String(logging.FieldQueue, name),
		logging.String("action", action),
		logging.String(logging.FieldEventType, "queue_"+action),
	)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) knownQueue(name string) bool {
	if s.deps.Queues == nil {
		return false
	}
	for _, q := range s.deps.Queues.Queues() {
		if q == name {
			return true
		}
	}
	return false
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "recovery sweep is disabled"})
		return
	}
	report, err := s.deps.Sweeper.SweepOnce(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FromReport(report))
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Metadata: "ok"}
	db, err := s.deps.Store.CheckHealth(r.Context())
	resp.Database = DatabaseStatus{
		Driver:        db.Driver,
		Reachable:     db.Reachable,
		SchemaVersion: db.SchemaVersion,
		Error:         db.Error,
	}
	if err != nil {
		resp.Status = "degraded"
	}
	if p, ok := s.deps.Metadata.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Metadata = err.Error()
		}
	}
	if stats, err := s.deps.Store.Stats(r.Context()); err == nil {
		resp.Workflows = make(map[string]int, len(stats))
		for status, n := range stats {
			resp.Workflows[string(status)] = n
		}
	}
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidTransition), errors.Is(err, store.ErrStale):
		return http.StatusConflict
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrConfiguration):
		return http.StatusUnprocessableEntity
	default:
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "api request failed", "api_error",
			logging.String("path", r.URL.Path),
			logging.Error(err),
		)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
