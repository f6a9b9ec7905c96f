// Package ingest turns Cloud Storage object notifications, delivered as
// CloudEvents over HTTP, into workflow submissions.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"poflow/internal/config"
	"poflow/internal/engine"
	"poflow/internal/logging"
	"poflow/internal/services"
	"poflow/internal/workflow"
)

// Event types emitted when an object is written to a bucket.
var finalizeTypes = map[string]bool{
	"google.cloud.storage.object.v1.finalized": true,
	"google.storage.object.finalize":           true,
}

// ObjectEvent is the data payload of a storage notification.
type ObjectEvent struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
}

// Submitter creates workflows. *engine.Engine implements it.
type Submitter interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (*workflow.Workflow, bool, error)
}

// Receiver handles storage notifications for one owner.
type Receiver struct {
	submitter Submitter
	owner     string
	bind      string
	logger    *slog.Logger
}

// New returns a receiver that submits documents on behalf of cfg.Owner.
func New(cfg config.Ingest, submitter Submitter, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Receiver{
		submitter: submitter,
		owner:     strings.TrimSpace(cfg.Owner),
		bind:      strings.TrimSpace(cfg.Bind),
		logger:    logging.NewComponentLogger(logger, "ingest"),
	}
}

// Handler returns the CloudEvents HTTP handler.
func (r *Receiver) Handler(ctx context.Context) (http.Handler, error) {
	protocol, err := cloudevents.NewHTTP()
	if err != nil {
		return nil, fmt.Errorf("cloudevents protocol: %w", err)
	}
	handler, err := cloudevents.NewHTTPReceiveHandler(ctx, protocol, r.Receive)
	if err != nil {
		return nil, fmt.Errorf("cloudevents handler: %w", err)
	}
	return handler, nil
}

// ListenAndServe serves the receiver until ctx is cancelled.
func (r *Receiver) ListenAndServe(ctx context.Context) error {
	handler, err := r.Handler(ctx)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", r.bind)
	if err != nil {
		return fmt.Errorf("ingest listen: %w", err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	r.logger.Info("ingest receiver listening", logging.String("address", listener.Addr().String()))

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

// Receive submits the object named by a finalize event. Events of other
// types and folder placeholders are acknowledged and ignored. Documents the
// pipeline rejects are acknowledged so the bucket does not redeliver them.
func (r *Receiver) Receive(ctx context.Context, e cloudevents.Event) cloudevents.Result {
	if !finalizeTypes[e.Type()] {
		return nil
	}
	var obj ObjectEvent
	if err := json.Unmarshal(e.Data(), &obj); err != nil {
		return cloudevents.NewHTTPResult(http.StatusBadRequest, "decode object event: %v", err)
	}
	if obj.Bucket == "" || obj.Name == "" {
		return cloudevents.NewHTTPResult(http.StatusBadRequest, "object event missing bucket or name")
	}
	if strings.HasSuffix(obj.Name, "/") {
		return nil
	}

	uri := "gs://" + obj.Bucket + "/" + obj.Name
	logger := r.logger.With(logging.String("document_uri", uri), logging.String("event_id", e.ID()))
	wf, duplicate, err := r.submitter.Submit(ctx, engine.SubmitRequest{
		Owner:       r.owner,
		DocumentURI: uri,
		Filename:    obj.Name,
		MIMEType:    obj.ContentType,
	})
	if err != nil && wf == nil {
		if errors.Is(err, services.ErrValidation) || errors.Is(err, services.ErrConfiguration) {
			logging.WarnWithContext(logger, "ingested document rejected", "ingest_rejected",
				logging.Error(err),
				logging.String(logging.FieldImpact, "document ignored; fix and re-upload"),
			)
			return nil
		}
		logging.ErrorWithContext(logger, "ingest submission failed", "ingest_failed", logging.Error(err))
		return cloudevents.NewHTTPResult(http.StatusInternalServerError, "submit: %v", err)
	}
	logger.Info("document ingested",
		logging.String(logging.FieldWorkflowID, wf.ID),
		logging.Bool("duplicate", duplicate),
		logging.String(logging.FieldEventType, "document_ingested"),
	)
	return nil
}
