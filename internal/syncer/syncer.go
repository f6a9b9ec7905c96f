package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"poflow/internal/config"
	"poflow/internal/pipeline"
	"poflow/internal/purchase"
	"poflow/internal/services"
)

const userAgent = "poflow/0.1.0"

// HTTP pushes orders as JSON to a single endpoint.
type HTTP struct {
	endpoint string
	token    string
	client   *http.Client
}

// New returns the configured syncer, or nil when sync is disabled so the sync
// stage records itself as skipped.
func New(cfg config.Sync) pipeline.Syncer {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if !cfg.Enabled || endpoint == "" {
		return nil
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTP{endpoint: endpoint, token: cfg.Token, client: &http.Client{Timeout: timeout}}
}

type request struct {
	AggregateID string          `json:"aggregate_id"`
	Order       *purchase.Order `json:"order"`
}

// Push implements pipeline.Syncer.
func (h *HTTP) Push(ctx context.Context, aggregateID string, order *purchase.Order) error {
	body, err := json.Marshal(request{AggregateID: aggregateID, Order: order})
	if err != nil {
		return services.Wrap(services.ErrValidation, pipeline.StageSync, "encode", "", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return services.Wrap(services.ErrConfiguration, pipeline.StageSync, "build request", "", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	// Lets the receiver dedupe retried pushes.
	req.Header.Set("Idempotency-Key", aggregateID)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, pipeline.StageSync, "push", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := fmt.Sprintf("commerce platform returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	return services.Wrap(markerFor(resp.StatusCode), pipeline.StageSync, "push", msg, nil)
}

func markerFor(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return services.ErrQuotaExceeded
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return services.ErrConfiguration
	case code >= 500:
		return services.ErrTransient
	default:
		return services.ErrValidation
	}
}
