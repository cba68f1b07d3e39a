package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

// WebhookResponse is the output of a post_webhook action
type WebhookResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
	Text       string          `json:"text,omitempty"`
}

// WebhookHandler posts action input to HTTP endpoints
type WebhookHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewWebhookHandler creates a handler that sends at most perSecond requests
// per second. A non-positive rate disables limiting.
func NewWebhookHandler(logger *zap.Logger, perSecond float64, burst int) *WebhookHandler {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}

	return &WebhookHandler{
		logger: logger.Named("webhook"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Post sends body as JSON to url. Statuses of 400 and above are errors.
func (h *WebhookHandler) Post(ctx context.Context, url string, body json.RawMessage) (*WebhookResponse, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	h.logger.Debug("Posting webhook", zap.String("url", url))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &WebhookResponse{StatusCode: resp.StatusCode}
	if json.Valid(data) {
		result.Body = data
	} else {
		result.Text = string(data)
	}

	if resp.StatusCode >= 400 {
		return result, fmt.Errorf("webhook failed with status: %d", resp.StatusCode)
	}
	return result, nil
}
