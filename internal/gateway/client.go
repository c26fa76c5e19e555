// Package gateway talks to the external payment gateway and biller. Both
// collaborators own their retries; the ledger calls each once per operation.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"wallet-ledger/internal/config"
)

const (
	statusSuccess = "success"
)

// outcome is the body both collaborators answer with.
type outcome struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// RejectedError is returned when the collaborator answered and declined.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%d): %s", e.StatusCode, e.Message)
}

type client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

func newClient(baseURL string, cfg config.GatewayConfig, logger *slog.Logger) *client {
	return &client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		retryDelay: 100 * time.Millisecond,
		logger:     logger,
	}
}

// post sends body to endpoint, retrying transport errors and 5xx answers
// with exponential backoff. Every attempt carries requestID as the
// Idempotency-Key so the collaborator can deduplicate; an empty requestID
// gets a fresh one.
func (c *client) post(ctx context.Context, endpoint, requestID string, body interface{}) error {
	fullURL := c.baseURL + endpoint
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	attempt := 0
	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", requestID)
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn("Collaborator request failed, retrying", "url", fullURL, "attempt", attempt, "error", err)
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if resp.StatusCode >= 500 {
			c.logger.Warn("Collaborator server error, retrying", "url", fullURL, "attempt", attempt, "status", resp.StatusCode)
			return fmt.Errorf("server error: %d", resp.StatusCode)
		}

		var out outcome
		_ = json.Unmarshal(respBody, &out)
		if resp.StatusCode >= 200 && resp.StatusCode < 300 && out.Status == statusSuccess {
			return nil
		}
		return backoff.Permanent(&RejectedError{StatusCode: resp.StatusCode, Message: out.Message})
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
	return backoff.Retry(operation, policy)
}
