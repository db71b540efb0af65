package selector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/execution-hub/paid-dispatch/internal/config"
	"github.com/execution-hub/paid-dispatch/internal/domain/dispatch"
	"github.com/execution-hub/paid-dispatch/internal/domain/executor"
)

// Verdict is an external scorer's pick.
type Verdict struct {
	ExecutorID string
	Reason     string
	Confidence *float64
}

// Scorer is an optional external selection capability. Its answer is never
// authoritative: the selector falls back to a built-in strategy on any error.
type Scorer interface {
	// Enabled reports whether the scorer should be consulted.
	Enabled() bool
	Score(ctx context.Context, req Request) (*Verdict, error)
}

type scoreRequest struct {
	Executors  []*executor.Executor `json:"executors"`
	Intent     dispatch.Intent      `json:"intent"`
	Parameters map[string]any       `json:"parameters,omitempty"`
	Context    map[string]any       `json:"context,omitempty"`
}

type scoreResponse struct {
	SelectedExecutorID *string  `json:"selectedExecutorId"`
	Reason             string   `json:"reason"`
	Confidence         *float64 `json:"confidence"`
}

// WebhookScorer posts the candidate set to a configured URL.
type WebhookScorer struct {
	client *http.Client
	cfg    config.Source
}

func NewWebhookScorer(cfg config.Source) *WebhookScorer {
	return &WebhookScorer{client: &http.Client{}, cfg: cfg}
}

func (w *WebhookScorer) Enabled() bool {
	return strings.TrimSpace(w.cfg.Current().Selector.WebhookURL) != ""
}

func (w *WebhookScorer) Score(ctx context.Context, req Request) (*Verdict, error) {
	sc := w.cfg.Current().Selector
	if sc.WebhookURL == "" {
		return nil, errors.New("selector webhook URL not configured")
	}
	timeout := sc.WebhookTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(scoreRequest{
		Executors:  req.Candidates,
		Intent:     req.Intent,
		Parameters: req.Intent.Parameters,
		Context:    req.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scorer payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create scorer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("scorer request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("scorer returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out scoreResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("malformed scorer response: %w", err)
	}
	if out.SelectedExecutorID == nil || *out.SelectedExecutorID == "" {
		return nil, errors.New("scorer response has no selectedExecutorId")
	}
	return &Verdict{
		ExecutorID: *out.SelectedExecutorID,
		Reason:     out.Reason,
		Confidence: out.Confidence,
	}, nil
}
