package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashita-ai/kage/internal/model"
)

// HTTPEvaluator calls an existing scoring endpoint. The endpoint receives
// {"tool": ..., "input": {...}} and answers with an outcome object
// {"score", "category", "confidence", "details"}.
type HTTPEvaluator struct {
	url        string
	httpClient *http.Client
}

// NewHTTPEvaluator creates an evaluator for url. A zero timeout uses 5s.
func NewHTTPEvaluator(url string, timeout time.Duration) *HTTPEvaluator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPEvaluator{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type httpEvalRequest struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

// Evaluate implements Evaluator.
func (e *HTTPEvaluator) Evaluate(ctx context.Context, tool string, input map[string]any) (model.Outcome, error) {
	reqBody, err := json.Marshal(httpEvalRequest{Tool: tool, Input: input})
	if err != nil {
		return model.Outcome{}, fmt.Errorf("legacy: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(reqBody))
	if err != nil {
		return model.Outcome{}, fmt.Errorf("legacy: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("legacy: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return model.Outcome{}, fmt.Errorf("legacy: %s: status %d: %s", tool, resp.StatusCode, string(body))
	}

	var out model.Outcome
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return model.Outcome{}, fmt.Errorf("legacy: decode response: %w", err)
	}
	if out.Category == "" && out.Score == nil {
		return model.Outcome{}, fmt.Errorf("legacy: %s: response has neither category nor score", tool)
	}
	return out, nil
}
