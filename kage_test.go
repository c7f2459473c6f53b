package kage_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kage"
)

func newApp(t *testing.T, opts ...kage.Option) *kage.App {
	t.Helper()
	t.Setenv("DATABASE_URL", "memory://")
	t.Setenv("KAGE_JWT_PUBLIC_KEY", "")
	t.Setenv("KAGE_LEGACY_ENDPOINTS", "")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := kage.New(append([]kage.Option{kage.WithLogger(logger), kage.WithVersion("test")}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInProcessLegacyEvaluator(t *testing.T) {
	score, confidence := 42.0, 0.9
	app := newApp(t, kage.WithLegacyEvaluator("lead_score", kage.LegacyEvaluatorFunc(
		func(_ context.Context, tool string, input map[string]any) (kage.Outcome, error) {
			assert.Equal(t, "lead_score", tool)
			return kage.Outcome{Score: &score, Category: "warm", Confidence: &confidence}, nil
		})))

	rec := post(t, app.Handler(), "/v1/tools/lead_score/evaluate", map[string]any{
		"input": map[string]any{"base": 10},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data struct {
			RuleVersion string `json:"rule_version"`
			Output      struct {
				Score      float64 `json:"score"`
				Category   string  `json:"category"`
				Confidence float64 `json:"confidence"`
			} `json:"output"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "warm", resp.Data.Output.Category)
	assert.InDelta(t, 42.0, resp.Data.Output.Score, 1e-9)
	assert.InDelta(t, 0.9, resp.Data.Output.Confidence, 1e-9)
	assert.Empty(t, resp.Data.RuleVersion, "no rule published yet")
}

func TestLegacyFailureIsBadGateway(t *testing.T) {
	app := newApp(t, kage.WithLegacyEvaluator("lead_score", kage.LegacyEvaluatorFunc(
		func(context.Context, string, map[string]any) (kage.Outcome, error) {
			return kage.Outcome{}, errors.New("timeout talking to scorer")
		})))

	rec := post(t, app.Handler(), "/v1/tools/lead_score/evaluate", map[string]any{"input": map[string]any{}})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestInvalidLegacyToolNameRejected(t *testing.T) {
	t.Setenv("DATABASE_URL", "memory://")
	_, err := kage.New(
		kage.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		kage.WithLegacyEvaluator("Lead Score", kage.LegacyEvaluatorFunc(
			func(context.Context, string, map[string]any) (kage.Outcome, error) { return kage.Outcome{}, nil })),
	)
	require.Error(t, err)
}

func TestMiddlewareIsOutermost(t *testing.T) {
	var seen []string
	mw := func(name string) kage.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = append(seen, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	app := newApp(t, kage.WithMiddleware(mw("first")), kage.WithMiddleware(mw("second")))

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"first", "second"}, seen)
}
