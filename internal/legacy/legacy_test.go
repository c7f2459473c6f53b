package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kage/internal/model"
)

func TestHTTPEvaluator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req httpEvalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		switch req.Tool {
		case "broken":
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		case "empty":
			_, _ = w.Write([]byte(`{}`))
			return
		}
		base, _ := req.Input["base"].(float64)
		score := base * 0.5
		conf := 0.8
		if err := json.NewEncoder(w).Encode(model.Outcome{Score: &score, Category: "A", Confidence: &conf}); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	defer server.Close()

	e := NewHTTPEvaluator(server.URL, time.Second)

	t.Run("ok", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), "lead_scoring", map[string]any{"base": 80.0})
		require.NoError(t, err)
		assert.Equal(t, "A", out.Category)
		assert.Equal(t, 40.0, *out.Score)
		assert.Equal(t, 0.8, *out.Confidence)
	})

	t.Run("non-200", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), "broken", map[string]any{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
	})

	t.Run("empty outcome", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), "empty", map[string]any{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "neither category nor score")
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := e.Evaluate(ctx, "lead_scoring", map[string]any{})
		require.Error(t, err)
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("b_tool", Func(func(context.Context, map[string]any) (model.Outcome, error) {
		return model.Outcome{Category: "B"}, nil
	}))
	r.Register("a_tool", Func(func(context.Context, map[string]any) (model.Outcome, error) {
		return model.Outcome{Category: "A"}, nil
	}))

	assert.Equal(t, []string{"a_tool", "b_tool"}, r.Tools())

	out, err := r.Evaluate(context.Background(), "a_tool", nil)
	require.NoError(t, err)
	assert.Equal(t, "A", out.Category)

	_, err = r.Evaluate(context.Background(), "missing", nil)
	assert.True(t, errors.Is(err, ErrNoEvaluator))
}

func TestParseEndpoints(t *testing.T) {
	got, err := ParseEndpoints(" lead_scoring = http://score:8080/v1 , churn=http://churn/eval ")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"lead_scoring": "http://score:8080/v1",
		"churn":        "http://churn/eval",
	}, got)

	got, err = ParseEndpoints("")
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, bad := range []string{"no-equals", "=http://x", "tool=", "a=http://x,a=http://y"} {
		_, err := ParseEndpoints(bad)
		assert.Error(t, err, bad)
	}
}
