package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/ratelimit"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }
func (brokenLimiter) Close() error                                { return nil }

type recordingLimiter struct {
	keys []string
	deny bool
}

func (l *recordingLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.keys = append(l.keys, key)
	return !l.deny, nil
}
func (l *recordingLimiter) Close() error { return nil }

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

func serve(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/tools/scoring/evaluate", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareRejectsWithEnvelope(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = lim.Close() }()

	mw := ratelimit.Middleware(lim, "evaluate", ratelimit.IPKeyFunc,
		func(*http.Request) string { return "req-1" }, nil)
	h := mw(ok)

	assert.Equal(t, http.StatusNoContent, serve(h, "10.0.0.1:5000").Code)

	rec := serve(h, "10.0.0.1:5001")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)

	assert.Equal(t, http.StatusNoContent, serve(h, "10.0.0.2:5000").Code, "other clients are unaffected")
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := ratelimit.Middleware(brokenLimiter{}, "evaluate", ratelimit.IPKeyFunc, nil, nil)(ok)
	assert.Equal(t, http.StatusNoContent, serve(h, "10.0.0.1:1").Code)
}

func TestMiddlewareScopesKeys(t *testing.T) {
	lim := &recordingLimiter{}
	h := ratelimit.Middleware(lim, "feedback", ratelimit.IPKeyFunc, nil, nil)(ok)
	serve(h, "192.168.1.7:4242")
	assert.Equal(t, []string{"feedback:192.168.1.7"}, lim.keys)
}

func TestMiddlewareEmptyKeySkips(t *testing.T) {
	lim := &recordingLimiter{deny: true}
	h := ratelimit.Middleware(lim, "evaluate", func(*http.Request) string { return "" }, nil, nil)(ok)
	assert.Equal(t, http.StatusNoContent, serve(h, "10.0.0.1:1").Code)
	assert.Empty(t, lim.keys)
}

func TestMiddlewareNilLimiter(t *testing.T) {
	h := ratelimit.Middleware(nil, "evaluate", ratelimit.IPKeyFunc, nil, nil)(ok)
	assert.Equal(t, http.StatusNoContent, serve(h, "10.0.0.1:1").Code)
}

func TestIPKeyFunc(t *testing.T) {
	cases := map[string]string{
		"10.1.2.3:8080":   "10.1.2.3",
		"[::1]:443":       "::1",
		"no-port-address": "no-port-address",
	}
	for remote, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		assert.Equal(t, want, ratelimit.IPKeyFunc(req), remote)
	}
}
