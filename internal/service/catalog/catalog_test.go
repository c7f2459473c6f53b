package catalog_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/rules"
	"github.com/ashita-ai/kage/internal/service/catalog"
	"github.com/ashita-ai/kage/internal/storage"
	"github.com/ashita-ai/kage/internal/storage/memstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

const scoreFormula = `{"expr":"score = base * 0.6 + bonus * 0.4"}`

func publishReq(version, def string, activate bool) model.PublishRuleRequest {
	return model.PublishRuleRequest{
		ToolName:   "lead_score",
		Version:    version,
		RuleType:   string(model.RuleFormula),
		Definition: json.RawMessage(def),
		Activate:   activate,
	}
}

func newCatalog(t *testing.T) (*catalog.Catalog, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	c := catalog.New(s, testLogger())
	require.NoError(t, c.Refresh(context.Background()))
	return c, s
}

func TestNormalizeVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1.0.0", "1.0.0", false},
		{"v1.2.3", "1.2.3", false},
		{"1.2.3-rc.1", "1.2.3-rc.1", false},
		{"1.x", "", true},
		{"", "", true},
		{"latest", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := catalog.NormalizeVersion(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, catalog.ErrInvalidVersion)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompareVersions(t *testing.T) {
	assert.Negative(t, catalog.CompareVersions("1.2.0", "1.10.0"))
	assert.Positive(t, catalog.CompareVersions("2.0.0", "2.0.0-rc.1"))
	assert.Zero(t, catalog.CompareVersions("1.0.0", "1.0.0"))
}

func TestPublishActivateResolve(t *testing.T) {
	c, _ := newCatalog(t)
	ctx := context.Background()

	_, err := c.Resolve("lead_score", "", nil)
	assert.ErrorIs(t, err, catalog.ErrNoActiveRule)

	doc, err := c.Publish(ctx, publishReq("v1.0.0", scoreFormula, true))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", doc.Version)
	assert.True(t, doc.Active)

	res, err := c.Resolve("lead_score", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.Version)
	assert.Equal(t, model.ABNone, res.Group)
	require.NotNil(t, res.Rule)

	out, err := res.Rule.Evaluate(map[string]any{"base": 80.0, "bonus": 50.0})
	require.NoError(t, err)
	assert.InDelta(t, 68.0, *out.Outcome.Score, 1e-9)
	assert.Equal(t, 1, c.ActiveTools())
}

func TestPublishRejectsBadDocuments(t *testing.T) {
	c, s := newCatalog(t)
	ctx := context.Background()

	_, err := c.Publish(ctx, publishReq("1.0.0", `{"expr":"base * "}`, false))
	var defErr *rules.DefinitionError
	assert.ErrorAs(t, err, &defErr)

	_, err = c.Publish(ctx, model.PublishRuleRequest{
		ToolName: "lead_score", Version: "1.0.0", RuleType: string(model.RuleDecisionTree),
		Definition: json.RawMessage(`{"nodes":[{"condition":{"op":"eq","var":"x","value":1},"result":"A"}]}`),
	})
	assert.ErrorAs(t, err, &defErr, "decision tree without default")

	_, err = c.Publish(ctx, publishReq("one", scoreFormula, false))
	assert.ErrorIs(t, err, catalog.ErrInvalidVersion)

	docs, err := s.ListRules(ctx, "lead_score")
	require.NoError(t, err)
	assert.Empty(t, docs, "nothing is stored for rejected documents")

	_, err = c.Publish(ctx, publishReq("1.0.0", scoreFormula, false))
	require.NoError(t, err)
	_, err = c.Publish(ctx, publishReq("v1.0.0", scoreFormula, false))
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestActivateSwitchesVersion(t *testing.T) {
	c, _ := newCatalog(t)
	ctx := context.Background()
	_, err := c.Publish(ctx, publishReq("1.0.0", scoreFormula, true))
	require.NoError(t, err)
	_, err = c.Publish(ctx, publishReq("1.1.0", `{"expr":"base"}`, false))
	require.NoError(t, err)

	v, _ := c.ActiveVersion("lead_score")
	assert.Equal(t, "1.0.0", v, "publishing without activate leaves traffic alone")

	require.NoError(t, c.Activate(ctx, "lead_score", "1.1.0"))
	v, _ = c.ActiveVersion("lead_score")
	assert.Equal(t, "1.1.0", v)

	err = c.Activate(ctx, "lead_score", "3.0.0")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExperimentRouting(t *testing.T) {
	c, _ := newCatalog(t)
	ctx := context.Background()
	_, err := c.Publish(ctx, publishReq("1.0.0", scoreFormula, true))
	require.NoError(t, err)
	_, err = c.Publish(ctx, publishReq("2.0.0", `{"expr":"base"}`, false))
	require.NoError(t, err)

	_, err = c.SetExperiment(ctx, "lead_score", model.ExperimentRequest{
		ControlVersion: "1.0.0", TestVersion: "2.0.0", TrafficSplit: 1, EntityKeyField: "customer_id",
	})
	require.NoError(t, err)

	res, err := c.Resolve("lead_score", "", map[string]any{"customer_id": "c-42"})
	require.NoError(t, err)
	assert.Equal(t, model.ABTest, res.Group)
	assert.Equal(t, "2.0.0", res.Version)
	assert.Equal(t, "c-42", res.EntityKey)

	res, err = c.Resolve("lead_score", "", nil)
	require.NoError(t, err)
	assert.Equal(t, model.ABControl, res.Group, "no entity key goes to control")
	assert.Equal(t, "1.0.0", res.Version)

	_, err = c.SetExperiment(ctx, "lead_score", model.ExperimentRequest{ControlVersion: "1.0.0", TestVersion: "1.0.0"})
	assert.Error(t, err)
	_, err = c.SetExperiment(ctx, "lead_score", model.ExperimentRequest{ControlVersion: "1.0.0", TestVersion: "9.0.0"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, c.EndExperiment(ctx, "lead_score"))
	res, err = c.Resolve("lead_score", "c-42", nil)
	require.NoError(t, err)
	assert.Equal(t, model.ABNone, res.Group)
	assert.Equal(t, "1.0.0", res.Version)
}

func TestVersionsSemverOrder(t *testing.T) {
	c, _ := newCatalog(t)
	ctx := context.Background()
	for _, v := range []string{"1.10.0", "1.2.0", "1.9.1"} {
		_, err := c.Publish(ctx, publishReq(v, scoreFormula, false))
		require.NoError(t, err)
	}
	docs, err := c.Versions(ctx, "lead_score")
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []string{"1.2.0", "1.9.1", "1.10.0"}, []string{docs[0].Version, docs[1].Version, docs[2].Version})
}

func TestExplain(t *testing.T) {
	c, _ := newCatalog(t)
	ctx := context.Background()
	_, err := c.Publish(ctx, publishReq("1.0.0", scoreFormula, true))
	require.NoError(t, err)
	_, err = c.Publish(ctx, publishReq("2.0.0", `{"expr":"base"}`, false))
	require.NoError(t, err)

	doc, res, err := c.Explain(ctx, "lead_score", "", map[string]any{"base": 80, "bonus": 50})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", doc.Version)
	assert.InDelta(t, 68.0, *res.Outcome.Score, 1e-9)
	assert.NotEmpty(t, res.Summary)

	_, res, err = c.Explain(ctx, "lead_score", "2.0.0", map[string]any{"base": 80})
	require.NoError(t, err, "inactive versions can be explained")
	assert.InDelta(t, 80.0, *res.Outcome.Score, 1e-9)

	_, _, err = c.Explain(ctx, "lead_score", "1.0.0", map[string]any{"base": 80})
	var evalErr *rules.EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, rules.CodeMissingVariable, evalErr.Code)
}

func TestResolveDuringRefresh(t *testing.T) {
	c, _ := newCatalog(t)
	ctx := context.Background()
	_, err := c.Publish(ctx, publishReq("1.0.0", scoreFormula, true))
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := c.Resolve("lead_score", "k", nil)
				if err != nil || res.Rule == nil {
					t.Errorf("resolve during refresh: %v", err)
					return
				}
			}
		}()
	}
	for range 20 {
		require.NoError(t, c.Refresh(ctx))
	}
	close(stop)
	wg.Wait()
}

type fakeNotifier struct {
	listened chan string
	notes    chan string
}

func (f *fakeNotifier) Listen(_ context.Context, channel string) error {
	f.listened <- channel
	return nil
}

func (f *fakeNotifier) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case p := <-f.notes:
		return storage.ChannelRules, p, nil
	}
}

func TestListenRefreshesOnNotification(t *testing.T) {
	s := memstore.New()
	c := catalog.New(s, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := &fakeNotifier{listened: make(chan string, 1), notes: make(chan string)}
	done := make(chan struct{})
	go func() {
		c.Listen(ctx, n)
		close(done)
	}()
	assert.Equal(t, storage.ChannelRules, <-n.listened)

	// Another instance publishes straight to the shared store.
	_, err := s.InsertRule(ctx, model.RuleDocument{
		ToolName: "lead_score", Version: "1.0.0", RuleType: model.RuleFormula,
		Definition: json.RawMessage(scoreFormula),
	})
	require.NoError(t, err)
	require.NoError(t, s.ActivateRule(ctx, "lead_score", "1.0.0"))
	n.notes <- "lead_score"

	require.Eventually(t, func() bool {
		_, ok := c.ActiveVersion("lead_score")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestRefreshPropagatesStoreErrors(t *testing.T) {
	c := catalog.New(failingStore{memstore.New()}, testLogger())
	err := c.Refresh(context.Background())
	assert.Error(t, err)
}

type failingStore struct{ *memstore.Store }

func (failingStore) ListActiveRules(context.Context) ([]model.RuleDocument, error) {
	return nil, errors.New("connection refused")
}
