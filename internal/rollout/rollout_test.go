package rollout_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/rollout"
)

func TestBucket_Range(t *testing.T) {
	for i := range 10000 {
		b := rollout.Bucket(fmt.Sprintf("lead-%d", i))
		require.GreaterOrEqual(t, b, 0.0)
		require.Less(t, b, 1.0)
	}
}

func TestSelect_Deterministic(t *testing.T) {
	// 1000 calls for the same key at split 0.3 all land in the same group.
	first := rollout.Select("lead-42", 0.3)
	for range 1000 {
		assert.Equal(t, first, rollout.Select("lead-42", 0.3))
	}
}

func TestSelect_EdgeSplits(t *testing.T) {
	for i := range 500 {
		k := fmt.Sprintf("k%d", i)
		assert.Equal(t, model.ABControl, rollout.Select(k, 0))
		assert.Equal(t, model.ABTest, rollout.Select(k, 1))
	}
}

func TestSelect_EmptyKeyIsControl(t *testing.T) {
	assert.Equal(t, model.ABControl, rollout.Select("", 1))
	assert.Equal(t, model.ABControl, rollout.Select("", 0.5))
}

func TestSelect_MonotonicInSplit(t *testing.T) {
	// A key in the test arm at split s stays in the test arm at any larger split.
	for i := range 2000 {
		k := fmt.Sprintf("entity-%d", i)
		b := rollout.Bucket(k)
		for _, s := range []float64{0.1, 0.25, 0.5, 0.75, 0.9} {
			assert.Equal(t, b < s, rollout.Select(k, s) == model.ABTest)
		}
	}
}

func TestDistribution_NearExpected(t *testing.T) {
	keys := make([]string, 20000)
	for i := range keys {
		keys[i] = fmt.Sprintf("lead-%06d", i)
	}
	for _, split := range []float64{0.1, 0.3, 0.5} {
		s := rollout.Distribution(keys, split)
		assert.Equal(t, len(keys), s.Total)
		assert.Less(t, s.Deviation(), 0.02, "split %.2f observed %.4f", split, s.Observed)
	}
}

func TestDistribution_Empty(t *testing.T) {
	s := rollout.Distribution(nil, 0.5)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.Observed)
}

func TestAssign(t *testing.T) {
	exp := &model.Experiment{
		ToolName:       "lead_scoring",
		ControlVersion: "1.0.0",
		TestVersion:    "1.1.0",
		TrafficSplit:   0.5,
		EntityKeyField: "lead_id",
	}

	t.Run("no experiment uses the active version", func(t *testing.T) {
		a := rollout.Assign(nil, "1.0.0", "lead-1", nil)
		assert.Equal(t, rollout.Assignment{Version: "1.0.0", Group: model.ABNone, EntityKey: "lead-1"}, a)
	})

	t.Run("group maps to version", func(t *testing.T) {
		for i := range 200 {
			a := rollout.Assign(exp, "1.0.0", fmt.Sprintf("lead-%d", i), nil)
			switch a.Group {
			case model.ABTest:
				assert.Equal(t, "1.1.0", a.Version)
			case model.ABControl:
				assert.Equal(t, "1.0.0", a.Version)
			default:
				t.Fatalf("unexpected group %q", a.Group)
			}
		}
	})

	t.Run("entity key from input field", func(t *testing.T) {
		fromField := rollout.Assign(exp, "1.0.0", "", map[string]any{"lead_id": "lead-7"})
		explicit := rollout.Assign(exp, "1.0.0", "lead-7", nil)
		assert.Equal(t, explicit, fromField)
	})

	t.Run("numeric entity field", func(t *testing.T) {
		a := rollout.Assign(exp, "1.0.0", "", map[string]any{"lead_id": 1234.0})
		assert.Equal(t, "1234", a.EntityKey)
	})

	t.Run("no key at all is control", func(t *testing.T) {
		a := rollout.Assign(exp, "1.0.0", "", map[string]any{})
		assert.Equal(t, model.ABControl, a.Group)
		assert.Equal(t, "1.0.0", a.Version)
	})
}
