package memstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/storage/memstore"
	"github.com/ashita-ai/kage/internal/storage/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, memstore.New())
}

func TestDecisionsAreCopied(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	d := storetest.Decision(model.ToolVersion{ToolName: "t", RuleVersion: "1"}, 0.5, true, storetest.Now())

	_, err := s.UpsertDecision(ctx, d)
	require.NoError(t, err)
	d.Input["x"] = "mutated"

	got, err := s.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, got.Input["x"], 1e-9)

	got.Input["x"] = "again"
	again, err := s.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, again.Input["x"], 1e-9)
}
