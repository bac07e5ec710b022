package atom

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafold/datafold-node/internal/dbops"
	"github.com/datafold/datafold-node/internal/kvstore/memory"
)

func newStore() *Store {
	return New(dbops.New(memory.New()))
}

func TestCreateSingleRefAndAdvance(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	ref, err := s.CreateSingleRef(ctx, "ref-1", "system")
	require.NoError(t, err)
	assert.Equal(t, RefSingle, ref.Kind)
	assert.Empty(t, ref.AtomUUID)

	a1, err := s.AdvanceSingle(ctx, "ref-1", "hello", "alice")
	require.NoError(t, err)
	assert.Empty(t, a1.PrevVersionUUID)

	latest, err := s.LatestForSingle(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, a1.UUID, latest.UUID)
	assert.Equal(t, "hello", latest.Content)

	a2, err := s.AdvanceSingle(ctx, "ref-1", "world", "alice")
	require.NoError(t, err)
	assert.Equal(t, a1.UUID, a2.PrevVersionUUID)

	history, err := s.History(ctx, "ref-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, a1.UUID, history[0].UUID)
	assert.Equal(t, a2.UUID, history[1].UUID)
}

func TestRangeRefAdvance(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	_, err := s.CreateRangeRef(ctx, "ref-range-1")
	require.NoError(t, err)

	_, err = s.AdvanceRange(ctx, "ref-range-1", "2026-01", 10, "bob")
	require.NoError(t, err)
	a2, err := s.AdvanceRange(ctx, "ref-range-1", "2026-01", 20, "bob")
	require.NoError(t, err)
	assert.NotEmpty(t, a2.PrevVersionUUID)

	latest, err := s.LatestForRange(ctx, "ref-range-1", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, float64(20), latest.Content)
}

func TestLatestForSingleNotFoundWhenUnset(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	_, err := s.CreateSingleRef(ctx, "ref-empty", "system")
	require.NoError(t, err)

	_, err = s.LatestForSingle(ctx, "ref-empty")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetSingleRefMissing(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	_, err := s.GetSingleRef(ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}
