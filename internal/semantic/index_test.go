package semantic

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "embeddings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestUpsertAndTopKRanksBySimilarity(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "pneuma", "exact", []float32{1, 0, 0}))
	require.NoError(t, idx.Upsert(ctx, "pneuma", "close", []float32{0.9, 0.1, 0}))
	require.NoError(t, idx.Upsert(ctx, "pneuma", "orthogonal", []float32{0, 1, 0}))

	matches, err := idx.TopK(ctx, "pneuma", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "exact", matches[0].Key)
	require.Equal(t, "close", matches[1].Key)
	require.Less(t, matches[0].Distance, matches[1].Distance)
}

func TestTopKIsScopedToSlot(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "pneuma", "a", []float32{1, 0}))
	require.NoError(t, idx.Upsert(ctx, "soma", "b", []float32{1, 0}))

	matches, err := idx.TopK(ctx, "pneuma", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "a", matches[0].Key)
}

func TestUpsertReplacesExistingEmbedding(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "pneuma", "k", []float32{1, 0}))
	require.NoError(t, idx.Upsert(ctx, "pneuma", "k", []float32{0, 1}))

	matches, err := idx.TopK(ctx, "pneuma", []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.InDelta(t, 0, matches[0].Distance, 1e-6)
}

func TestDeleteRemovesEmbedding(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "pneuma", "k", []float32{1, 0}))
	require.NoError(t, idx.Delete(ctx, "pneuma", "k"))

	matches, err := idx.TopK(ctx, "pneuma", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestTopKOnEmptyIndexReturnsNoMatches(t *testing.T) {
	idx := openTestIndex(t)
	matches, err := idx.TopK(context.Background(), "pneuma", []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Empty(t, matches)
}
