package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ask-e9y/query-engine/internal/storage"
)

func entryWithVector(query string, vec []float32) *storage.CacheEntry {
	return &storage.CacheEntry{
		QueryID:      uuid.New(),
		NaturalQuery: query,
		Embedding:    vec,
		GeneratedSQL: "SELECT 1",
		LastUsed:     time.Now(),
	}
}

func TestNearestReturnsBestMatch(t *testing.T) {
	idx := NewSimilarityIndex(SimilarityIndexConfig{Dimension: 3})

	close := entryWithVector("how many members", []float32{1, 0.1, 0})
	far := entryWithVector("list organizations", []float32{0, 1, 0})
	require.NoError(t, idx.Add(close))
	require.NoError(t, idx.Add(far))

	neighbor, ok, err := idx.Nearest(context.Background(), []float32{1, 0, 0}, 0.85)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, close.QueryID, neighbor.QueryID)
	assert.Equal(t, "SELECT 1", neighbor.GeneratedSQL)
	assert.Greater(t, neighbor.Score, 0.85)
}

func TestNearestThresholdIsInclusive(t *testing.T) {
	idx := NewSimilarityIndex(SimilarityIndexConfig{Dimension: 2})

	entry := entryWithVector("a", []float32{1, 0})
	require.NoError(t, idx.Add(entry))

	// Identical vectors score exactly 1.0, so a threshold of 1.0 must
	// still match.
	neighbor, ok, err := idx.Nearest(context.Background(), []float32{1, 0}, 1.0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 1.0, neighbor.Score, 1e-9)
}

func TestNearestMissesBelowThreshold(t *testing.T) {
	idx := NewSimilarityIndex(SimilarityIndexConfig{Dimension: 2})

	require.NoError(t, idx.Add(entryWithVector("a", []float32{1, 0})))

	// Orthogonal vectors score 0.
	_, ok, err := idx.Nearest(context.Background(), []float32{0, 1}, 0.85)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddRejectsMissingOrMismatchedEmbeddings(t *testing.T) {
	idx := NewSimilarityIndex(SimilarityIndexConfig{Dimension: 3})

	noVec := entryWithVector("a", nil)
	assert.Error(t, idx.Add(noVec))

	wrongDim := entryWithVector("b", []float32{1, 0})
	err := idx.Add(wrongDim)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	assert.Equal(t, 0, idx.Len())
}

func TestNearestRejectsDimensionMismatch(t *testing.T) {
	idx := NewSimilarityIndex(SimilarityIndexConfig{Dimension: 3})

	_, _, err := idx.Nearest(context.Background(), []float32{1, 0}, 0.85)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestNearestSkipsStaleEntries(t *testing.T) {
	idx := NewSimilarityIndex(SimilarityIndexConfig{Dimension: 2, MaxAge: time.Hour})

	stale := entryWithVector("old", []float32{1, 0})
	stale.LastUsed = time.Now().Add(-2 * time.Hour)
	require.NoError(t, idx.Add(stale))

	_, ok, err := idx.Nearest(context.Background(), []float32{1, 0}, 0.85)
	require.NoError(t, err)
	assert.False(t, ok)

	// A touch brings it back into the search window.
	idx.Touch(stale.QueryID)
	_, ok, err = idx.Nearest(context.Background(), []float32{1, 0}, 0.85)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWarmSkipsEntriesWithoutEmbeddings(t *testing.T) {
	idx := NewSimilarityIndex(SimilarityIndexConfig{Dimension: 2})

	entries := []*storage.CacheEntry{
		entryWithVector("a", []float32{1, 0}),
		entryWithVector("b", nil),
		entryWithVector("c", []float32{0, 1}),
	}

	loaded := idx.Warm(entries)
	assert.Equal(t, 2, loaded)
	assert.Equal(t, 2, idx.Len())
}
