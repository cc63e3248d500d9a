package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ask-e9y/query-engine/internal/storage"
)

// ErrDimensionMismatch indicates an embedding of the wrong length.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Neighbor is a similarity-search result.
type Neighbor struct {
	QueryID      uuid.UUID
	NaturalQuery string
	GeneratedSQL string
	Explanation  *string
	Score        float64
}

// SimilarityIndex is an in-memory cosine-similarity index over cached
// query embeddings. Vectors are normalized on insert, so similarity is
// a plain dot product. Entries that never got an embedding are simply
// absent from the index rather than matching with zero similarity.
type SimilarityIndex struct {
	mu        sync.RWMutex
	dimension int
	maxAge    time.Duration
	entries   map[uuid.UUID]indexedEntry
}

type indexedEntry struct {
	vector       []float32
	naturalQuery string
	generatedSQL string
	explanation  *string
	lastUsed     time.Time
}

// SimilarityIndexConfig configures the index.
type SimilarityIndexConfig struct {
	// Dimension is fixed by the embedding provider.
	Dimension int
	// MaxAge excludes entries older than this from search. Zero disables it.
	MaxAge time.Duration
}

// NewSimilarityIndex creates an empty index.
func NewSimilarityIndex(cfg SimilarityIndexConfig) *SimilarityIndex {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	return &SimilarityIndex{
		dimension: cfg.Dimension,
		maxAge:    cfg.MaxAge,
		entries:   make(map[uuid.UUID]indexedEntry),
	}
}

// Warm loads existing cache entries into the index. Entries without an
// embedding or with the wrong dimension are skipped.
func (idx *SimilarityIndex) Warm(entries []*storage.CacheEntry) int {
	loaded := 0
	for _, e := range entries {
		if err := idx.Add(e); err == nil {
			loaded++
		}
	}
	return loaded
}

// Add inserts or replaces the vector for a cache entry.
func (idx *SimilarityIndex) Add(entry *storage.CacheEntry) error {
	if len(entry.Embedding) == 0 {
		return errors.New("entry has no embedding")
	}
	if len(entry.Embedding) != idx.dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, idx.dimension, len(entry.Embedding))
	}

	lastUsed := entry.LastUsed
	if lastUsed.IsZero() {
		lastUsed = time.Now()
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries[entry.QueryID] = indexedEntry{
		vector:       normalizeVector(entry.Embedding),
		naturalQuery: entry.NaturalQuery,
		generatedSQL: entry.GeneratedSQL,
		explanation:  entry.Explanation,
		lastUsed:     lastUsed,
	}
	return nil
}

// Touch refreshes the staleness clock for an entry after a hit.
func (idx *SimilarityIndex) Touch(queryID uuid.UUID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if e, ok := idx.entries[queryID]; ok {
		e.lastUsed = time.Now()
		idx.entries[queryID] = e
	}
}

// Nearest returns the single highest-similarity entry whose score is at
// or above threshold. The boundary is inclusive: score == threshold is
// a hit. ok is false when nothing clears the threshold.
func (idx *SimilarityIndex) Nearest(ctx context.Context, embedding []float32, threshold float64) (*Neighbor, bool, error) {
	if len(embedding) != idx.dimension {
		return nil, false, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, idx.dimension, len(embedding))
	}

	query := normalizeVector(embedding)
	cutoff := time.Time{}
	if idx.maxAge > 0 {
		cutoff = time.Now().Add(-idx.maxAge)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var best *Neighbor
	for id, e := range idx.entries {
		if !cutoff.IsZero() && e.lastUsed.Before(cutoff) {
			continue
		}
		score := dotProduct(query, e.vector)
		if score < threshold {
			continue
		}
		if best == nil || score > best.Score {
			best = &Neighbor{
				QueryID:      id,
				NaturalQuery: e.naturalQuery,
				GeneratedSQL: e.generatedSQL,
				Explanation:  e.explanation,
				Score:        score,
			}
		}
	}

	if best == nil {
		return nil, false, nil
	}
	return best, true, nil
}

// Len returns the number of indexed entries.
func (idx *SimilarityIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// dotProduct computes cosine similarity for normalized vectors, clamped
// against floating point drift.
func dotProduct(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	if dot > 1 {
		dot = 1
	} else if dot < -1 {
		dot = -1
	}
	return dot
}

// normalizeVector returns a unit vector.
func normalizeVector(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)

	if norm == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, x := range v {
		normalized[i] = float32(float64(x) / norm)
	}
	return normalized
}
