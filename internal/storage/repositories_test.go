package storage

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB starts a throwaway PostgreSQL container and applies the
// schema. Tests that need it skip when Docker is unavailable.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if !isDockerAvailable() {
		t.Skip("Docker not available")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("query_engine_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/query_engine_test?sslmode=disable",
		host, port.Port())

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, db.PingContext(pingCtx))

	require.NoError(t, EnsureSchema(ctx, db))
	return db
}

func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.Client().Ping(ctx)
	return err == nil
}

func TestCacheRepositoryUpsertAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCacheRepository(db)
	ctx := context.Background()

	explanation := "Counts all members."
	entry := &CacheEntry{
		NaturalQuery:    "how many members are there?",
		Embedding:       []float32{0.1, 0.2, 0.3},
		GeneratedSQL:    "SELECT count(*) FROM member",
		Explanation:     &explanation,
		ExecutionTimeMs: 4.2,
	}
	require.NoError(t, repo.Upsert(ctx, entry))
	assert.NotEqual(t, uuid.Nil, entry.QueryID)
	assert.Equal(t, int64(1), entry.ExecutionCount)
	firstID := entry.QueryID

	got, err := repo.GetByNaturalQuery(ctx, "how many members are there?", 0)
	require.NoError(t, err)
	assert.Equal(t, firstID, got.QueryID)
	assert.Equal(t, entry.GeneratedSQL, got.GeneratedSQL)
	require.NotNil(t, got.Explanation)
	assert.Equal(t, explanation, *got.Explanation)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, got.Embedding, 1e-6)

	// Upserting the same natural query keeps the id and bumps the counter.
	second := &CacheEntry{
		NaturalQuery: "how many members are there?",
		GeneratedSQL: "SELECT count(*) FROM member WHERE active",
	}
	require.NoError(t, repo.Upsert(ctx, second))
	assert.Equal(t, firstID, second.QueryID)
	assert.Equal(t, int64(2), second.ExecutionCount)

	_, err = repo.GetByNaturalQuery(ctx, "never asked", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheRepositoryMaxAge(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCacheRepository(db)
	ctx := context.Background()

	entry := &CacheEntry{
		NaturalQuery: "stale question",
		GeneratedSQL: "SELECT 1",
	}
	require.NoError(t, repo.Upsert(ctx, entry))

	_, err := db.ExecContext(ctx,
		`UPDATE query_cache SET last_used = CURRENT_TIMESTAMP - INTERVAL '2 days' WHERE query_id = $1`,
		entry.QueryID)
	require.NoError(t, err)

	// A fresh window misses the aged entry; no window still finds it.
	_, err = repo.GetByNaturalQuery(ctx, "stale question", 24*time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := repo.GetByNaturalQuery(ctx, "stale question", 0)
	require.NoError(t, err)
	assert.Equal(t, entry.QueryID, got.QueryID)
}

func TestCacheRepositoryTouch(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCacheRepository(db)
	ctx := context.Background()

	entry := &CacheEntry{
		NaturalQuery: "touch me",
		GeneratedSQL: "SELECT 1",
	}
	require.NoError(t, repo.Upsert(ctx, entry))

	require.NoError(t, repo.Touch(ctx, entry.QueryID))
	require.NoError(t, repo.Touch(ctx, entry.QueryID))

	got, err := repo.GetByNaturalQuery(ctx, "touch me", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.ExecutionCount)

	assert.ErrorIs(t, repo.Touch(ctx, uuid.New()), ErrNotFound)
}

func TestCacheRepositoryListWithEmbeddings(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCacheRepository(db)
	ctx := context.Background()

	withEmbedding := &CacheEntry{
		NaturalQuery: "embedded question",
		Embedding:    []float32{1, 0},
		GeneratedSQL: "SELECT 1",
	}
	withoutEmbedding := &CacheEntry{
		NaturalQuery: "plain question",
		GeneratedSQL: "SELECT 2",
	}
	require.NoError(t, repo.Upsert(ctx, withEmbedding))
	require.NoError(t, repo.Upsert(ctx, withoutEmbedding))

	entries, err := repo.ListWithEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, withEmbedding.QueryID, entries[0].QueryID)
}

func TestMappingRepository(t *testing.T) {
	db := setupTestDB(t)
	cacheRepo := NewCacheRepository(db)
	repo := NewMappingRepository(db)
	ctx := context.Background()

	original := &CacheEntry{NaturalQuery: "original", GeneratedSQL: "SELECT 1"}
	require.NoError(t, cacheRepo.Upsert(ctx, original))

	mapping := &QueryIDMapping{
		NewQueryID:      uuid.New(),
		OriginalQueryID: original.QueryID,
	}
	require.NoError(t, repo.Create(ctx, mapping))

	resolved, err := repo.Resolve(ctx, mapping.NewQueryID)
	require.NoError(t, err)
	assert.Equal(t, original.QueryID, resolved)

	// Replaying the same mapping is a no-op, not an error.
	require.NoError(t, repo.Create(ctx, mapping))

	_, err = repo.Resolve(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryRepositoryAppendAndFeedback(t *testing.T) {
	db := setupTestDB(t)
	repo := NewHistoryRepository(db)
	ctx := context.Background()

	rec := &QueryHistoryRecord{
		QueryID:          uuid.New(),
		NaturalQuery:     "how many members",
		GeneratedSQL:     "SELECT count(*) FROM member",
		ExecutionSuccess: true,
		RowCount:         1,
		ExecutionTimeMs:  2.5,
	}
	require.NoError(t, repo.Append(ctx, rec))
	assert.NotZero(t, rec.ID)

	feedback := "wrong table"
	corrected := "SELECT count(*) FROM members"
	require.NoError(t, repo.AttachFeedback(ctx, rec.QueryID, &feedback, &corrected))

	var gotFeedback, gotCorrected sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT user_feedback, corrected_sql FROM query_history WHERE id = $1`,
		rec.ID).Scan(&gotFeedback, &gotCorrected)
	require.NoError(t, err)
	assert.Equal(t, feedback, gotFeedback.String)
	assert.Equal(t, corrected, gotCorrected.String)

	assert.ErrorIs(t, repo.AttachFeedback(ctx, uuid.New(), &feedback, nil), ErrNotFound)
}

func TestMetricsRepositoryAppendAndRecent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMetricsRepository(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := &APIMetricsRecord{
			QueryID:      uuid.New(),
			NaturalQuery: fmt.Sprintf("question %d", i),
			CacheStatus:  CacheStatusMiss,
			StageTimings: StageTimings{"sql_generation": 120.5, "total_time": 130.0},
			TokenUsage:   TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
			RowCount:     i,
			TotalTimeMs:  130.0,
			Success:      true,
			CreatedAt:    time.Now().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, repo.Append(ctx, rec))
	}

	records, err := repo.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest first, jsonb columns round-trip.
	assert.Equal(t, "question 2", records[0].NaturalQuery)
	assert.Equal(t, CacheStatusMiss, records[0].CacheStatus)
	assert.InDelta(t, 120.5, records[0].StageTimings["sql_generation"], 1e-9)
	assert.Equal(t, 120, records[0].TokenUsage.TotalTokens)
}

func TestStoreRecordHit(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	entry := &CacheEntry{NaturalQuery: "hit question", GeneratedSQL: "SELECT 1"}
	require.NoError(t, store.Cache.Upsert(ctx, entry))

	newID := uuid.New()
	mapping := &QueryIDMapping{NewQueryID: newID, OriginalQueryID: entry.QueryID}
	hist := &QueryHistoryRecord{
		QueryID:          newID,
		NaturalQuery:     "similar phrasing",
		GeneratedSQL:     "SELECT 1",
		ExecutionSuccess: true,
	}
	metrics := &APIMetricsRecord{
		QueryID:      newID,
		NaturalQuery: "similar phrasing",
		CacheStatus:  CacheStatusHitSimilar,
		Success:      true,
	}
	require.NoError(t, store.RecordHit(ctx, entry.QueryID, mapping, hist, metrics))

	got, err := store.Cache.GetByNaturalQuery(ctx, "hit question", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ExecutionCount)

	resolved, err := store.Mappings.Resolve(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, entry.QueryID, resolved)
}

func TestStoreRecordHitRollsBackTogether(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	// Touching a nonexistent entry fails the transaction; neither the
	// history nor the metrics row may survive.
	missingID := uuid.New()
	hist := &QueryHistoryRecord{QueryID: missingID, NaturalQuery: "q", GeneratedSQL: "SELECT 1"}
	metrics := &APIMetricsRecord{QueryID: missingID, NaturalQuery: "q", CacheStatus: CacheStatusHitExact}

	err := store.RecordHit(ctx, missingID, nil, hist, metrics)
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM query_history WHERE query_id = $1`, missingID).Scan(&count))
	assert.Zero(t, count)

	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM api_metrics WHERE query_id = $1`, missingID).Scan(&count))
	assert.Zero(t, count)
}

func TestStoreStoreResolved(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	entry := &CacheEntry{
		QueryID:      uuid.New(),
		NaturalQuery: "resolved question",
		Embedding:    []float32{0.5, 0.5},
		GeneratedSQL: "SELECT count(*) FROM member",
	}
	hist := &QueryHistoryRecord{
		QueryID:          entry.QueryID,
		NaturalQuery:     entry.NaturalQuery,
		GeneratedSQL:     entry.GeneratedSQL,
		ExecutionSuccess: true,
	}
	metrics := &APIMetricsRecord{
		QueryID:      entry.QueryID,
		NaturalQuery: entry.NaturalQuery,
		CacheStatus:  CacheStatusMiss,
		Success:      true,
	}
	require.NoError(t, store.StoreResolved(ctx, entry, hist, metrics))

	got, err := store.Cache.GetByNaturalQuery(ctx, "resolved question", 0)
	require.NoError(t, err)
	assert.Equal(t, entry.QueryID, got.QueryID)
	assert.NotZero(t, hist.ID)
	assert.NotZero(t, metrics.ID)
}

func TestStoreRecordFailure(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	stage := "sql_validation"
	reason := "only SELECT statements are allowed"
	failureID := uuid.New()
	hist := &QueryHistoryRecord{
		QueryID:      failureID,
		NaturalQuery: "drop everything",
		GeneratedSQL: "DROP TABLE member",
		ErrorStage:   &stage,
		ErrorReason:  &reason,
	}
	metrics := &APIMetricsRecord{
		QueryID:      failureID,
		NaturalQuery: "drop everything",
		CacheStatus:  CacheStatusMiss,
		Success:      false,
	}
	require.NoError(t, store.RecordFailure(ctx, hist, metrics))

	// No cache entry appears for a failure.
	_, err := store.Cache.GetByNaturalQuery(ctx, "drop everything", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	records, err := store.Metrics.Recent(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.False(t, records[0].Success)
}
