package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// DB represents a database connection interface. Both *sql.DB and
// *sql.Tx satisfy it, so repository methods run inside or outside a
// transaction.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func embeddingToArray(v []float32) interface{} {
	if v == nil {
		return nil
	}
	arr := make(pq.Float64Array, len(v))
	for i, x := range v {
		arr[i] = float64(x)
	}
	return arr
}

func arrayToEmbedding(arr pq.Float64Array) []float32 {
	if arr == nil {
		return nil
	}
	v := make([]float32, len(arr))
	for i, x := range arr {
		v[i] = float32(x)
	}
	return v
}

// CacheRepository handles query_cache rows.
type CacheRepository struct {
	db DB
}

// NewCacheRepository creates a new cache repository.
func NewCacheRepository(db DB) *CacheRepository {
	return &CacheRepository{db: db}
}

const cacheColumns = `query_id, natural_query, query_embedding, generated_sql, explanation,
		execution_count, last_used, execution_time_ms, created_at`

func scanCacheEntry(row interface{ Scan(...interface{}) error }) (*CacheEntry, error) {
	entry := &CacheEntry{}
	var emb pq.Float64Array
	err := row.Scan(
		&entry.QueryID, &entry.NaturalQuery, &emb, &entry.GeneratedSQL, &entry.Explanation,
		&entry.ExecutionCount, &entry.LastUsed, &entry.ExecutionTimeMs, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	entry.Embedding = arrayToEmbedding(emb)
	return entry, nil
}

// GetByNaturalQuery retrieves an entry by its byte-exact natural query.
// When maxAge is non-zero, entries whose last_used is older count as
// misses: staleness tracking without deletion.
func (r *CacheRepository) GetByNaturalQuery(ctx context.Context, naturalQuery string, maxAge time.Duration) (*CacheEntry, error) {
	return getCacheEntry(ctx, r.db, naturalQuery, maxAge)
}

func getCacheEntry(ctx context.Context, db DB, naturalQuery string, maxAge time.Duration) (*CacheEntry, error) {
	query := `SELECT ` + cacheColumns + ` FROM query_cache WHERE natural_query = $1`
	args := []interface{}{naturalQuery}

	if maxAge > 0 {
		query += ` AND last_used >= $2`
		args = append(args, time.Now().Add(-maxAge))
	}

	entry, err := scanCacheEntry(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

// Upsert inserts an entry or, when natural_query already exists, updates
// the row in place and bumps its usage counter. The update is a single
// statement so concurrent upserts of the same query never lose counts.
func (r *CacheRepository) Upsert(ctx context.Context, entry *CacheEntry) error {
	return upsertCacheEntry(ctx, r.db, entry)
}

func upsertCacheEntry(ctx context.Context, db DB, entry *CacheEntry) error {
	if entry.QueryID == uuid.Nil {
		entry.QueryID = uuid.New()
	}

	query := `
		INSERT INTO query_cache
			(query_id, natural_query, query_embedding, generated_sql, explanation, execution_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (natural_query) DO UPDATE
		SET generated_sql = EXCLUDED.generated_sql,
			explanation = EXCLUDED.explanation,
			execution_time_ms = EXCLUDED.execution_time_ms,
			execution_count = query_cache.execution_count + 1,
			last_used = CURRENT_TIMESTAMP
		RETURNING query_id, execution_count, last_used, created_at
	`
	err := db.QueryRowContext(ctx, query,
		entry.QueryID, entry.NaturalQuery, embeddingToArray(entry.Embedding),
		entry.GeneratedSQL, entry.Explanation, entry.ExecutionTimeMs,
	).Scan(&entry.QueryID, &entry.ExecutionCount, &entry.LastUsed, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Touch atomically increments execution_count and refreshes last_used
// for the entry owning queryID.
func (r *CacheRepository) Touch(ctx context.Context, queryID uuid.UUID) error {
	return touchCacheEntry(ctx, r.db, queryID)
}

func touchCacheEntry(ctx context.Context, db DB, queryID uuid.UUID) error {
	query := `
		UPDATE query_cache
		SET execution_count = execution_count + 1,
			last_used = CURRENT_TIMESTAMP
		WHERE query_id = $1
	`
	result, err := db.ExecContext(ctx, query, queryID)
	if err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWithEmbeddings returns all entries carrying an embedding, used to
// warm the similarity index at startup. Entries without embeddings are
// excluded from similarity search entirely.
func (r *CacheRepository) ListWithEmbeddings(ctx context.Context) ([]*CacheEntry, error) {
	query := `
		SELECT ` + cacheColumns + `
		FROM query_cache
		WHERE query_embedding IS NOT NULL
		ORDER BY last_used DESC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*CacheEntry
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MappingRepository handles query_id_mappings rows.
type MappingRepository struct {
	db DB
}

// NewMappingRepository creates a new mapping repository.
func NewMappingRepository(db DB) *MappingRepository {
	return &MappingRepository{db: db}
}

// Create records that newQueryID resolved to originalQueryID via
// similarity match. Replays of the same new ID are no-ops.
func (r *MappingRepository) Create(ctx context.Context, mapping *QueryIDMapping) error {
	return createMapping(ctx, r.db, mapping)
}

func createMapping(ctx context.Context, db DB, mapping *QueryIDMapping) error {
	query := `
		INSERT INTO query_id_mappings (new_query_id, original_query_id)
		VALUES ($1, $2)
		ON CONFLICT (new_query_id) DO NOTHING
	`
	_, err := db.ExecContext(ctx, query, mapping.NewQueryID, mapping.OriginalQueryID)
	if err != nil {
		return fmt.Errorf("create query id mapping: %w", err)
	}
	return nil
}

// Resolve returns the original query ID a mapped ID points to, or
// ErrNotFound when the ID was never mapped.
func (r *MappingRepository) Resolve(ctx context.Context, newQueryID uuid.UUID) (uuid.UUID, error) {
	query := `SELECT original_query_id FROM query_id_mappings WHERE new_query_id = $1`
	var original uuid.UUID
	err := r.db.QueryRowContext(ctx, query, newQueryID).Scan(&original)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return original, err
}

// HistoryRepository handles query_history rows.
type HistoryRepository struct {
	db DB
}

// NewHistoryRepository creates a new history repository.
func NewHistoryRepository(db DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append writes one history record.
func (r *HistoryRepository) Append(ctx context.Context, rec *QueryHistoryRecord) error {
	return appendHistory(ctx, r.db, rec)
}

func appendHistory(ctx context.Context, db DB, rec *QueryHistoryRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO query_history
			(query_id, natural_query, generated_sql, execution_success, error_stage,
			error_reason, row_count, execution_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := db.QueryRowContext(ctx, query,
		rec.QueryID, rec.NaturalQuery, rec.GeneratedSQL, rec.ExecutionSuccess,
		rec.ErrorStage, rec.ErrorReason, rec.RowCount, rec.ExecutionTimeMs, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("append query history: %w", err)
	}
	return nil
}

// AttachFeedback attaches user feedback to the history rows of a query.
func (r *HistoryRepository) AttachFeedback(ctx context.Context, queryID uuid.UUID, feedback, correctedSQL *string) error {
	query := `
		UPDATE query_history
		SET user_feedback = $1,
			corrected_sql = $2
		WHERE query_id = $3
	`
	result, err := r.db.ExecContext(ctx, query, feedback, correctedSQL, queryID)
	if err != nil {
		return fmt.Errorf("attach feedback: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MetricsRepository handles api_metrics rows.
type MetricsRepository struct {
	db DB
}

// NewMetricsRepository creates a new metrics repository.
func NewMetricsRepository(db DB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

// Append writes one metrics record.
func (r *MetricsRepository) Append(ctx context.Context, rec *APIMetricsRecord) error {
	return appendMetrics(ctx, r.db, rec)
}

func appendMetrics(ctx context.Context, db DB, rec *APIMetricsRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO api_metrics
			(query_id, natural_query, cache_status, stage_timings, token_usage,
			row_count, execution_time_ms, total_time_ms, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	err := db.QueryRowContext(ctx, query,
		rec.QueryID, rec.NaturalQuery, rec.CacheStatus, rec.StageTimings, rec.TokenUsage,
		rec.RowCount, rec.ExecutionTimeMs, rec.TotalTimeMs, rec.Success, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("append api metrics: %w", err)
	}
	return nil
}

// Recent returns the most recent metrics records, newest first.
func (r *MetricsRepository) Recent(ctx context.Context, limit int) ([]*APIMetricsRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, query_id, natural_query, cache_status, stage_timings, token_usage,
			row_count, execution_time_ms, total_time_ms, success, created_at
		FROM api_metrics
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*APIMetricsRecord
	for rows.Next() {
		rec := &APIMetricsRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.QueryID, &rec.NaturalQuery, &rec.CacheStatus, &rec.StageTimings,
			&rec.TokenUsage, &rec.RowCount, &rec.ExecutionTimeMs, &rec.TotalTimeMs,
			&rec.Success, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Store bundles the repositories and provides the transactional writes
// that keep cache state and the audit trail from diverging.
type Store struct {
	db       *sql.DB
	Cache    *CacheRepository
	Mappings *MappingRepository
	History  *HistoryRepository
	Metrics  *MetricsRepository
}

// NewStore creates a Store over the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:       db,
		Cache:    NewCacheRepository(db),
		Mappings: NewMappingRepository(db),
		History:  NewHistoryRepository(db),
		Metrics:  NewMetricsRepository(db),
	}
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RecordHit serializes a cache hit: counter touch on the hit entry, the
// optional similarity mapping, and the history and metrics rows commit
// together.
func (s *Store) RecordHit(ctx context.Context, hitQueryID uuid.UUID, mapping *QueryIDMapping, hist *QueryHistoryRecord, metrics *APIMetricsRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchCacheEntry(ctx, tx, hitQueryID); err != nil {
			return err
		}
		if mapping != nil {
			if err := createMapping(ctx, tx, mapping); err != nil {
				return err
			}
		}
		if err := appendHistory(ctx, tx, hist); err != nil {
			return err
		}
		return appendMetrics(ctx, tx, metrics)
	})
}

// StoreResolved persists a newly resolved query: the cache entry upsert
// and the audit rows commit together.
func (s *Store) StoreResolved(ctx context.Context, entry *CacheEntry, hist *QueryHistoryRecord, metrics *APIMetricsRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertCacheEntry(ctx, tx, entry); err != nil {
			return err
		}
		if err := appendHistory(ctx, tx, hist); err != nil {
			return err
		}
		return appendMetrics(ctx, tx, metrics)
	})
}

// RecordFailure logs a failed request. No cache rows are written, but
// history and metrics still commit together so no failure disappears.
func (s *Store) RecordFailure(ctx context.Context, hist *QueryHistoryRecord, metrics *APIMetricsRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := appendHistory(ctx, tx, hist); err != nil {
			return err
		}
		return appendMetrics(ctx, tx, metrics)
	})
}

// DBHandle exposes the underlying handle for components that manage
// their own transactions (executor, schema provider).
func (s *Store) DBHandle() *sql.DB {
	return s.db
}
