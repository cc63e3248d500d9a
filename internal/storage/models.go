// Package storage provides database models and repositories for the query engine.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CacheStatus records how a request was resolved against the query cache.
type CacheStatus string

const (
	CacheStatusHitExact   CacheStatus = "hit-exact"
	CacheStatusHitSimilar CacheStatus = "hit-similar"
	CacheStatusMiss       CacheStatus = "miss"
)

// CacheEntry represents one previously resolved natural-language query.
// NaturalQuery is unique; QueryID is immutable once assigned and is the
// join key for history and metrics records.
type CacheEntry struct {
	QueryID         uuid.UUID `json:"query_id" db:"query_id"`
	NaturalQuery    string    `json:"natural_query" db:"natural_query"`
	Embedding       []float32 `json:"-" db:"query_embedding"` // nil when embedding generation failed
	GeneratedSQL    string    `json:"generated_sql" db:"generated_sql"`
	Explanation     *string   `json:"explanation,omitempty" db:"explanation"`
	ExecutionCount  int64     `json:"execution_count" db:"execution_count"`
	LastUsed        time.Time `json:"last_used" db:"last_used"`
	ExecutionTimeMs float64   `json:"execution_time_ms" db:"execution_time_ms"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// QueryIDMapping records that a freshly minted query ID resolved to an
// existing cache entry via similarity match. Many mappings may point to
// one original.
type QueryIDMapping struct {
	NewQueryID      uuid.UUID `json:"new_query_id" db:"new_query_id"`
	OriginalQueryID uuid.UUID `json:"original_query_id" db:"original_query_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// QueryHistoryRecord is an append-only log of every query attempt.
// Only user_feedback and corrected_sql may be attached after creation.
type QueryHistoryRecord struct {
	ID               int64     `json:"id" db:"id"`
	QueryID          uuid.UUID `json:"query_id" db:"query_id"`
	NaturalQuery     string    `json:"natural_query" db:"natural_query"`
	GeneratedSQL     string    `json:"generated_sql" db:"generated_sql"`
	ExecutionSuccess bool      `json:"execution_success" db:"execution_success"`
	ErrorStage       *string   `json:"error_stage,omitempty" db:"error_stage"`
	ErrorReason      *string   `json:"error_reason,omitempty" db:"error_reason"`
	RowCount         int       `json:"row_count" db:"row_count"`
	ExecutionTimeMs  float64   `json:"execution_time_ms" db:"execution_time_ms"`
	UserFeedback     *string   `json:"user_feedback,omitempty" db:"user_feedback"`
	CorrectedSQL     *string   `json:"corrected_sql,omitempty" db:"corrected_sql"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// StageTimings maps pipeline stage names to elapsed milliseconds.
// Stored as jsonb.
type StageTimings map[string]float64

// Value implements driver.Valuer.
func (t StageTimings) Value() (driver.Value, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

// Scan implements sql.Scanner.
func (t *StageTimings) Scan(src interface{}) error {
	if src == nil {
		*t = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	default:
		return fmt.Errorf("unsupported stage_timings type %T", src)
	}
}

// TokenUsage records LLM token consumption for one request. Stored as jsonb.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Value implements driver.Valuer.
func (u TokenUsage) Value() (driver.Value, error) {
	return json.Marshal(u)
}

// Scan implements sql.Scanner.
func (u *TokenUsage) Scan(src interface{}) error {
	if src == nil {
		*u = TokenUsage{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, u)
	case string:
		return json.Unmarshal([]byte(v), u)
	default:
		return fmt.Errorf("unsupported token_usage type %T", src)
	}
}

// APIMetricsRecord is append-only per-request telemetry. One row is
// written for every request outcome, success or failure.
type APIMetricsRecord struct {
	ID              int64        `json:"id" db:"id"`
	QueryID         uuid.UUID    `json:"query_id" db:"query_id"`
	NaturalQuery    string       `json:"natural_query" db:"natural_query"`
	CacheStatus     CacheStatus  `json:"cache_status" db:"cache_status"`
	StageTimings    StageTimings `json:"stage_timings" db:"stage_timings"`
	TokenUsage      TokenUsage   `json:"token_usage" db:"token_usage"`
	RowCount        int          `json:"row_count" db:"row_count"`
	ExecutionTimeMs float64      `json:"execution_time_ms" db:"execution_time_ms"`
	TotalTimeMs     float64      `json:"total_time_ms" db:"total_time_ms"`
	Success         bool         `json:"success" db:"success"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
}
