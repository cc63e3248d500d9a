package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// ddl creates the engine's own tables. Business tables (organization,
// member, verification) are owned by the upstream migration tooling and
// are not managed here.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS query_cache (
		query_id UUID PRIMARY KEY,
		natural_query TEXT NOT NULL UNIQUE,
		query_embedding FLOAT8[],
		generated_sql TEXT NOT NULL,
		explanation TEXT,
		execution_count BIGINT NOT NULL DEFAULT 1,
		last_used TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		execution_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_query_cache_last_used ON query_cache (last_used)`,

	`CREATE TABLE IF NOT EXISTS query_id_mappings (
		new_query_id UUID PRIMARY KEY,
		original_query_id UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_query_id_mappings_original ON query_id_mappings (original_query_id)`,

	`CREATE TABLE IF NOT EXISTS query_history (
		id BIGSERIAL PRIMARY KEY,
		query_id UUID NOT NULL,
		natural_query TEXT NOT NULL,
		generated_sql TEXT NOT NULL DEFAULT '',
		execution_success BOOLEAN NOT NULL,
		error_stage TEXT,
		error_reason TEXT,
		row_count INTEGER NOT NULL DEFAULT 0,
		execution_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		user_feedback TEXT,
		corrected_sql TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_query_history_query_id ON query_history (query_id)`,

	`CREATE TABLE IF NOT EXISTS api_metrics (
		id BIGSERIAL PRIMARY KEY,
		query_id UUID NOT NULL,
		natural_query TEXT NOT NULL,
		cache_status TEXT NOT NULL,
		stage_timings JSONB,
		token_usage JSONB,
		row_count INTEGER NOT NULL DEFAULT 0,
		execution_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_metrics_query_id ON api_metrics (query_id)`,
	`CREATE INDEX IF NOT EXISTS idx_api_metrics_created_at ON api_metrics (created_at)`,
}

// EnsureSchema creates the engine tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
