// Package executor runs validated SQL against postgres inside
// read-only transactions.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ask-e9y/query-engine/internal/observability"
)

// Result holds the outcome of a query execution.
type Result struct {
	Rows            []map[string]any
	RowCount        int
	Truncated       bool
	ExecutionTimeMs float64
}

// Executor runs statements inside read-only transactions with a
// statement timeout and a row ceiling. Validation is a separate layer;
// the read-only transaction is the backstop if anything slips past it.
type Executor struct {
	db      *sql.DB
	logger  *observability.Logger
	maxRows int
	timeout time.Duration
}

// Config holds execution limits.
type Config struct {
	MaxRows          int
	StatementTimeout time.Duration
}

// New creates an executor.
func New(db *sql.DB, logger *observability.Logger, cfg Config) *Executor {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 100
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = 15 * time.Second
	}
	return &Executor{
		db:      db,
		logger:  logger,
		maxRows: cfg.MaxRows,
		timeout: cfg.StatementTimeout,
	}
}

// Execute runs the statement and returns up to MaxRows rows. One extra
// row is fetched to detect truncation without counting the full result.
func (e *Executor) Execute(ctx context.Context, sqlText string) (*Result, error) {
	start := time.Now()

	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer tx.Rollback()

	timeoutMs := e.timeout.Milliseconds()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeoutMs)); err != nil {
		return nil, fmt.Errorf("set statement timeout: %w", err)
	}

	rows, err := tx.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	result := &Result{Rows: make([]map[string]any, 0, e.maxRows)}

	for rows.Next() {
		if len(result.Rows) >= e.maxRows {
			result.Truncated = true
			break
		}

		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	result.RowCount = len(result.Rows)
	result.ExecutionTimeMs = float64(time.Since(start).Microseconds()) / 1000.0

	e.logger.Debug().
		Int("row_count", result.RowCount).
		Bool("truncated", result.Truncated).
		Float64("execution_time_ms", result.ExecutionTimeMs).
		Msg("query executed")

	return result, nil
}

// normalizeValue makes driver values JSON-friendly. lib/pq returns text
// columns as []byte.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return v
	}
}
