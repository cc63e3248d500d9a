// Package orchestrator runs the query pipeline: cache lookup,
// embedding, SQL generation, validation, execution, explanation, and
// the audit trail that records every outcome.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ask-e9y/query-engine/internal/cache"
	"github.com/ask-e9y/query-engine/internal/executor"
	"github.com/ask-e9y/query-engine/internal/llm"
	"github.com/ask-e9y/query-engine/internal/observability"
	"github.com/ask-e9y/query-engine/internal/schema"
	"github.com/ask-e9y/query-engine/internal/storage"
)

// Pipeline stage names. These appear in stage timings, error stages,
// and the audit tables, so they are part of the external contract.
const (
	StageCacheLookup      = "cache_lookup"
	StageEmbedding        = "embedding"
	StageSimilarityLookup = "similarity_lookup"
	StageSQLGeneration    = "sql_generation"
	StageSQLValidation    = "sql_validation"
	StageSQLExecution     = "sql_execution"
	StageExplanation      = "explanation"
	StageCacheStorage     = "cache_storage"

	timingTotal = "total_time"
)

// StageError is a terminal pipeline failure. Reason is safe to show to
// the end user; Err carries the underlying cause for logs.
type StageError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return e.Stage + ": " + e.Reason + ": " + e.Err.Error()
	}
	return e.Stage + ": " + e.Reason
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ExactCache is the byte-exact cache tier.
type ExactCache interface {
	Get(ctx context.Context, naturalQuery string) (*storage.CacheEntry, error)
	Prime(ctx context.Context, entry *storage.CacheEntry)
}

// SimilarityIndex is the embedding-based cache tier.
type SimilarityIndex interface {
	Nearest(ctx context.Context, embedding []float32, threshold float64) (*cache.Neighbor, bool, error)
	Add(entry *storage.CacheEntry) error
	Touch(queryID uuid.UUID)
}

// Embedder turns query text into a vector.
type Embedder interface {
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
}

// Generator produces SQL from a question.
type Generator interface {
	GenerateSQL(ctx context.Context, question, schemaContext string) (*llm.GeneratedQuery, error)
}

// Explainer produces a plain-language description of SQL.
type Explainer interface {
	Explain(ctx context.Context, question, sql string) (*llm.Explanation, error)
}

// Validator statically checks generated SQL.
type Validator interface {
	Validate(sqlText string, snap *schema.Snapshot) error
}

// Executor runs SQL read-only.
type Executor interface {
	Execute(ctx context.Context, sqlText string) (*executor.Result, error)
}

// SchemaProvider supplies the schema snapshot.
type SchemaProvider interface {
	Snapshot(ctx context.Context) (*schema.Snapshot, error)
}

// Store persists cache writes and the audit trail.
type Store interface {
	RecordHit(ctx context.Context, hitQueryID uuid.UUID, mapping *storage.QueryIDMapping, hist *storage.QueryHistoryRecord, metrics *storage.APIMetricsRecord) error
	StoreResolved(ctx context.Context, entry *storage.CacheEntry, hist *storage.QueryHistoryRecord, metrics *storage.APIMetricsRecord) error
	RecordFailure(ctx context.Context, hist *storage.QueryHistoryRecord, metrics *storage.APIMetricsRecord) error
}

// Request is one natural-language query. MaxResults caps the rows
// returned to the caller below the executor's own ceiling; zero means
// no extra cap.
type Request struct {
	Question           string
	IncludeExplanation bool
	MaxResults         int
}

// Result is the successful outcome of a request.
type Result struct {
	QueryID      uuid.UUID            `json:"query_id"`
	RequestID    string               `json:"request_id,omitempty"`
	NaturalQuery string               `json:"natural_query"`
	CacheStatus  storage.CacheStatus  `json:"cache_status"`
	SQL          string               `json:"generated_sql,omitempty"`
	Rows         []map[string]any     `json:"rows"`
	RowCount     int                  `json:"row_count"`
	Truncated    bool                 `json:"truncated"`
	Explanation  *string              `json:"explanation,omitempty"`
	Timings      storage.StageTimings `json:"stage_timings"`
	TokenUsage   storage.TokenUsage   `json:"token_usage"`
	TotalTimeMs  float64              `json:"total_time_ms"`
}

// Config holds pipeline tuning.
type Config struct {
	SimilarityThreshold float64
	GenerationTimeout   time.Duration
	ExplanationTimeout  time.Duration
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	exact     ExactCache
	index     SimilarityIndex
	embedder  Embedder
	generator Generator
	explainer Explainer
	validator Validator
	executor  Executor
	schemas   SchemaProvider
	store     Store
	logger    *observability.Logger
	cfg       Config
}

// New creates an orchestrator.
func New(
	exact ExactCache,
	index SimilarityIndex,
	embedder Embedder,
	generator Generator,
	explainer Explainer,
	validator Validator,
	exec Executor,
	schemas SchemaProvider,
	store Store,
	logger *observability.Logger,
	cfg Config,
) *Orchestrator {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.85
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 30 * time.Second
	}
	if cfg.ExplanationTimeout <= 0 {
		cfg.ExplanationTimeout = 20 * time.Second
	}
	return &Orchestrator{
		exact:     exact,
		index:     index,
		embedder:  embedder,
		generator: generator,
		explainer: explainer,
		validator: validator,
		executor:  exec,
		schemas:   schemas,
		store:     store,
		logger:    logger,
		cfg:       cfg,
	}
}

// Normalize canonicalizes query text for cache keying: lowercase with
// runs of whitespace collapsed to single spaces.
func Normalize(question string) string {
	return strings.Join(strings.Fields(strings.ToLower(question)), " ")
}

// Handle runs one request through the pipeline. On failure the returned
// error is a *StageError; an audit record is written either way.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	timings := storage.StageTimings{}
	normalized := Normalize(req.Question)

	log := o.logger.WithContext(ctx)

	if normalized == "" {
		stageErr := &StageError{Stage: StageCacheLookup, Reason: "query text is empty"}
		o.recordFailure(ctx, normalized, "", storage.CacheStatusMiss, stageErr, timings, start, log)
		return nil, stageErr
	}

	// Tier 1: byte-exact lookup. Lookup failures degrade to a miss so a
	// flaky cache never blocks the pipeline.
	lookupStart := time.Now()
	entry, err := o.exact.Get(ctx, normalized)
	timings[StageCacheLookup] = msSince(lookupStart)
	if err != nil {
		log.Warn().Err(err).Msg("exact cache lookup failed, treating as miss")
		entry = nil
	}

	if entry != nil {
		return o.serveExactHit(ctx, req, normalized, entry, timings, start, log)
	}

	// Tier 2: embedding and similarity search. Both degrade: a request
	// that cannot be embedded just skips to generation.
	var embedding []float32
	embedStart := time.Now()
	embedding, err = o.embedder.EmbedSingle(ctx, normalized)
	timings[StageEmbedding] = msSince(embedStart)
	if err != nil {
		log.Warn().Err(err).Msg("embedding failed, skipping similarity lookup")
		embedding = nil
	}

	if embedding != nil {
		simStart := time.Now()
		neighbor, ok, err := o.index.Nearest(ctx, embedding, o.cfg.SimilarityThreshold)
		timings[StageSimilarityLookup] = msSince(simStart)
		if err != nil {
			log.Warn().Err(err).Msg("similarity lookup failed, treating as miss")
		} else if ok {
			return o.serveSimilarHit(ctx, req, normalized, neighbor, timings, start, log)
		}
	}

	return o.serveMiss(ctx, req, normalized, embedding, timings, start, log)
}

// serveExactHit re-executes the cached SQL so the caller always sees
// fresh rows, then bumps the entry counter. The response carries the
// original query_id.
func (o *Orchestrator) serveExactHit(ctx context.Context, req Request, normalized string, entry *storage.CacheEntry, timings storage.StageTimings, start time.Time, log *observability.Logger) (*Result, error) {
	execResult, stageErr := o.executeStage(ctx, entry.GeneratedSQL, req.MaxResults, timings)
	if stageErr != nil {
		o.recordFailure(ctx, normalized, entry.GeneratedSQL, storage.CacheStatusHitExact, stageErr, timings, start, log)
		return nil, stageErr
	}

	explanation := o.hitExplanation(ctx, req, normalized, entry.GeneratedSQL, entry.Explanation, timings, log)
	timings[timingTotal] = msSince(start)

	hist := &storage.QueryHistoryRecord{
		QueryID:          entry.QueryID,
		NaturalQuery:     normalized,
		GeneratedSQL:     entry.GeneratedSQL,
		ExecutionSuccess: true,
		RowCount:         execResult.RowCount,
		ExecutionTimeMs:  execResult.ExecutionTimeMs,
	}
	metrics := &storage.APIMetricsRecord{
		QueryID:         entry.QueryID,
		NaturalQuery:    normalized,
		CacheStatus:     storage.CacheStatusHitExact,
		StageTimings:    timings,
		RowCount:        execResult.RowCount,
		ExecutionTimeMs: execResult.ExecutionTimeMs,
		TotalTimeMs:     timings[timingTotal],
		Success:         true,
	}

	if err := o.store.RecordHit(ctx, entry.QueryID, nil, hist, metrics); err != nil {
		log.Error().Err(err).Msg("failed to record exact hit")
	}
	o.index.Touch(entry.QueryID)

	log.Info().
		Str("query_id", entry.QueryID.String()).
		Str("cache_status", string(storage.CacheStatusHitExact)).
		Int("row_count", execResult.RowCount).
		Msg("query served")

	return &Result{
		QueryID:      entry.QueryID,
		NaturalQuery: normalized,
		CacheStatus:  storage.CacheStatusHitExact,
		SQL:          entry.GeneratedSQL,
		Rows:         execResult.Rows,
		RowCount:     execResult.RowCount,
		Truncated:    execResult.Truncated,
		Explanation:  explanation,
		Timings:      timings,
		TotalTimeMs:  timings[timingTotal],
	}, nil
}

// hitExplanation decides what explanation a cache hit carries: the
// cached one when present, a freshly generated one when the caller asked
// and the entry has none, nothing otherwise. Generation is best effort.
func (o *Orchestrator) hitExplanation(ctx context.Context, req Request, normalized, sqlText string, cached *string, timings storage.StageTimings, log *observability.Logger) *string {
	if !req.IncludeExplanation {
		return nil
	}
	if cached != nil {
		return cached
	}

	explStart := time.Now()
	explCtx, cancel := context.WithTimeout(ctx, o.cfg.ExplanationTimeout)
	expl, err := o.explainer.Explain(explCtx, normalized, sqlText)
	cancel()
	timings[StageExplanation] = msSince(explStart)
	if err != nil {
		log.Warn().Err(err).Msg("explanation failed, continuing without it")
		return nil
	}
	return &expl.Text
}

// serveSimilarHit executes the neighbor's SQL, mints a fresh query_id,
// and maps it to the original entry. The original entry owns the usage
// counter.
func (o *Orchestrator) serveSimilarHit(ctx context.Context, req Request, normalized string, neighbor *cache.Neighbor, timings storage.StageTimings, start time.Time, log *observability.Logger) (*Result, error) {
	execResult, stageErr := o.executeStage(ctx, neighbor.GeneratedSQL, req.MaxResults, timings)
	if stageErr != nil {
		o.recordFailure(ctx, normalized, neighbor.GeneratedSQL, storage.CacheStatusHitSimilar, stageErr, timings, start, log)
		return nil, stageErr
	}

	explanation := o.hitExplanation(ctx, req, normalized, neighbor.GeneratedSQL, neighbor.Explanation, timings, log)
	timings[timingTotal] = msSince(start)

	newID := uuid.New()
	mapping := &storage.QueryIDMapping{
		NewQueryID:      newID,
		OriginalQueryID: neighbor.QueryID,
	}
	hist := &storage.QueryHistoryRecord{
		QueryID:          newID,
		NaturalQuery:     normalized,
		GeneratedSQL:     neighbor.GeneratedSQL,
		ExecutionSuccess: true,
		RowCount:         execResult.RowCount,
		ExecutionTimeMs:  execResult.ExecutionTimeMs,
	}
	metrics := &storage.APIMetricsRecord{
		QueryID:         newID,
		NaturalQuery:    normalized,
		CacheStatus:     storage.CacheStatusHitSimilar,
		StageTimings:    timings,
		RowCount:        execResult.RowCount,
		ExecutionTimeMs: execResult.ExecutionTimeMs,
		TotalTimeMs:     timings[timingTotal],
		Success:         true,
	}

	if err := o.store.RecordHit(ctx, neighbor.QueryID, mapping, hist, metrics); err != nil {
		log.Error().Err(err).Msg("failed to record similar hit")
	}
	o.index.Touch(neighbor.QueryID)

	log.Info().
		Str("query_id", newID.String()).
		Str("original_query_id", neighbor.QueryID.String()).
		Str("cache_status", string(storage.CacheStatusHitSimilar)).
		Float64("similarity", neighbor.Score).
		Msg("query served")

	return &Result{
		QueryID:      newID,
		NaturalQuery: normalized,
		CacheStatus:  storage.CacheStatusHitSimilar,
		SQL:          neighbor.GeneratedSQL,
		Rows:         execResult.Rows,
		RowCount:     execResult.RowCount,
		Truncated:    execResult.Truncated,
		Explanation:  explanation,
		Timings:      timings,
		TotalTimeMs:  timings[timingTotal],
	}, nil
}

// serveMiss runs the full pipeline: generation, validation, execution,
// explanation, cache write.
func (o *Orchestrator) serveMiss(ctx context.Context, req Request, normalized string, embedding []float32, timings storage.StageTimings, start time.Time, log *observability.Logger) (*Result, error) {
	snap, err := o.schemas.Snapshot(ctx)
	if err != nil {
		stageErr := &StageError{Stage: StageSQLGeneration, Reason: "database schema is unavailable", Err: err}
		o.recordFailure(ctx, normalized, "", storage.CacheStatusMiss, stageErr, timings, start, log)
		return nil, stageErr
	}

	genStart := time.Now()
	genCtx, cancel := context.WithTimeout(ctx, o.cfg.GenerationTimeout)
	generated, err := o.generator.GenerateSQL(genCtx, normalized, snap.PromptContext())
	cancel()
	timings[StageSQLGeneration] = msSince(genStart)
	if err != nil {
		stageErr := &StageError{Stage: StageSQLGeneration, Reason: "could not generate SQL for this question", Err: err}
		o.recordFailure(ctx, normalized, "", storage.CacheStatusMiss, stageErr, timings, start, log)
		return nil, stageErr
	}

	valStart := time.Now()
	err = o.validator.Validate(generated.SQL, snap)
	timings[StageSQLValidation] = msSince(valStart)
	if err != nil {
		stageErr := &StageError{Stage: StageSQLValidation, Reason: err.Error(), Err: err}
		o.recordFailure(ctx, normalized, generated.SQL, storage.CacheStatusMiss, stageErr, timings, start, log)
		return nil, stageErr
	}

	execResult, stageErr := o.executeStage(ctx, generated.SQL, req.MaxResults, timings)
	if stageErr != nil {
		o.recordFailure(ctx, normalized, generated.SQL, storage.CacheStatusMiss, stageErr, timings, start, log)
		return nil, stageErr
	}

	tokenUsage := generated.Usage

	// Explanation is best effort. A timeout here never fails a request
	// that already has rows.
	var explanation *string
	if req.IncludeExplanation {
		explStart := time.Now()
		explCtx, cancel := context.WithTimeout(ctx, o.cfg.ExplanationTimeout)
		expl, err := o.explainer.Explain(explCtx, normalized, generated.SQL)
		cancel()
		timings[StageExplanation] = msSince(explStart)
		if err != nil {
			log.Warn().Err(err).Msg("explanation failed, continuing without it")
		} else {
			explanation = &expl.Text
			tokenUsage.PromptTokens += expl.Usage.PromptTokens
			tokenUsage.CompletionTokens += expl.Usage.CompletionTokens
			tokenUsage.TotalTokens += expl.Usage.TotalTokens
		}
	}

	entry := &storage.CacheEntry{
		QueryID:         uuid.New(),
		NaturalQuery:    normalized,
		Embedding:       embedding,
		GeneratedSQL:    generated.SQL,
		Explanation:     explanation,
		ExecutionTimeMs: execResult.ExecutionTimeMs,
	}

	// Totals are fixed before the transactional write so the persisted
	// metrics row carries them; the storage write itself is outside the
	// total, as on the hit paths.
	timings[timingTotal] = msSince(start)

	hist := &storage.QueryHistoryRecord{
		QueryID:          entry.QueryID,
		NaturalQuery:     normalized,
		GeneratedSQL:     generated.SQL,
		ExecutionSuccess: true,
		RowCount:         execResult.RowCount,
		ExecutionTimeMs:  execResult.ExecutionTimeMs,
	}
	metrics := &storage.APIMetricsRecord{
		QueryID:         entry.QueryID,
		NaturalQuery:    normalized,
		CacheStatus:     storage.CacheStatusMiss,
		StageTimings:    timings,
		TokenUsage:      tokenUsage,
		RowCount:        execResult.RowCount,
		ExecutionTimeMs: execResult.ExecutionTimeMs,
		TotalTimeMs:     timings[timingTotal],
		Success:         true,
	}

	storeStart := time.Now()
	if err := o.store.StoreResolved(ctx, entry, hist, metrics); err != nil {
		// The caller already has a result; losing the cache write is
		// recoverable, losing the response is not.
		log.Error().Err(err).Msg("failed to store resolved query")
	} else {
		o.exact.Prime(ctx, entry)
		if embedding != nil {
			if err := o.index.Add(entry); err != nil {
				log.Warn().Err(err).Msg("failed to index new entry")
			}
		}
	}
	timings[StageCacheStorage] = msSince(storeStart)

	log.Info().
		Str("query_id", entry.QueryID.String()).
		Str("cache_status", string(storage.CacheStatusMiss)).
		Int("row_count", execResult.RowCount).
		Float64("total_time_ms", timings[timingTotal]).
		Msg("query served")

	return &Result{
		QueryID:      entry.QueryID,
		NaturalQuery: normalized,
		CacheStatus:  storage.CacheStatusMiss,
		SQL:          generated.SQL,
		Rows:         execResult.Rows,
		RowCount:     execResult.RowCount,
		Truncated:    execResult.Truncated,
		Explanation:  explanation,
		Timings:      timings,
		TokenUsage:   tokenUsage,
		TotalTimeMs:  timings[timingTotal],
	}, nil
}

func (o *Orchestrator) executeStage(ctx context.Context, sqlText string, maxResults int, timings storage.StageTimings) (*executor.Result, *StageError) {
	execStart := time.Now()
	result, err := o.executor.Execute(ctx, sqlText)
	timings[StageSQLExecution] = msSince(execStart)
	if err != nil {
		return nil, &StageError{Stage: StageSQLExecution, Reason: "query execution failed", Err: err}
	}
	if maxResults > 0 && result.RowCount > maxResults {
		result.Rows = result.Rows[:maxResults]
		result.RowCount = maxResults
		result.Truncated = true
	}
	return result, nil
}

// recordFailure writes the audit rows for a terminal failure. Failures
// get a fresh query_id so history and metrics stay joinable even when
// no cache entry exists.
func (o *Orchestrator) recordFailure(ctx context.Context, normalized, sqlText string, status storage.CacheStatus, stageErr *StageError, timings storage.StageTimings, start time.Time, log *observability.Logger) {
	timings[timingTotal] = msSince(start)

	failureID := uuid.New()
	stage := stageErr.Stage
	reason := stageErr.Reason

	hist := &storage.QueryHistoryRecord{
		QueryID:          failureID,
		NaturalQuery:     normalized,
		GeneratedSQL:     sqlText,
		ExecutionSuccess: false,
		ErrorStage:       &stage,
		ErrorReason:      &reason,
	}
	metrics := &storage.APIMetricsRecord{
		QueryID:      failureID,
		NaturalQuery: normalized,
		CacheStatus:  status,
		StageTimings: timings,
		TotalTimeMs:  timings[timingTotal],
		Success:      false,
	}

	if err := o.store.RecordFailure(ctx, hist, metrics); err != nil {
		log.Error().Err(err).Msg("failed to record failure")
	}

	log.Warn().
		Str("stage", stage).
		Str("reason", reason).
		Err(stageErr.Err).
		Msg("query failed")
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
