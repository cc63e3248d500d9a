package handlers

import (
	"net/http"
	"strconv"

	"github.com/ask-e9y/query-engine/internal/observability"
	"github.com/ask-e9y/query-engine/internal/storage"
)

// MetricsHandler exposes recent request telemetry.
type MetricsHandler struct {
	logger  *observability.Logger
	metrics *storage.MetricsRepository
}

// NewMetricsHandler creates a metrics handler.
func NewMetricsHandler(logger *observability.Logger, metrics *storage.MetricsRepository) *MetricsHandler {
	return &MetricsHandler{
		logger:  logger,
		metrics: metrics,
	}
}

// Recent handles GET /api/metrics/recent.
func (h *MetricsHandler) Recent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 500 {
			writeError(w, http.StatusBadRequest, QueryErrorDTO{Error: "limit must be between 1 and 500"})
			return
		}
		limit = parsed
	}

	records, err := h.metrics.Recent(ctx, limit)
	if err != nil {
		h.logger.WithContext(ctx).Error().Err(err).Msg("failed to load recent metrics")
		writeError(w, http.StatusInternalServerError, QueryErrorDTO{Error: "internal error"})
		return
	}

	if records == nil {
		records = []*storage.APIMetricsRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": records,
		"count":   len(records),
	})
}
