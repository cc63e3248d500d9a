package handlers

import (
	"net/http"

	"github.com/ask-e9y/query-engine/internal/observability"
	"github.com/ask-e9y/query-engine/internal/schema"
)

// SchemaHandler exposes the schema snapshot.
type SchemaHandler struct {
	logger   *observability.Logger
	provider *schema.Provider
}

// NewSchemaHandler creates a schema handler.
func NewSchemaHandler(logger *observability.Logger, provider *schema.Provider) *SchemaHandler {
	return &SchemaHandler{
		logger:   logger,
		provider: provider,
	}
}

// Get handles GET /api/schema.
func (h *SchemaHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snap, err := h.provider.Snapshot(ctx)
	if err != nil {
		h.logger.WithContext(ctx).Error().Err(err).Msg("failed to load schema snapshot")
		writeError(w, http.StatusServiceUnavailable, QueryErrorDTO{Error: "schema unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, snap)
}
