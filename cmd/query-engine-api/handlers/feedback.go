package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ask-e9y/query-engine/internal/observability"
	"github.com/ask-e9y/query-engine/internal/storage"
)

// FeedbackHistory attaches feedback to query history rows.
type FeedbackHistory interface {
	AttachFeedback(ctx context.Context, queryID uuid.UUID, feedback, correctedSQL *string) error
}

// FeedbackMappings resolves similarity-minted query IDs.
type FeedbackMappings interface {
	Resolve(ctx context.Context, newQueryID uuid.UUID) (uuid.UUID, error)
}

// FeedbackHandler attaches user feedback to past queries.
type FeedbackHandler struct {
	logger   *observability.Logger
	history  FeedbackHistory
	mappings FeedbackMappings
}

// NewFeedbackHandler creates a feedback handler.
func NewFeedbackHandler(logger *observability.Logger, history FeedbackHistory, mappings FeedbackMappings) *FeedbackHandler {
	return &FeedbackHandler{
		logger:   logger,
		history:  history,
		mappings: mappings,
	}
}

// FeedbackRequestDTO is the request body for POST /api/feedback.
type FeedbackRequestDTO struct {
	QueryID      string  `json:"query_id"`
	IsAccurate   *bool   `json:"is_accurate"`
	Comments     string  `json:"comments,omitempty"`
	CorrectedSQL *string `json:"corrected_sql,omitempty"`
}

// feedbackText flattens the accuracy verdict and free-form comments into
// the single user_feedback column.
func feedbackText(isAccurate bool, comments string) string {
	verdict := "accurate"
	if !isAccurate {
		verdict = "inaccurate"
	}
	if comments == "" {
		return verdict
	}
	return verdict + ": " + comments
}

// Submit handles POST /api/feedback. The query_id may be either a
// cache entry's ID or a similarity-minted ID; the mapping table bridges
// the two when the direct attach finds no history rows.
func (h *FeedbackHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqDTO FeedbackRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, QueryErrorDTO{Error: "invalid request body", Detail: err.Error()})
		return
	}

	queryID, err := uuid.Parse(reqDTO.QueryID)
	if err != nil {
		writeError(w, http.StatusBadRequest, QueryErrorDTO{Error: "invalid query_id"})
		return
	}

	if reqDTO.IsAccurate == nil {
		writeError(w, http.StatusBadRequest, QueryErrorDTO{Error: "is_accurate is required"})
		return
	}
	feedback := feedbackText(*reqDTO.IsAccurate, reqDTO.Comments)

	err = h.history.AttachFeedback(ctx, queryID, &feedback, reqDTO.CorrectedSQL)
	if errors.Is(err, storage.ErrNotFound) {
		original, resolveErr := h.mappings.Resolve(ctx, queryID)
		switch {
		case resolveErr == nil:
			err = h.history.AttachFeedback(ctx, original, &feedback, reqDTO.CorrectedSQL)
		case errors.Is(resolveErr, storage.ErrNotFound):
			// The ID was never mapped either; the 404 below stands.
		default:
			h.logger.WithContext(ctx).Error().Err(resolveErr).Msg("failed to resolve query id mapping")
			writeError(w, http.StatusInternalServerError, QueryErrorDTO{Error: "internal error"})
			return
		}
	}
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, QueryErrorDTO{Error: "query not found"})
		return
	}
	if err != nil {
		h.logger.WithContext(ctx).Error().Err(err).Msg("failed to attach feedback")
		writeError(w, http.StatusInternalServerError, QueryErrorDTO{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
