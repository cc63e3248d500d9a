// Package handlers provides HTTP handlers for the query engine API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ask-e9y/query-engine/internal/observability"
	"github.com/ask-e9y/query-engine/internal/orchestrator"
)

// QueryHandler handles natural-language query requests.
type QueryHandler struct {
	logger *observability.Logger
	orch   *orchestrator.Orchestrator
}

// NewQueryHandler creates a query handler.
func NewQueryHandler(logger *observability.Logger, orch *orchestrator.Orchestrator) *QueryHandler {
	return &QueryHandler{
		logger: logger,
		orch:   orch,
	}
}

// QueryRequestDTO is the request body for POST /api/query.
type QueryRequestDTO struct {
	Query              string `json:"query"`
	IncludeExplanation *bool  `json:"include_explanation,omitempty"`
	IncludeSQL         *bool  `json:"include_sql,omitempty"`
	MaxResults         int    `json:"max_results,omitempty"`
}

// QueryErrorDTO is the error body for failed queries.
type QueryErrorDTO struct {
	Error     string `json:"error"`
	Stage     string `json:"stage,omitempty"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Query handles POST /api/query.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqDTO QueryRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, QueryErrorDTO{Error: "invalid request body", Detail: err.Error()})
		return
	}

	if reqDTO.Query == "" {
		writeError(w, http.StatusBadRequest, QueryErrorDTO{Error: "query is required"})
		return
	}

	includeExplanation := true
	if reqDTO.IncludeExplanation != nil {
		includeExplanation = *reqDTO.IncludeExplanation
	}
	if reqDTO.MaxResults < 0 {
		writeError(w, http.StatusBadRequest, QueryErrorDTO{Error: "max_results must not be negative"})
		return
	}

	result, err := h.orch.Handle(ctx, orchestrator.Request{
		Question:           reqDTO.Query,
		IncludeExplanation: includeExplanation,
		MaxResults:         reqDTO.MaxResults,
	})
	if err != nil {
		var stageErr *orchestrator.StageError
		if errors.As(err, &stageErr) {
			writeError(w, statusForStage(stageErr.Stage), QueryErrorDTO{
				Error:     stageErr.Reason,
				Stage:     stageErr.Stage,
				RequestID: observability.RequestIDFromContext(ctx),
			})
			return
		}
		h.logger.WithContext(ctx).Error().Err(err).Msg("query handler failed")
		writeError(w, http.StatusInternalServerError, QueryErrorDTO{Error: "internal error"})
		return
	}

	result.RequestID = observability.RequestIDFromContext(ctx)
	if reqDTO.IncludeSQL != nil && !*reqDTO.IncludeSQL {
		result.SQL = ""
	}
	writeJSON(w, http.StatusOK, result)
}

// statusForStage maps pipeline stages to HTTP status codes. Validation
// failures are the caller's problem; everything downstream is ours.
func statusForStage(stage string) int {
	switch stage {
	case orchestrator.StageCacheLookup, orchestrator.StageSQLValidation:
		return http.StatusBadRequest
	case orchestrator.StageSQLGeneration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, body QueryErrorDTO) {
	writeJSON(w, status, body)
}
