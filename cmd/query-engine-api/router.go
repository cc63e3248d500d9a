// Package main provides the API router setup.
package main

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ask-e9y/query-engine/cmd/query-engine-api/handlers"
	"github.com/ask-e9y/query-engine/cmd/query-engine-api/middleware"
	"github.com/ask-e9y/query-engine/internal/observability"
	"github.com/ask-e9y/query-engine/internal/orchestrator"
	"github.com/ask-e9y/query-engine/internal/schema"
	"github.com/ask-e9y/query-engine/internal/storage"
)

// NewRouter creates the API router with all routes configured.
func NewRouter(
	logger *observability.Logger,
	db *sql.DB,
	orch *orchestrator.Orchestrator,
	store *storage.Store,
	schemas *schema.Provider,
	requestTimeout time.Duration,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.PropagateRequestID)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(chimiddleware.Timeout(requestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","service":"query-engine"}`))
			return
		}
		w.Write([]byte(`{"status":"healthy","service":"query-engine"}`))
	})

	queryHandler := handlers.NewQueryHandler(logger, orch)
	feedbackHandler := handlers.NewFeedbackHandler(logger, store.History, store.Mappings)
	schemaHandler := handlers.NewSchemaHandler(logger, schemas)
	metricsHandler := handlers.NewMetricsHandler(logger, store.Metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/query", queryHandler.Query)
		r.Post("/feedback", feedbackHandler.Submit)
		r.Get("/schema", schemaHandler.Get)
		r.Get("/metrics/recent", metricsHandler.Recent)
	})

	return r
}
