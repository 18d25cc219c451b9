package routes

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/llm-bridge/app"
	"github.com/upb/llm-bridge/handlers"
	"github.com/upb/llm-bridge/internal/observability"
	"github.com/upb/llm-bridge/utils"
)

// introspectionTimeout bounds the fan-out endpoints
const introspectionTimeout = 30 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(sqlDB(deps), deps.Bridge, deps.Logger)
	bridge := handlers.NewBridgeHandler(deps.Bridge, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	r.Route("/api/v1", func(r chi.Router) {
		// Queries are bounded by the bridge request timeout per upstream call
		r.Post("/query", bridge.HandleQuery)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(introspectionTimeout))
			r.Get("/providers", bridge.HandleProviders)
			r.Get("/providers/health", bridge.HandleProviderHealth)
			r.Get("/models", bridge.HandleModels)
			r.Get("/stats", bridge.HandleStats)
		})

		if deps.QueryLogs != nil {
			queryLogs := handlers.NewQueryLogHandler(deps.QueryLogs, deps.Logger)
			r.Get("/queries", queryLogs.HandleList)
			r.Get("/queries/{requestID}", queryLogs.HandleGet)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}

// sqlDB returns the query log pool, or nil when the query log is disabled
func sqlDB(deps *app.Dependencies) *sql.DB {
	if deps.DB == nil {
		return nil
	}
	return deps.DB.DB
}
