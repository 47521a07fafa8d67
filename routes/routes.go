package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/upb/llm-gateway/app"
	"github.com/upb/llm-gateway/handlers"
	"github.com/upb/llm-gateway/internal/shared"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/services/normalizer"
)

// SetupRoutes configures all application routes and middleware.
// No request timeout middleware is installed: streamed completions are
// bounded by the breaker call timeout instead.
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestContext)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.Config.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Trace-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-Gateway-Provider", "X-Gateway-Attempts"},
		MaxAge:         300,
	}))

	health := handlers.NewHealthHandler(deps.SQLDB(), deps.Gateway, deps.Logger)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	gw := handlers.NewGatewayHandler(deps.Gateway, deps.Normalizer, deps.Logger)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", gw.HandleChatCompletion)
		r.Post("/embeddings", gw.HandleEmbeddings)
		r.Get("/models", gw.HandleListModels)
	})

	admin := handlers.NewAdminHandler(deps.Gateway, deps.Normalizer, deps.Logger)
	r.Route("/admin", func(r chi.Router) {
		r.Get("/circuits", admin.HandleListCircuits)
		r.Post("/circuits/{id}/open", admin.HandleOpenCircuit)
		r.Post("/circuits/{id}/reset", admin.HandleResetCircuit)
		r.Post("/providers/{id}/test", admin.HandleTestProvider)
		r.Get("/cache", admin.HandleCacheStats)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeRouteError(w, r, deps, "route_not_found", http.StatusNotFound, "endpoint not found: "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeRouteError(w, r, deps, "method_not_allowed", http.StatusMethodNotAllowed, r.Method+" not allowed on "+r.URL.Path)
	})

	return r
}

func writeRouteError(w http.ResponseWriter, r *http.Request, deps *app.Dependencies, code string, status int, message string) {
	gwErr := &normalizer.GatewayError{
		Type:      normalizer.TypeInvalidRequest,
		Code:      code,
		Status:    status,
		Message:   message,
		RequestID: shared.RequestID(r.Context()),
		TraceID:   uuid.NewString(),
	}
	handlers.HandleServiceError(w, gwErr, deps.Normalizer, gwErr.RequestID, deps.Logger)
}
