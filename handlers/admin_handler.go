package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/internal/shared"
	"github.com/upb/llm-gateway/services/circuitbreaker"
	"github.com/upb/llm-gateway/services/gateway"
	"github.com/upb/llm-gateway/services/normalizer"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/utils"
)

// AdminService defines the operator operations on circuits and providers
type AdminService interface {
	CircuitStates() []circuitbreaker.Snapshot
	ForceOpen(ctx context.Context, providerID string) (circuitbreaker.Snapshot, error)
	ForceReset(ctx context.Context, providerID string) (circuitbreaker.Snapshot, error)
	TestProvider(ctx context.Context, providerID string) (providers.TestResult, error)
	CacheStats() gateway.CacheStats
}

// AdminHandler serves the /admin endpoints
type AdminHandler struct {
	service    AdminService
	normalizer *normalizer.Normalizer
	logger     *zap.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(service AdminService, norm *normalizer.Normalizer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		service:    service,
		normalizer: norm,
		logger:     logger,
	}
}

// HandleListCircuits handles GET /admin/circuits
func (h *AdminHandler) HandleListCircuits(w http.ResponseWriter, r *http.Request) {
	states := h.service.CircuitStates()
	if states == nil {
		states = []circuitbreaker.Snapshot{}
	}
	_ = utils.WriteOK(w, states)
}

// HandleOpenCircuit handles POST /admin/circuits/{id}/open
func (h *AdminHandler) HandleOpenCircuit(w http.ResponseWriter, r *http.Request) {
	h.circuitAction(w, r, "opened", h.service.ForceOpen)
}

// HandleResetCircuit handles POST /admin/circuits/{id}/reset
func (h *AdminHandler) HandleResetCircuit(w http.ResponseWriter, r *http.Request) {
	h.circuitAction(w, r, "reset", h.service.ForceReset)
}

func (h *AdminHandler) circuitAction(
	w http.ResponseWriter,
	r *http.Request,
	action string,
	fn func(context.Context, string) (circuitbreaker.Snapshot, error),
) {
	providerID := chi.URLParam(r, "id")
	snapshot, err := fn(r.Context(), providerID)
	if err != nil {
		HandleServiceError(w, err, h.normalizer, shared.RequestID(r.Context()), h.logger)
		return
	}

	h.logger.Info("circuit "+action+" by operator", zap.String("provider_id", providerID))
	_ = utils.WriteOK(w, snapshot)
}

// HandleTestProvider handles POST /admin/providers/{id}/test
func (h *AdminHandler) HandleTestProvider(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.TestProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		HandleServiceError(w, err, h.normalizer, shared.RequestID(r.Context()), h.logger)
		return
	}
	_ = utils.WriteOK(w, result)
}

// HandleCacheStats handles GET /admin/cache
func (h *AdminHandler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.service.CacheStats())
}
