package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/circuitbreaker"
	"github.com/upb/llm-gateway/services/gateway"
	"github.com/upb/llm-gateway/services/providers"
)

type stubAdmin struct {
	states   []circuitbreaker.Snapshot
	calls    []string
	testedID string
}

func (s *stubAdmin) CircuitStates() []circuitbreaker.Snapshot { return s.states }

func (s *stubAdmin) ForceOpen(_ context.Context, id string) (circuitbreaker.Snapshot, error) {
	s.calls = append(s.calls, "open:"+id)
	if id == "missing" {
		return circuitbreaker.Snapshot{}, services.NewProviderNotFoundError(id)
	}
	return circuitbreaker.Snapshot{ProviderID: id, State: circuitbreaker.StateOpen}, nil
}

func (s *stubAdmin) ForceReset(_ context.Context, id string) (circuitbreaker.Snapshot, error) {
	s.calls = append(s.calls, "reset:"+id)
	return circuitbreaker.Snapshot{ProviderID: id, State: circuitbreaker.StateClosed}, nil
}

func (s *stubAdmin) TestProvider(_ context.Context, id string) (providers.TestResult, error) {
	s.testedID = id
	if id == "missing" {
		return providers.TestResult{}, services.NewProviderNotFoundError(id)
	}
	return providers.TestResult{Success: true, Message: "ok", ResponseTimeMs: 12}, nil
}

func (s *stubAdmin) CacheStats() gateway.CacheStats {
	return gateway.CacheStats{Size: 3, MaxSize: 256, Hits: 9, Misses: 1, HitRate: 0.9}
}

func adminRouter(svc AdminService) http.Handler {
	h := NewAdminHandler(svc, testNormalizer(), zap.NewNop())
	r := chi.NewRouter()
	r.Get("/admin/circuits", h.HandleListCircuits)
	r.Post("/admin/circuits/{id}/open", h.HandleOpenCircuit)
	r.Post("/admin/circuits/{id}/reset", h.HandleResetCircuit)
	r.Post("/admin/providers/{id}/test", h.HandleTestProvider)
	r.Get("/admin/cache", h.HandleCacheStats)
	return r
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest(method, target, ""))
	return w
}

func TestAdminHandler_ListCircuits(t *testing.T) {
	t.Run("empty registry renders an empty list", func(t *testing.T) {
		w := serve(adminRouter(&stubAdmin{}), http.MethodGet, "/admin/circuits")

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"data":[]}`, w.Body.String())
	})

	t.Run("snapshots", func(t *testing.T) {
		svc := &stubAdmin{states: []circuitbreaker.Snapshot{
			{ProviderID: "p1", State: circuitbreaker.StateOpen, FailureCount: 5, FailureThreshold: 5},
		}}
		w := serve(adminRouter(svc), http.MethodGet, "/admin/circuits")

		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Data []circuitbreaker.Snapshot `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		require.Len(t, body.Data, 1)
		assert.Equal(t, circuitbreaker.StateOpen, body.Data[0].State)
		assert.Equal(t, 5, body.Data[0].FailureCount)
	})
}

func TestAdminHandler_CircuitActions(t *testing.T) {
	svc := &stubAdmin{}
	router := adminRouter(svc)

	w := serve(router, http.MethodPost, "/admin/circuits/p1/open")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"OPEN"`)

	w = serve(router, http.MethodPost, "/admin/circuits/p1/reset")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"CLOSED"`)

	assert.Equal(t, []string{"open:p1", "reset:p1"}, svc.calls)
}

func TestAdminHandler_UnknownProvider(t *testing.T) {
	router := adminRouter(&stubAdmin{})

	for _, target := range []string{"/admin/circuits/missing/open", "/admin/providers/missing/test"} {
		w := serve(router, http.MethodPost, target)

		assert.Equal(t, http.StatusNotFound, w.Code, target)
		gwErr := decodeError(t, w)
		assert.Equal(t, "provider_not_found", gwErr.Code)
		assert.Equal(t, "req-1", gwErr.RequestID)
	}
}

func TestAdminHandler_TestProvider(t *testing.T) {
	svc := &stubAdmin{}
	w := serve(adminRouter(svc), http.MethodPost, "/admin/providers/openai-main/test")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "openai-main", svc.testedID)
	assert.JSONEq(t, `{"data":{"success":true,"message":"ok","response_time_ms":12}}`, w.Body.String())
}

func TestAdminHandler_CacheStats(t *testing.T) {
	w := serve(adminRouter(&stubAdmin{}), http.MethodGet, "/admin/cache")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"size":3,"max_size":256,"hits":9,"misses":1,"hit_rate":0.9}}`, w.Body.String())
}
