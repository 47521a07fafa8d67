package local

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
)

type fakeServer struct {
	healthy      atomic.Bool
	healthChecks atomic.Int32
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		f.healthChecks.Add(1)
		if !f.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b"},{"name":"nomic-embed-text"}]}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"local hi"},"finish_reason":"stop"}]}`))
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.5]}]}`))
	})
	return mux
}

func newOllama(t *testing.T, interval int) (*Adapter, *fakeServer) {
	t.Helper()
	fake := &fakeServer{}
	fake.healthy.Store(true)
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	a := New(models.Provider{
		ID:   "ollama-1",
		Type: models.ProviderTypeLocal,
		AdapterConfig: map[string]any{
			"baseUrl":               srv.URL + "/v1",
			"flavor":                "ollama",
			"healthCheckIntervalMs": interval,
			"maxRetries":            0,
		},
		Models: []models.ModelMapping{{ExternalModelID: "llama3", AdapterModelID: "llama3:8b", SupportsStreaming: true}},
	}, zap.NewNop())
	require.True(t, a.ValidateConfig().Valid)
	return a, fake
}

func chat() *providers.ChatRequest {
	return &providers.ChatRequest{Model: "llama3:8b", Messages: []providers.Message{{Role: "user", Content: "hi"}}}
}

func TestDetectFlavor(t *testing.T) {
	tests := []struct {
		url  string
		want Flavor
	}{
		{"http://localhost:11434", FlavorOllama},
		{"http://ollama.internal/v1", FlavorOllama},
		{"http://tgi:80", FlavorTGI},
		{"http://text-generation.svc", FlavorTGI},
		{"http://localhost:8080/v1", FlavorLocalAI},
		{"http://models.lan:9000/v1", FlavorGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFlavor(tt.url))
		})
	}
}

func TestValidateConfig(t *testing.T) {
	a := New(models.Provider{ID: "p", AdapterConfig: map[string]any{"baseUrl": "http://x:1", "flavor": "vllm"}}, zap.NewNop())

	result := a.ValidateConfig()

	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "flavor must be one of: ollama tgi localai generic")
}

func TestHandleChatCachesHealth(t *testing.T) {
	a, fake := newOllama(t, 60000)

	for i := 0; i < 3; i++ {
		result, err := a.HandleChat(context.Background(), chat())
		require.NoError(t, err)
		assert.Contains(t, string(result.Raw), "local hi")
	}

	assert.Equal(t, int32(1), fake.healthChecks.Load())
}

func TestHandleChatConcurrentProbesCollapse(t *testing.T) {
	a, fake := newOllama(t, 60000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.HandleChat(context.Background(), chat())
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, fake.healthChecks.Load(), int32(10))
	assert.GreaterOrEqual(t, fake.healthChecks.Load(), int32(1))
}

func TestHandleChatUnhealthy(t *testing.T) {
	a, fake := newOllama(t, 1)
	fake.healthy.Store(false)

	_, err := a.HandleChat(context.Background(), chat())

	require.Error(t, err)
	assert.Equal(t, services.ErrorTypeProviderUnhealthy, services.GetErrorType(err))

	fake.healthy.Store(true)
	time.Sleep(5 * time.Millisecond)
	_, err = a.HandleChat(context.Background(), chat())
	assert.NoError(t, err)
	assert.Equal(t, int32(2), fake.healthChecks.Load())
}

func TestHandleEmbeddings(t *testing.T) {
	a, _ := newOllama(t, 60000)

	result, err := a.HandleEmbeddings(context.Background(), &providers.EmbeddingsRequest{Model: "nomic-embed-text", Input: []string{"x"}})

	require.NoError(t, err)
	assert.Contains(t, string(result.Raw), "0.5")
}

func TestTGIHasNoEmbeddings(t *testing.T) {
	a := New(models.Provider{ID: "tgi", AdapterConfig: map[string]any{"baseUrl": "http://tgi:80"}}, zap.NewNop())

	_, err := a.HandleEmbeddings(context.Background(), &providers.EmbeddingsRequest{Model: "m", Input: []string{"x"}})

	assert.Equal(t, FlavorTGI, a.Flavor())
	assert.True(t, services.IsNotSupportedError(err))
}

func TestGetModelsMerges(t *testing.T) {
	a, _ := newOllama(t, 60000)

	got, err := a.GetModels(context.Background())

	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, m := range got {
		ids = append(ids, m.ExternalModelID)
	}
	assert.Equal(t, []string{"llama3", "llama3:8b", "nomic-embed-text"}, ids)
	assert.True(t, got[2].SupportsEmbeddings)
}

func TestTestConnection(t *testing.T) {
	a, fake := newOllama(t, 60000)

	ok := a.TestConnection(context.Background())
	assert.True(t, ok.Success)
	assert.Equal(t, "ollama", ok.Details["flavor"])

	fake.healthy.Store(false)
	failed := a.TestConnection(context.Background())
	assert.False(t, failed.Success)

	_, err := a.HandleChat(context.Background(), chat())
	assert.Equal(t, services.ErrorTypeProviderUnhealthy, services.GetErrorType(err), "probe result is cached")
}
