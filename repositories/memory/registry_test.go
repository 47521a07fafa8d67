package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
)

const registryYAML = `
providers:
  - id: openai-main
    slug: openai
    type: http-sdk
    enabled: true
    adapter_config:
      vendor: openai
      baseUrl: https://api.openai.com/v1
    credentials:
      type: bearer
      secret: ${TEST_REGISTRY_SECRET}
    models:
      - external_model_id: gpt-4o
        adapter_model_id: gpt-4o-2024-08-06
        supports_streaming: true
  - id: ollama
    slug: ollama
    type: local
    enabled: true
    adapter_config:
      baseUrl: http://localhost:11434
    models:
      - external_model_id: gpt-4o
        adapter_model_id: llama3
      - external_model_id: nomic
        adapter_model_id: nomic-embed-text
        supports_embeddings: true
  - id: disabled
    slug: disabled
    type: proxy
    enabled: false
    models:
      - external_model_id: gpt-4o
        adapter_model_id: gpt-4o
fallbacks:
  - model_id: gpt-4o
    strategy: PRIORITY
    max_attempts: 2
    enabled: true
    retry_delay: 250ms
    provider_order:
      - provider_id: openai-main
        priority: 1
      - provider_id: ollama
`

func load(t *testing.T) *Registry {
	t.Helper()
	t.Setenv("TEST_REGISTRY_SECRET", "sk-test")

	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o600))

	r := New(zap.NewNop())
	require.NoError(t, r.LoadFile(path))
	return r
}

func TestLoadFile(t *testing.T) {
	r := load(t)
	ctx := context.Background()

	p, err := r.GetByID(ctx, "openai-main")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderTypeHTTPSDK, p.Type)
	assert.Equal(t, "sk-test", p.Credentials.Secret, "secrets are expanded from the environment")
	assert.Equal(t, "https://api.openai.com/v1", p.AdapterConfig["baseUrl"])
	assert.Equal(t, models.HealthStateUnknown, p.HealthStatus.Status)

	cfg, err := r.GetByModel(ctx, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, models.StrategyPriority, cfg.Strategy)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	prio, ok := cfg.PriorityOf("openai-main")
	assert.True(t, ok)
	assert.Equal(t, 1, prio)
}

func TestListByModel(t *testing.T) {
	r := load(t)

	providers, err := r.ListByModel(context.Background(), "gpt-4o")
	require.NoError(t, err)

	require.Len(t, providers, 2, "disabled providers are not listed")
	assert.Equal(t, "ollama", providers[0].ID)
	assert.Equal(t, "openai-main", providers[1].ID)

	none, err := r.ListByModel(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListEnabled(t *testing.T) {
	r := load(t)

	providers, err := r.ListEnabled(context.Background())

	require.NoError(t, err)
	assert.Len(t, providers, 2)
}

func TestNotFound(t *testing.T) {
	r := load(t)

	_, err := r.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	_, err = r.GetByModel(context.Background(), "nomic")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestLoad_RejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "unknown provider type",
			doc: `
providers:
  - id: x
    slug: x
    type: grpc
`,
		},
		{
			name: "duplicate provider id",
			doc: `
providers:
  - {id: x, slug: x, type: proxy}
  - {id: x, slug: y, type: proxy}
`,
		},
		{
			name: "unknown strategy",
			doc: `
fallbacks:
  - model_id: m
    strategy: FASTEST
`,
		},
		{
			name: "mapping without adapter model",
			doc: `
providers:
  - id: x
    slug: x
    type: proxy
    models:
      - external_model_id: m
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(tt.doc))
			require.NoError(t, err)

			r := New(zap.NewNop())
			assert.Error(t, r.Load(doc))
		})
	}
}

func TestSubscribe(t *testing.T) {
	r := New(zap.NewNop())

	var events []repositories.ChangeEvent
	unsubscribe := r.Subscribe(func(ev repositories.ChangeEvent) {
		events = append(events, ev)
	})

	require.NoError(t, r.Load(&Document{Providers: []models.Provider{
		{ID: "p1", Slug: "p1", Type: models.ProviderTypeProxy, Enabled: true},
	}}))
	require.NoError(t, r.RecordHealth(context.Background(), "p1", models.HealthStatus{Status: models.HealthStateHealthy}))

	require.Len(t, events, 3)
	assert.Equal(t, repositories.ChangeEvent{Kind: repositories.ChangeProvider, ID: "p1"}, events[2])

	p, err := r.GetByID(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, models.HealthStateHealthy, p.HealthStatus.Status)

	unsubscribe()
	require.NoError(t, r.RecordHealth(context.Background(), "p1", models.HealthStatus{Status: models.HealthStateDegraded}))
	assert.Len(t, events, 3)

	assert.ErrorIs(t, r.RecordHealth(context.Background(), "missing", models.HealthStatus{}), repositories.ErrNotFound)
}
