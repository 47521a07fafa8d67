package local

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/providers/httpclient"
)

// Flavor is the kind of local model server
type Flavor string

const (
	FlavorOllama  Flavor = "ollama"
	FlavorTGI     Flavor = "tgi"
	FlavorLocalAI Flavor = "localai"
	FlavorGeneric Flavor = "generic"
)

const (
	defaultTimeout             = 5 * time.Minute
	defaultHealthCheckInterval = 30 * time.Second
	healthTimeout              = 5 * time.Second
)

type endpoints struct {
	chat       string
	embeddings string
	models     string
	health     string
}

var flavorEndpoints = map[Flavor]endpoints{
	FlavorOllama:  {chat: "/v1/chat/completions", embeddings: "/v1/embeddings", models: "/api/tags", health: "/api/tags"},
	FlavorTGI:     {chat: "/v1/chat/completions", models: "/v1/models", health: "/health"},
	FlavorLocalAI: {chat: "/v1/chat/completions", embeddings: "/v1/embeddings", models: "/v1/models", health: "/readyz"},
	FlavorGeneric: {chat: "/chat/completions", embeddings: "/embeddings", models: "/models", health: "/models"},
}

// Config is the local adapter config bag
type Config struct {
	BaseURL               string `json:"baseUrl" validate:"required,url"`
	Flavor                Flavor `json:"flavor,omitempty" validate:"omitempty,oneof=ollama tgi localai generic"`
	HealthPath            string `json:"healthPath,omitempty"`
	HealthCheckIntervalMs int    `json:"healthCheckIntervalMs,omitempty" validate:"gte=0"`
	TimeoutMs             int    `json:"timeoutMs,omitempty" validate:"gte=0"`
	MaxRetries            *int   `json:"maxRetries,omitempty" validate:"omitempty,gte=0,lte=10"`
	SupportsStreaming     *bool  `json:"supportsStreaming,omitempty"`
}

// DetectFlavor picks the server flavor from the base URL when not configured
func DetectFlavor(baseURL string) Flavor {
	u := strings.ToLower(baseURL)
	switch {
	case strings.Contains(u, "ollama") || strings.Contains(u, ":11434"):
		return FlavorOllama
	case strings.Contains(u, "tgi") || strings.Contains(u, "text-generation"):
		return FlavorTGI
	case strings.Contains(u, "localai") || strings.Contains(u, ":8080"):
		return FlavorLocalAI
	}
	return FlavorGeneric
}

// Adapter serves a local OpenAI-compatible model server
type Adapter struct {
	provider  models.Provider
	config    Config
	problems  []string
	endpoints endpoints
	interval  time.Duration

	client *httpclient.Client
	health *httpclient.Client
	logger *zap.Logger

	group     singleflight.Group
	mu        sync.Mutex
	checkedAt time.Time
	healthErr error
}

// New creates a local adapter. Config problems are reported by ValidateConfig.
func New(provider models.Provider, logger *zap.Logger, opts ...httpclient.Option) *Adapter {
	var cfg Config
	problems := providers.DecodeConfig(provider, &cfg)
	problems = append(problems, providers.CredentialProblems(provider.Credentials)...)

	if cfg.Flavor == "" {
		cfg.Flavor = DetectFlavor(cfg.BaseURL)
	}
	ep, ok := flavorEndpoints[cfg.Flavor]
	if !ok {
		ep = flavorEndpoints[FlavorGeneric]
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Flavor != FlavorGeneric {
		// flavored paths already carry the /v1 prefix
		baseURL = strings.TrimSuffix(baseURL, "/v1")
	}
	if cfg.HealthPath != "" {
		ep.health = cfg.HealthPath
	}

	retry := httpclient.DefaultRetryPolicy()
	retry.MaxRetries = 1
	if cfg.MaxRetries != nil {
		retry.MaxRetries = *cfg.MaxRetries
	}

	log := logger.With(zap.String("provider_id", provider.ID))
	return &Adapter{
		provider:  provider,
		config:    cfg,
		problems:  problems,
		endpoints: ep,
		interval:  providers.Millis(cfg.HealthCheckIntervalMs, defaultHealthCheckInterval),
		client: httpclient.New(httpclient.Config{
			BaseURL:     baseURL,
			Timeout:     providers.Millis(cfg.TimeoutMs, defaultTimeout),
			Retry:       retry,
			Credentials: provider.Credentials,
		}, log, opts...),
		health: httpclient.New(httpclient.Config{
			BaseURL:     baseURL,
			Timeout:     healthTimeout,
			Credentials: provider.Credentials,
		}, log, opts...),
		logger: logger,
	}
}

// Builder returns the factory builder for local providers
func Builder(logger *zap.Logger, opts ...httpclient.Option) providers.AdapterBuilder {
	return func(p models.Provider) (providers.Adapter, error) {
		return New(p, logger, opts...), nil
	}
}

// Type returns the adapter variant
func (a *Adapter) Type() models.ProviderType {
	return models.ProviderTypeLocal
}

// Flavor returns the resolved server flavor
func (a *Adapter) Flavor() Flavor {
	return a.config.Flavor
}

// ValidateConfig reports every config problem found at construction
func (a *Adapter) ValidateConfig() providers.ValidationResult {
	return providers.NewValidationResult(a.problems)
}

// HandleChat checks server health, then posts the chat request
func (a *Adapter) HandleChat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	if err := a.ensureHealthy(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	stream := req.Options.Stream && providers.BoolOr(a.config.SupportsStreaming, true)
	body, err := httpclient.ChatBody(req, stream)
	if err != nil {
		return nil, services.NewValidationError("failed to encode chat request", err)
	}

	if stream {
		resp, err := a.client.Open(ctx, httpclient.Request{Path: a.endpoints.chat, Body: body})
		if err != nil {
			return nil, err
		}
		return &providers.ChatResult{
			Stream:  httpclient.StreamChat(ctx, resp),
			Latency: time.Since(start),
		}, nil
	}

	resp, err := a.client.Do(ctx, httpclient.Request{Path: a.endpoints.chat, Body: body})
	if err != nil {
		return nil, err
	}
	return &providers.ChatResult{Raw: resp.Body, Latency: time.Since(start)}, nil
}

// HandleEmbeddings posts an embeddings request; tgi servers have none
func (a *Adapter) HandleEmbeddings(ctx context.Context, req *providers.EmbeddingsRequest) (*providers.EmbeddingsResult, error) {
	if a.endpoints.embeddings == "" {
		return nil, services.NewNotSupportedError("embeddings", string(a.Type())+"/"+string(a.config.Flavor))
	}
	if err := a.ensureHealthy(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	body, err := httpclient.EmbeddingsBody(req)
	if err != nil {
		return nil, services.NewValidationError("failed to encode embeddings request", err)
	}
	resp, err := a.client.Do(ctx, httpclient.Request{Path: a.endpoints.embeddings, Body: body})
	if err != nil {
		return nil, err
	}
	return &providers.EmbeddingsResult{Raw: resp.Body, Latency: time.Since(start)}, nil
}

// TestConnection probes the health endpoint and refreshes the cached result
func (a *Adapter) TestConnection(ctx context.Context) providers.TestResult {
	result := a.health.Probe(ctx, a.endpoints.health)
	a.store(result.Success, result.Message)
	if result.Details == nil {
		result.Details = map[string]any{}
	}
	result.Details["flavor"] = string(a.config.Flavor)
	return result
}

// GetModels merges configured mappings with the models the server reports
func (a *Adapter) GetModels(ctx context.Context) ([]models.ModelMapping, error) {
	ids, err := a.health.ListModels(ctx, a.endpoints.models)
	if err != nil {
		a.logger.Debug("model discovery failed",
			zap.String("provider_id", a.provider.ID),
			zap.Error(err))
		return providers.MergeModels(a.provider.Models, nil), nil
	}

	discovered := make([]models.ModelMapping, 0, len(ids))
	for _, id := range ids {
		discovered = append(discovered, models.ModelMapping{
			ExternalModelID:    id,
			AdapterModelID:     id,
			SupportsStreaming:  providers.BoolOr(a.config.SupportsStreaming, true),
			SupportsEmbeddings: a.endpoints.embeddings != "" && strings.Contains(id, "embed"),
		})
	}
	return providers.MergeModels(a.provider.Models, discovered), nil
}

// ensureHealthy returns the cached health verdict, probing at most once per
// interval. Concurrent probes collapse into one.
func (a *Adapter) ensureHealthy(ctx context.Context) error {
	a.mu.Lock()
	if !a.checkedAt.IsZero() && time.Since(a.checkedAt) < a.interval {
		err := a.healthErr
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()

	_, err, _ := a.group.Do("health", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), healthTimeout)
		defer cancel()

		_, err := a.health.Do(probeCtx, httpclient.Request{Method: http.MethodGet, Path: a.endpoints.health})
		if err != nil {
			err = services.NewProviderUnhealthyError(a.provider.ID, err)
			a.logger.Warn("local provider failed health check",
				zap.String("provider_id", a.provider.ID),
				zap.String("flavor", string(a.config.Flavor)),
				zap.Error(err))
		}
		a.mu.Lock()
		a.checkedAt = time.Now()
		a.healthErr = err
		a.mu.Unlock()
		return nil, err
	})
	return err
}

func (a *Adapter) store(ok bool, message string) {
	var err error
	if !ok {
		err = services.NewProviderUnhealthyError(a.provider.ID, services.NewDomainError(services.ErrorTypeNetwork, message, nil))
	}
	a.mu.Lock()
	a.checkedAt = time.Now()
	a.healthErr = err
	a.mu.Unlock()
}
