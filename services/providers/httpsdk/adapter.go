package httpsdk

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/providers/httpclient"
	"github.com/upb/llm-gateway/utils"
)

const (
	defaultChatPath       = "/chat/completions"
	defaultEmbeddingsPath = "/embeddings"
	defaultModelsPath     = "/models"
	defaultTimeout        = 60 * time.Second
)

// vendorBaseURLs fill in baseUrl when only a vendor is named
var vendorBaseURLs = map[string]string{
	"openai":   "https://api.openai.com/v1",
	"mistral":  "https://api.mistral.ai/v1",
	"groq":     "https://api.groq.com/openai/v1",
	"together": "https://api.together.xyz/v1",
}

// Config is the http-sdk adapter config bag
type Config struct {
	Vendor             string            `json:"vendor,omitempty"`
	BaseURL            string            `json:"baseUrl" validate:"required,url"`
	ChatPath           string            `json:"chatPath,omitempty"`
	EmbeddingsPath     string            `json:"embeddingsPath,omitempty"`
	ModelsPath         string            `json:"modelsPath,omitempty"`
	TimeoutMs          int               `json:"timeoutMs,omitempty" validate:"gte=0"`
	MaxRetries         *int              `json:"maxRetries,omitempty" validate:"omitempty,gte=0,lte=10"`
	BaseDelayMs        int               `json:"baseDelayMs,omitempty" validate:"gte=0"`
	MaxDelayMs         int               `json:"maxDelayMs,omitempty" validate:"gte=0"`
	RetryStatusCodes   []int             `json:"retryStatusCodes,omitempty" validate:"omitempty,dive,gte=100,lte=599"`
	Headers            map[string]string `json:"headers,omitempty"`
	SupportsStreaming  *bool             `json:"supportsStreaming,omitempty"`
	SupportsEmbeddings *bool             `json:"supportsEmbeddings,omitempty"`
	RequestTransforms  []Transform       `json:"requestTransforms,omitempty" validate:"dive"`
	ResponseTransforms []Transform       `json:"responseTransforms,omitempty" validate:"dive"`
}

// Adapter talks to a vendor HTTP API speaking the OpenAI wire format,
// optionally reshaped by declarative transforms
type Adapter struct {
	provider models.Provider
	config   Config
	problems []string
	client   *httpclient.Client
	logger   *zap.Logger
}

// New creates an http-sdk adapter. Config problems are reported by ValidateConfig.
func New(provider models.Provider, logger *zap.Logger, opts ...httpclient.Option) *Adapter {
	var cfg Config
	var problems []string
	if err := provider.DecodeAdapterConfig(&cfg); err != nil {
		problems = append(problems, "adapter_config: "+err.Error())
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = vendorBaseURLs[strings.ToLower(cfg.Vendor)]
	}
	problems = append(problems, utils.ValidationProblems(utils.ValidateStruct(&cfg))...)
	problems = append(problems, transformProblems("requestTransforms", cfg.RequestTransforms)...)
	problems = append(problems, transformProblems("responseTransforms", cfg.ResponseTransforms)...)
	problems = append(problems, providers.CredentialProblems(provider.Credentials)...)

	if cfg.ChatPath == "" {
		cfg.ChatPath = defaultChatPath
	}
	if cfg.EmbeddingsPath == "" {
		cfg.EmbeddingsPath = defaultEmbeddingsPath
	}
	if cfg.ModelsPath == "" {
		cfg.ModelsPath = defaultModelsPath
	}

	retry := httpclient.DefaultRetryPolicy()
	if cfg.MaxRetries != nil {
		retry.MaxRetries = *cfg.MaxRetries
	}
	retry.BaseDelay = providers.Millis(cfg.BaseDelayMs, retry.BaseDelay)
	retry.MaxDelay = providers.Millis(cfg.MaxDelayMs, retry.MaxDelay)
	if len(cfg.RetryStatusCodes) > 0 {
		retry.RetryStatuses = cfg.RetryStatusCodes
	}

	client := httpclient.New(httpclient.Config{
		BaseURL:     cfg.BaseURL,
		Timeout:     providers.Millis(cfg.TimeoutMs, defaultTimeout),
		Retry:       retry,
		Headers:     cfg.Headers,
		Credentials: provider.Credentials,
	}, logger.With(zap.String("provider_id", provider.ID)), opts...)

	return &Adapter{
		provider: provider,
		config:   cfg,
		problems: problems,
		client:   client,
		logger:   logger,
	}
}

// Builder returns the factory builder for http-sdk providers
func Builder(logger *zap.Logger, opts ...httpclient.Option) providers.AdapterBuilder {
	return func(p models.Provider) (providers.Adapter, error) {
		return New(p, logger, opts...), nil
	}
}

// Type returns the adapter variant
func (a *Adapter) Type() models.ProviderType {
	return models.ProviderTypeHTTPSDK
}

// ValidateConfig reports every config problem found at construction
func (a *Adapter) ValidateConfig() providers.ValidationResult {
	return providers.NewValidationResult(a.problems)
}

// HandleChat posts the request to the chat endpoint. Streaming falls back
// to a buffered call when the vendor does not stream.
func (a *Adapter) HandleChat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	start := time.Now()
	stream := req.Options.Stream && providers.BoolOr(a.config.SupportsStreaming, true)

	body, err := httpclient.ChatBody(req, stream)
	if err != nil {
		return nil, services.NewValidationError("failed to encode chat request", err)
	}
	if body, err = ApplyTransforms(body, a.config.RequestTransforms); err != nil {
		return nil, services.NewConfigurationError("request transform failed", []string{err.Error()})
	}

	if stream {
		resp, err := a.client.Open(ctx, httpclient.Request{Path: a.config.ChatPath, Body: body})
		if err != nil {
			return nil, err
		}
		return &providers.ChatResult{
			Stream:  httpclient.StreamChat(ctx, resp),
			Latency: time.Since(start),
		}, nil
	}

	resp, err := a.client.Do(ctx, httpclient.Request{Path: a.config.ChatPath, Body: body})
	if err != nil {
		return nil, err
	}
	raw, err := ApplyTransforms(resp.Body, a.config.ResponseTransforms)
	if err != nil {
		return nil, services.NewConfigurationError("response transform failed", []string{err.Error()})
	}

	return &providers.ChatResult{Raw: raw, Latency: time.Since(start)}, nil
}

// HandleEmbeddings posts the request to the embeddings endpoint
func (a *Adapter) HandleEmbeddings(ctx context.Context, req *providers.EmbeddingsRequest) (*providers.EmbeddingsResult, error) {
	if !providers.BoolOr(a.config.SupportsEmbeddings, true) {
		return nil, services.NewNotSupportedError("embeddings", string(a.Type()))
	}

	start := time.Now()
	body, err := httpclient.EmbeddingsBody(req)
	if err != nil {
		return nil, services.NewValidationError("failed to encode embeddings request", err)
	}

	resp, err := a.client.Do(ctx, httpclient.Request{Path: a.config.EmbeddingsPath, Body: body})
	if err != nil {
		return nil, err
	}
	return &providers.EmbeddingsResult{Raw: resp.Body, Latency: time.Since(start)}, nil
}

// TestConnection lists models as a cheap authenticated probe
func (a *Adapter) TestConnection(ctx context.Context) providers.TestResult {
	return a.client.Probe(ctx, a.config.ModelsPath)
}

// GetModels merges configured mappings with the vendor's model listing.
// A failed listing is logged and the configured mappings are returned.
func (a *Adapter) GetModels(ctx context.Context) ([]models.ModelMapping, error) {
	ids, err := a.client.ListModels(ctx, a.config.ModelsPath)
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
			SupportsEmbeddings: strings.Contains(id, "embed"),
		})
	}
	return providers.MergeModels(a.provider.Models, discovered), nil
}
