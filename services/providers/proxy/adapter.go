package proxy

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/providers/httpclient"
)

const defaultTimeout = 120 * time.Second

// dropped headers are never forwarded: hop-by-hop headers, the caller's own
// credentials and the ones the outbound client sets itself
var dropped = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
	"Content-Length":      {},
	"Authorization":       {},
	"Cookie":              {},
	"Content-Type":        {},
	"Accept":              {},
	"Accept-Encoding":     {},
}

// Config is the proxy adapter config bag
type Config struct {
	BaseURL        string            `json:"baseUrl" validate:"required,url"`
	ChatPath       string            `json:"chatPath,omitempty"`
	EmbeddingsPath string            `json:"embeddingsPath,omitempty"`
	ModelsPath     string            `json:"modelsPath,omitempty"`
	TimeoutMs      int               `json:"timeoutMs,omitempty" validate:"gte=0"`
	MaxRetries     int               `json:"maxRetries,omitempty" validate:"gte=0,lte=10"`
	Headers        map[string]string `json:"headers,omitempty"`
	// ForwardHeaders limits which caller headers are forwarded; empty forwards all
	ForwardHeaders []string `json:"forwardHeaders,omitempty"`
	// RenameHeaders maps caller header names to upstream names
	RenameHeaders map[string]string `json:"renameHeaders,omitempty"`
	RemoveHeaders []string          `json:"removeHeaders,omitempty"`
}

// Adapter forwards OpenAI-compatible requests to a downstream proxy
type Adapter struct {
	provider models.Provider
	config   Config
	problems []string
	client   *httpclient.Client
	logger   *zap.Logger
}

// New creates a proxy adapter. Config problems are reported by ValidateConfig.
func New(provider models.Provider, logger *zap.Logger, opts ...httpclient.Option) *Adapter {
	var cfg Config
	problems := providers.DecodeConfig(provider, &cfg)
	problems = append(problems, providers.CredentialProblems(provider.Credentials)...)

	if cfg.ChatPath == "" {
		cfg.ChatPath = "/chat/completions"
	}
	if cfg.EmbeddingsPath == "" {
		cfg.EmbeddingsPath = "/embeddings"
	}
	if cfg.ModelsPath == "" {
		cfg.ModelsPath = "/models"
	}

	retry := httpclient.DefaultRetryPolicy()
	retry.MaxRetries = cfg.MaxRetries

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

// Builder returns the factory builder for proxy providers
func Builder(logger *zap.Logger, opts ...httpclient.Option) providers.AdapterBuilder {
	return func(p models.Provider) (providers.Adapter, error) {
		return New(p, logger, opts...), nil
	}
}

// Type returns the adapter variant
func (a *Adapter) Type() models.ProviderType {
	return models.ProviderTypeProxy
}

// ValidateConfig reports every config problem found at construction
func (a *Adapter) ValidateConfig() providers.ValidationResult {
	return providers.NewValidationResult(a.problems)
}

// HandleChat forwards the request; streamed chunks pass through unmodified
func (a *Adapter) HandleChat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	start := time.Now()
	body, err := httpclient.ChatBody(req, req.Options.Stream)
	if err != nil {
		return nil, services.NewValidationError("failed to encode chat request", err)
	}
	outbound := httpclient.Request{Path: a.config.ChatPath, Body: body, Header: a.forwardHeaders(req.Meta)}

	if req.Options.Stream {
		resp, err := a.client.Open(ctx, outbound)
		if err != nil {
			return nil, err
		}
		return &providers.ChatResult{
			Stream:  httpclient.StreamChat(ctx, resp),
			Latency: time.Since(start),
		}, nil
	}

	resp, err := a.client.Do(ctx, outbound)
	if err != nil {
		return nil, err
	}
	return &providers.ChatResult{Raw: resp.Body, Latency: time.Since(start)}, nil
}

// HandleEmbeddings forwards an embeddings request
func (a *Adapter) HandleEmbeddings(ctx context.Context, req *providers.EmbeddingsRequest) (*providers.EmbeddingsResult, error) {
	start := time.Now()
	body, err := httpclient.EmbeddingsBody(req)
	if err != nil {
		return nil, services.NewValidationError("failed to encode embeddings request", err)
	}

	resp, err := a.client.Do(ctx, httpclient.Request{
		Path:   a.config.EmbeddingsPath,
		Body:   body,
		Header: a.forwardHeaders(req.Meta),
	})
	if err != nil {
		return nil, err
	}
	return &providers.EmbeddingsResult{Raw: resp.Body, Latency: time.Since(start)}, nil
}

// TestConnection probes the downstream model listing
func (a *Adapter) TestConnection(ctx context.Context) providers.TestResult {
	return a.client.Probe(ctx, a.config.ModelsPath)
}

// GetModels merges configured mappings with the downstream listing
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
			ExternalModelID:   id,
			AdapterModelID:    id,
			SupportsStreaming: true,
		})
	}
	return providers.MergeModels(a.provider.Models, discovered), nil
}

// forwardHeaders selects, removes and renames caller headers. The adapter's
// own static headers and credentials are applied afterwards by the client.
func (a *Adapter) forwardHeaders(meta providers.RequestMeta) http.Header {
	allowed := make(map[string]struct{}, len(a.config.ForwardHeaders))
	for _, h := range a.config.ForwardHeaders {
		allowed[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	removed := make(map[string]struct{}, len(a.config.RemoveHeaders))
	for _, h := range a.config.RemoveHeaders {
		removed[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	renamed := make(map[string]string, len(a.config.RenameHeaders))
	for from, to := range a.config.RenameHeaders {
		renamed[http.CanonicalHeaderKey(from)] = to
	}

	out := http.Header{}
	for name, value := range meta.Headers {
		key := http.CanonicalHeaderKey(name)
		if _, skip := dropped[key]; skip {
			continue
		}
		if _, skip := removed[key]; skip {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[key]; !ok {
				continue
			}
		}
		if to, ok := renamed[key]; ok {
			key = to
		}
		out.Set(key, value)
	}

	if meta.RequestID != "" {
		out.Set("X-Request-Id", meta.RequestID)
	}
	return out
}

var _ providers.Adapter = (*Adapter)(nil)
