package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/circuitbreaker"
	"github.com/upb/llm-gateway/services/fallback"
	"github.com/upb/llm-gateway/services/normalizer"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/utils"
)

const modelsKey = "models"

// Config holds orchestrator settings
type Config struct {
	// CacheTTL bounds how long provider and model lookups are reused
	CacheTTL time.Duration
	// CacheSize is the maximum number of cached model lookups
	CacheSize int
	// ModelsTimeout bounds model discovery per provider
	ModelsTimeout time.Duration
	// DiscoveryConcurrency caps concurrent model discovery calls
	DiscoveryConcurrency int
}

// DefaultConfig returns the orchestrator defaults
func DefaultConfig() Config {
	return Config{
		CacheTTL:             30 * time.Second,
		CacheSize:            256,
		ModelsTimeout:        10 * time.Second,
		DiscoveryConcurrency: 8,
	}
}

type adapterEntry struct {
	fingerprint string
	adapter     providers.Adapter
}

// Service is the gateway orchestrator: it resolves providers for a model,
// drives fallback, guards every adapter call with the provider's circuit
// breaker and normalizes results and errors.
type Service struct {
	config     Config
	providers  repositories.ProviderRepository
	factory    *providers.Factory
	breakers   *circuitbreaker.Registry
	engine     *fallback.Engine
	normalizer *normalizer.Normalizer
	logger     *zap.Logger
	now        func() time.Time

	providerCache *Cache[[]models.Provider]
	modelCache    *Cache[[]normalizer.ModelEntry]

	adaptersMu sync.RWMutex
	adapters   map[string]adapterEntry
	group      singleflight.Group

	engineOpts  []fallback.Option
	unsubscribe func()
}

// Option customizes a Service
type Option func(*Service)

// WithClock overrides the time source of the lookup caches
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithEngineOptions passes options to the fallback engine
func WithEngineOptions(opts ...fallback.Option) Option {
	return func(s *Service) {
		s.engineOpts = append(s.engineOpts, opts...)
	}
}

// NewService creates the orchestrator. fallbackConfigs may be nil.
// When the provider repository announces changes, lookup caches are
// invalidated on every event.
func NewService(
	config Config,
	providerRepo repositories.ProviderRepository,
	fallbackConfigs repositories.FallbackConfigRepository,
	factory *providers.Factory,
	breakers *circuitbreaker.Registry,
	norm *normalizer.Normalizer,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	defaults := DefaultConfig()
	if config.CacheSize <= 0 {
		config.CacheSize = defaults.CacheSize
	}
	if config.ModelsTimeout <= 0 {
		config.ModelsTimeout = defaults.ModelsTimeout
	}
	if config.DiscoveryConcurrency <= 0 {
		config.DiscoveryConcurrency = defaults.DiscoveryConcurrency
	}

	s := &Service{
		config:     config,
		providers:  providerRepo,
		factory:    factory,
		breakers:   breakers,
		normalizer: norm,
		logger:     logger,
		now:        time.Now,
		adapters:   make(map[string]adapterEntry),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.providerCache = NewCache[[]models.Provider](config.CacheSize, config.CacheTTL, s.now)
	s.modelCache = NewCache[[]normalizer.ModelEntry](1, config.CacheTTL, s.now)

	var configs fallback.ConfigSource
	if fallbackConfigs != nil {
		configs = fallbackConfigs
	}
	s.engine = fallback.NewEngine(cachedProviders{s}, configs, breakers, logger, s.engineOpts...)

	if notifier, ok := providerRepo.(repositories.ChangeNotifier); ok {
		s.unsubscribe = notifier.Subscribe(s.onChange)
	}
	return s
}

// Close stops listening for registry changes
func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// HandleChatCompletion serves a chat request. Errors are *normalizer.GatewayError.
func (s *Service) HandleChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResult, error) {
	start := s.now()
	result, err := s.handleChat(ctx, req)
	if err != nil {
		return nil, s.fail(err, req.Meta.RequestID, req.Model)
	}

	s.logger.Info("chat completion served",
		zap.String("request_id", req.Meta.RequestID),
		zap.String("model", req.Model),
		zap.String("provider_id", result.ProviderID),
		zap.Int("attempts", result.Attempts),
		zap.Bool("stream", result.Stream != nil),
		zap.Duration("latency", s.now().Sub(start)))
	return result, nil
}

func (s *Service) handleChat(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResult, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, services.NewValidationError("invalid chat completion request", err)
	}

	candidates, err := s.resolve(ctx, req.Model)
	if err != nil {
		return nil, err
	}

	promptTokens := normalizer.EstimatePromptTokens(req.Messages)
	var result *ChatCompletionResult
	outcome, err := s.dispatch(ctx, req.Model, candidates, func(ctx context.Context, p models.Provider) error {
		r, err := s.chatWith(ctx, p, req, promptTokens)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Attempts = outcome.Attempts
	return result, nil
}

// chatWith performs one attempt against one provider
func (s *Service) chatWith(ctx context.Context, p models.Provider, req *ChatCompletionRequest, promptTokens int) (*ChatCompletionResult, error) {
	mapping, ok := p.Mapping(req.Model)
	if !ok {
		return nil, services.NewModelMappingMissingError(p.ID, req.Model)
	}
	adapter, err := s.adapterFor(p)
	if err != nil {
		return nil, err
	}

	meta := req.Meta
	meta.ExternalModelID = req.Model
	stream := req.Stream && mapping.SupportsStreaming
	chatReq := &providers.ChatRequest{
		Model:    mapping.AdapterModelID,
		Messages: req.Messages,
		Options: providers.ChatOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   clampTokens(req.MaxTokens, mapping.MaxTokens),
			Stop:        req.Stop,
			Stream:      stream,
			User:        req.User,
			Extra:       req.Extra,
		},
		Meta: meta,
	}
	providerMeta := normalizer.ProviderMeta{ProviderID: p.ID, PromptTokens: promptTokens}

	if stream {
		// The stream outlives the guarded call. It runs on an attempt context
		// cancelled when the breaker gives up or the stream is closed; the
		// breaker still bounds the time to first byte.
		attemptCtx, cancelAttempt := context.WithCancel(ctx)
		res, err := circuitbreaker.Execute(ctx, s.breakers, p.ID, func(context.Context) (*providers.ChatResult, error) {
			res, err := adapter.HandleChat(attemptCtx, chatReq)
			if err == nil && res.IsStream() && attemptCtx.Err() != nil {
				_ = res.Stream.Close()
				return nil, services.NewCancelledError(attemptCtx.Err())
			}
			return res, err
		})
		if err != nil {
			cancelAttempt()
			return nil, err
		}
		if res.IsStream() {
			chunks := s.chunkStream(res.Stream, req, p.ID)
			chunks.release = cancelAttempt
			return &ChatCompletionResult{Stream: chunks, ProviderID: p.ID}, nil
		}
		cancelAttempt()
		completion := s.normalizer.NormalizeChatResponse(res.Raw, req.Model, meta.RequestID, providerMeta)
		return &ChatCompletionResult{
			Stream:     s.chunkStream(completionStream(ctx, completion), req, p.ID),
			ProviderID: p.ID,
		}, nil
	}

	type buffered struct {
		raw       []byte
		content   string
		finish    string
		collected bool
	}
	out, err := circuitbreaker.Execute(ctx, s.breakers, p.ID, func(callCtx context.Context) (buffered, error) {
		res, err := adapter.HandleChat(callCtx, chatReq)
		if err != nil {
			return buffered{}, err
		}
		if res.IsStream() {
			content, finish, err := res.Stream.Collect()
			return buffered{content: content, finish: finish, collected: true}, err
		}
		return buffered{raw: res.Raw}, nil
	})
	if err != nil {
		return nil, err
	}

	var completion *normalizer.ChatCompletion
	if out.collected {
		completion = s.normalizer.CompletionFromStream(out.content, out.finish, req.Model, meta.RequestID, providerMeta)
	} else {
		completion = s.normalizer.NormalizeChatResponse(out.raw, req.Model, meta.RequestID, providerMeta)
	}

	if req.Stream {
		return &ChatCompletionResult{
			Stream:     s.chunkStream(completionStream(ctx, completion), req, p.ID),
			ProviderID: p.ID,
		}, nil
	}
	return &ChatCompletionResult{Completion: completion, ProviderID: p.ID}, nil
}

func (s *Service) chunkStream(deltas *providers.ChatStream, req *ChatCompletionRequest, providerID string) *ChunkStream {
	return NewChunkStream(deltas, s.normalizer, s.logger, req.Model, req.Meta.RequestID, providerID)
}

// HandleEmbeddings serves an embeddings request. Errors are *normalizer.GatewayError.
func (s *Service) HandleEmbeddings(ctx context.Context, req *EmbeddingsRequest) (*normalizer.EmbeddingsResponse, error) {
	resp, providerID, err := s.handleEmbeddings(ctx, req)
	if err != nil {
		return nil, s.fail(err, req.Meta.RequestID, req.Model)
	}

	s.logger.Info("embeddings served",
		zap.String("request_id", req.Meta.RequestID),
		zap.String("model", req.Model),
		zap.String("provider_id", providerID),
		zap.Int("inputs", len(req.Input)))
	return resp, nil
}

func (s *Service) handleEmbeddings(ctx context.Context, req *EmbeddingsRequest) (*normalizer.EmbeddingsResponse, string, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, "", services.NewValidationError("invalid embeddings request", err)
	}

	candidates, err := s.resolve(ctx, req.Model)
	if err != nil {
		return nil, "", err
	}

	promptTokens := 0
	for _, in := range req.Input {
		promptTokens += normalizer.EstimateTokens(in)
	}

	var resp *normalizer.EmbeddingsResponse
	outcome, err := s.dispatch(ctx, req.Model, candidates, func(ctx context.Context, p models.Provider) error {
		mapping, ok := p.Mapping(req.Model)
		if !ok {
			return services.NewModelMappingMissingError(p.ID, req.Model)
		}
		if !mapping.SupportsEmbeddings {
			return services.NewNotSupportedError("embeddings", string(p.Type))
		}
		adapter, err := s.adapterFor(p)
		if err != nil {
			return err
		}

		meta := req.Meta
		meta.ExternalModelID = req.Model
		embReq := &providers.EmbeddingsRequest{Model: mapping.AdapterModelID, Input: req.Input, Meta: meta}
		res, err := circuitbreaker.Execute(ctx, s.breakers, p.ID, func(callCtx context.Context) (*providers.EmbeddingsResult, error) {
			return adapter.HandleEmbeddings(callCtx, embReq)
		})
		if err != nil {
			return err
		}

		normalized, err := s.normalizer.NormalizeEmbeddingsResponse(res.Raw, req.Model,
			normalizer.ProviderMeta{ProviderID: p.ID, PromptTokens: promptTokens})
		if err != nil {
			return err
		}
		resp = normalized
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return resp, outcome.Provider.ID, nil
}

// GetAvailableModels merges the models of every enabled provider.
// Discovery runs concurrently; a provider whose discovery fails contributes
// its configured mappings.
func (s *Service) GetAvailableModels(ctx context.Context) (*normalizer.ModelList, error) {
	if entries, ok := s.modelCache.Get(modelsKey); ok {
		return &normalizer.ModelList{Object: normalizer.ObjectList, Data: entries}, nil
	}

	v, err, _ := s.group.Do(modelsKey, func() (any, error) {
		entries, err := s.discoverModels(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s.modelCache.Set(modelsKey, entries)
		return entries, nil
	})
	if err != nil {
		return nil, s.fail(err, "", "")
	}
	return &normalizer.ModelList{Object: normalizer.ObjectList, Data: v.([]normalizer.ModelEntry)}, nil
}

func (s *Service) discoverModels(ctx context.Context) ([]normalizer.ModelEntry, error) {
	enabled, err := s.providers.ListEnabled(ctx)
	if err != nil {
		return nil, services.WrapInternal("failed to list providers", err)
	}

	discovered := make([][]models.ModelMapping, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.DiscoveryConcurrency)
	for i, p := range enabled {
		g.Go(func() error {
			discovered[i] = s.providerModels(gctx, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byID := make(map[string]*normalizer.ModelEntry)
	for i, p := range enabled {
		created := p.UpdatedAt.Unix()
		if p.UpdatedAt.IsZero() {
			created = s.now().Unix()
		}
		for _, m := range discovered[i] {
			entry, ok := byID[m.ExternalModelID]
			if !ok {
				entry = &normalizer.ModelEntry{
					ID:      m.ExternalModelID,
					Object:  normalizer.ObjectModel,
					Created: created,
					OwnedBy: p.Slug,
				}
				byID[m.ExternalModelID] = entry
			}
			entry.SupportsStreaming = entry.SupportsStreaming || m.SupportsStreaming
			entry.SupportsEmbeddings = entry.SupportsEmbeddings || m.SupportsEmbeddings
		}
	}

	entries := make([]normalizer.ModelEntry, 0, len(byID))
	for _, e := range byID {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (s *Service) providerModels(ctx context.Context, p models.Provider) []models.ModelMapping {
	adapter, err := s.adapterFor(p)
	if err != nil {
		s.logger.Warn("skipping model discovery for misconfigured provider",
			zap.String("provider_id", p.ID),
			zap.Error(err))
		return p.Models
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.ModelsTimeout)
	defer cancel()

	mappings, err := adapter.GetModels(ctx)
	if err != nil {
		s.logger.Warn("model discovery failed",
			zap.String("provider_id", p.ID),
			zap.Error(err))
		return p.Models
	}
	return mappings
}

// TestProvider probes a provider's backend. Configuration problems are
// reported in the result rather than as an error.
func (s *Service) TestProvider(ctx context.Context, providerID string) (providers.TestResult, error) {
	p, err := s.provider(ctx, providerID)
	if err != nil {
		return providers.TestResult{}, s.fail(err, "", "")
	}

	adapter, err := s.adapterFor(*p)
	if err != nil {
		result := providers.TestResult{Success: false, Message: err.Error()}
		if problems, ok := services.GetErrorDetails(err)["errors"]; ok {
			result.Details = map[string]any{"errors": problems}
		}
		return result, nil
	}

	result := adapter.TestConnection(ctx)
	s.recordHealth(ctx, providerID, result)
	s.logger.Info("provider tested",
		zap.String("provider_id", providerID),
		zap.Bool("success", result.Success),
		zap.Int64("response_time_ms", result.ResponseTimeMs))
	return result, nil
}

// recordHealth stores a probe outcome when the registry keeps health
func (s *Service) recordHealth(ctx context.Context, providerID string, result providers.TestResult) {
	recorder, ok := s.providers.(repositories.HealthRecorder)
	if !ok {
		return
	}
	state := models.HealthStateHealthy
	if !result.Success {
		state = models.HealthStateUnhealthy
	}
	status := models.HealthStatus{
		Status:         state,
		LastChecked:    s.now(),
		ResponseTimeMs: result.ResponseTimeMs,
	}
	if err := recorder.RecordHealth(ctx, providerID, status); err != nil {
		s.logger.Warn("failed to record provider health",
			zap.String("provider_id", providerID),
			zap.Error(err))
	}
}

// CircuitStates returns a snapshot of every known circuit
func (s *Service) CircuitStates() []circuitbreaker.Snapshot {
	return s.breakers.Snapshots()
}

// ForceOpen opens a provider's circuit
func (s *Service) ForceOpen(ctx context.Context, providerID string) (circuitbreaker.Snapshot, error) {
	if _, err := s.provider(ctx, providerID); err != nil {
		return circuitbreaker.Snapshot{}, s.fail(err, "", "")
	}
	s.breakers.ForceOpen(providerID)
	return s.breakers.Snapshot(providerID), nil
}

// ForceReset closes a provider's circuit
func (s *Service) ForceReset(ctx context.Context, providerID string) (circuitbreaker.Snapshot, error) {
	if _, err := s.provider(ctx, providerID); err != nil {
		return circuitbreaker.Snapshot{}, s.fail(err, "", "")
	}
	s.breakers.ForceReset(providerID)
	return s.breakers.Snapshot(providerID), nil
}

// Ready reports whether the provider registry can be read
func (s *Service) Ready(ctx context.Context) error {
	if _, err := s.providers.ListEnabled(ctx); err != nil {
		return services.WrapInternal("provider registry unavailable", err)
	}
	return nil
}

// CacheStats returns statistics of the provider lookup cache
func (s *Service) CacheStats() CacheStats {
	return s.providerCache.Stats()
}

// resolve returns the providers registered for a model
func (s *Service) resolve(ctx context.Context, modelID string) ([]models.Provider, error) {
	candidates, err := s.providersFor(ctx, modelID)
	if err != nil {
		return nil, services.WrapInternal("failed to resolve providers", err)
	}
	if len(candidates) == 0 {
		return nil, services.NewModelNotFoundError(modelID)
	}
	return candidates, nil
}

// dispatch runs fn through the fallback engine when the model has an
// enabled fallback config, otherwise once against the best provider
func (s *Service) dispatch(ctx context.Context, modelID string, candidates []models.Provider, fn fallback.RequestFunc) (*fallback.Outcome, error) {
	cfg, err := s.engine.Config(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if cfg != nil && cfg.Enabled {
		return s.engine.ExecuteWithFallback(ctx, modelID, fn)
	}

	p, ok := s.engine.Primary(candidates)
	if !ok {
		return nil, services.NewNoHealthyProvidersError(modelID)
	}
	if err := fn(ctx, p); err != nil {
		return nil, err
	}
	return &fallback.Outcome{Provider: p, Attempts: 1}, nil
}

func (s *Service) providersFor(ctx context.Context, modelID string) ([]models.Provider, error) {
	if cached, ok := s.providerCache.Get(modelID); ok {
		return cached, nil
	}
	list, err := s.providers.ListByModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	s.providerCache.Set(modelID, list)
	return list, nil
}

func (s *Service) provider(ctx context.Context, providerID string) (*models.Provider, error) {
	p, err := s.providers.GetByID(ctx, providerID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, services.NewProviderNotFoundError(providerID)
	}
	if err != nil {
		return nil, services.WrapInternal("failed to load provider", err)
	}
	return p, nil
}

// adapterFor returns the cached adapter of a provider, rebuilding it when
// the provider's type, config or credentials changed
func (s *Service) adapterFor(p models.Provider) (providers.Adapter, error) {
	fp, err := fingerprint(p)
	if err != nil {
		return nil, services.WrapInternal("failed to fingerprint provider", err)
	}

	s.adaptersMu.RLock()
	entry, ok := s.adapters[p.ID]
	s.adaptersMu.RUnlock()
	if ok && entry.fingerprint == fp {
		return entry.adapter, nil
	}

	v, err, _ := s.group.Do("adapter:"+p.ID+":"+fp, func() (any, error) {
		adapter, err := s.factory.Create(p)
		if err != nil {
			return nil, err
		}
		s.adaptersMu.Lock()
		s.adapters[p.ID] = adapterEntry{fingerprint: fp, adapter: adapter}
		s.adaptersMu.Unlock()

		s.logger.Debug("adapter created",
			zap.String("provider_id", p.ID),
			zap.String("type", string(p.Type)))
		return adapter, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(providers.Adapter), nil
}

func (s *Service) onChange(ev repositories.ChangeEvent) {
	s.providerCache.Clear()
	s.modelCache.Clear()

	if ev.Kind == repositories.ChangeProvider {
		s.adaptersMu.Lock()
		if ev.ID == "" {
			s.adapters = make(map[string]adapterEntry)
		} else {
			delete(s.adapters, ev.ID)
		}
		s.adaptersMu.Unlock()
	}

	s.logger.Debug("registry changed, caches invalidated",
		zap.String("kind", string(ev.Kind)),
		zap.String("id", ev.ID))
}

// fail normalizes err and logs it at a level matching its status
func (s *Service) fail(err error, requestID, modelID string) error {
	gwErr := s.normalizer.NormalizeError(err, requestID)
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("model", modelID),
		zap.String("type", gwErr.Type),
		zap.String("code", gwErr.Code),
		zap.Int("status", gwErr.Status),
		zap.String("trace_id", gwErr.TraceID),
		zap.Error(err),
	}
	if gwErr.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", fields...)
	} else {
		s.logger.Warn("request failed", fields...)
	}
	return gwErr
}

type fingerprintInput struct {
	Type          models.ProviderType   `json:"type"`
	AdapterConfig map[string]any        `json:"adapter_config"`
	Credentials   models.Credentials    `json:"credentials"`
	Models        []models.ModelMapping `json:"models"`
}

// fingerprint hashes everything an adapter is built from
func fingerprint(p models.Provider) (string, error) {
	raw, err := json.Marshal(fingerprintInput{
		Type:          p.Type,
		AdapterConfig: p.AdapterConfig,
		Credentials:   p.Credentials,
		Models:        p.Models,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// clampTokens caps a requested max_tokens at the mapping limit
func clampTokens(requested, limit int) int {
	if limit > 0 && requested > limit {
		return limit
	}
	return requested
}

type cachedProviders struct {
	s *Service
}

func (c cachedProviders) ListByModel(ctx context.Context, modelID string) ([]models.Provider, error) {
	return c.s.providersFor(ctx, modelID)
}
