package fallback

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/circuitbreaker"
)

// ProviderSource lists the providers registered for a model
type ProviderSource interface {
	ListByModel(ctx context.Context, modelID string) ([]models.Provider, error)
}

// ConfigSource returns the fallback config of a model.
// repositories.ErrNotFound means the model has none.
type ConfigSource interface {
	GetByModel(ctx context.Context, modelID string) (*models.FallbackConfig, error)
}

// RequestFunc performs one attempt against a provider
type RequestFunc func(ctx context.Context, provider models.Provider) error

// Outcome describes a successful execution
type Outcome struct {
	Provider models.Provider
	Attempts int
}

// Engine orders candidate providers per model and drives multi-attempt execution
type Engine struct {
	providers ProviderSource
	configs   ConfigSource
	breakers  *circuitbreaker.Registry
	logger    *zap.Logger

	mu         sync.Mutex
	roundRobin map[string]uint64

	rngMu sync.Mutex
	rng   *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes an Engine
type Option func(*Engine)

// WithRand sets the random source used by the RANDOM strategy
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) {
		e.rng = rng
	}
}

// WithSleep replaces the delay between attempts
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// NewEngine creates a fallback engine. configs may be nil, in which case
// every model is served by its single best provider.
func NewEngine(providers ProviderSource, configs ConfigSource, breakers *circuitbreaker.Registry, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		providers:  providers,
		configs:    configs,
		breakers:   breakers,
		logger:     logger,
		roundRobin: make(map[string]uint64),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the fallback config of a model, or nil when it has none
func (e *Engine) Config(ctx context.Context, modelID string) (*models.FallbackConfig, error) {
	if e.configs == nil {
		return nil, nil
	}
	cfg, err := e.configs.GetByModel(ctx, modelID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, services.WrapInternal("failed to load fallback config", err)
	}
	return cfg, nil
}

// GetOrderedProviders returns the candidates for a model: registry lookup,
// then the explicit provider list of cfg, then the breaker filter, then the
// strategy ordering. A nil cfg orders by health.
func (e *Engine) GetOrderedProviders(ctx context.Context, modelID string, cfg *models.FallbackConfig) ([]models.Provider, error) {
	registered, err := e.providers.ListByModel(ctx, modelID)
	if err != nil {
		return nil, services.WrapInternal("failed to list providers", err)
	}
	if len(registered) == 0 {
		return nil, services.NewNoProvidersForModelError(modelID)
	}

	candidates := make([]models.Provider, 0, len(registered))
	for _, p := range registered {
		if cfg != nil && !cfg.Allows(p.ID) {
			continue
		}
		if !e.breakers.Available(p.ID) {
			e.logger.Debug("skipping provider with open circuit",
				zap.String("provider_id", p.ID),
				zap.String("model", modelID))
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, services.NewNoHealthyProvidersError(modelID)
	}

	strategy := models.StrategyHealthBased
	if cfg != nil {
		strategy = cfg.Strategy
	}

	switch strategy {
	case models.StrategyRoundRobin:
		byPriority(candidates, cfg)
		return e.rotate(modelID, candidates), nil
	case models.StrategyRandom:
		e.shuffle(candidates)
		return candidates, nil
	case models.StrategyHealthBased:
		e.byHealth(candidates)
		return candidates, nil
	case models.StrategyNone:
		byPriority(candidates, cfg)
		return candidates[:1], nil
	default:
		byPriority(candidates, cfg)
		return candidates, nil
	}
}

// ExecuteWithFallback calls fn for each candidate in order until one succeeds.
// Without an enabled config the single best provider gets one attempt.
// Errors no other provider can fix are returned as they are; a run where
// every attempt failed returns a fallback_exhausted error.
func (e *Engine) ExecuteWithFallback(ctx context.Context, modelID string, fn RequestFunc) (*Outcome, error) {
	cfg, err := e.Config(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if cfg != nil && !cfg.Enabled {
		cfg = nil
	}

	candidates, err := e.GetOrderedProviders(ctx, modelID, cfg)
	if err != nil {
		return nil, err
	}

	limit := 1
	var delay time.Duration
	if cfg != nil {
		limit = len(candidates)
		if cfg.MaxAttempts > 0 && cfg.MaxAttempts < limit {
			limit = cfg.MaxAttempts
		}
		delay = cfg.RetryDelay
	}

	var lastErr error
	attempts := 0
	for i := 0; i < limit; i++ {
		provider := candidates[i]
		if i > 0 && delay > 0 {
			if err := e.sleep(ctx, delay); err != nil {
				return nil, services.NewCancelledError(err)
			}
		}

		attempts++
		err := fn(ctx, provider)
		if err == nil {
			if attempts > 1 {
				e.logger.Info("request served by fallback provider",
					zap.String("model", modelID),
					zap.String("provider_id", provider.ID),
					zap.Int("attempts", attempts))
			}
			return &Outcome{Provider: provider, Attempts: attempts}, nil
		}

		lastErr = err
		if stopsFallback(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, services.NewCancelledError(ctx.Err())
		}
		e.logger.Warn("provider attempt failed",
			zap.String("model", modelID),
			zap.String("provider_id", provider.ID),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", limit),
			zap.Error(err))
	}

	if cfg == nil {
		return nil, lastErr
	}
	return nil, services.NewFallbackExhaustedError(modelID, attempts, lastErr)
}

// Primary returns the best single provider among candidates: those whose
// circuit admits calls, ordered by health.
func (e *Engine) Primary(candidates []models.Provider) (models.Provider, bool) {
	available := make([]models.Provider, 0, len(candidates))
	for _, p := range candidates {
		if e.breakers.Available(p.ID) {
			available = append(available, p)
		}
	}
	if len(available) == 0 {
		return models.Provider{}, false
	}
	e.byHealth(available)
	return available[0], true
}

// stopsFallback reports errors that another provider cannot fix
func stopsFallback(err error) bool {
	if services.IsPermanent(err) {
		return true
	}
	status, ok := services.HTTPStatusOf(err)
	return ok && (status == http.StatusUnauthorized || status == http.StatusForbidden)
}

// byPriority sorts by ascending explicit priority. Providers without one
// keep their registry order after every prioritized provider.
func byPriority(candidates []models.Provider, cfg *models.FallbackConfig) {
	if cfg == nil {
		return
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, iok := cfg.PriorityOf(candidates[i].ID)
		pj, jok := cfg.PriorityOf(candidates[j].ID)
		switch {
		case iok && jok:
			return pi < pj
		case iok != jok:
			return iok
		}
		return false
	})
}

// rotate returns candidates starting at the model's round-robin offset and
// advances the offset
func (e *Engine) rotate(modelID string, candidates []models.Provider) []models.Provider {
	e.mu.Lock()
	counter := e.roundRobin[modelID]
	e.roundRobin[modelID] = counter + 1
	e.mu.Unlock()

	n := len(candidates)
	start := int(counter % uint64(n))
	rotated := make([]models.Provider, 0, n)
	rotated = append(rotated, candidates[start:]...)
	return append(rotated, candidates[:start]...)
}

func (e *Engine) shuffle(candidates []models.Provider) {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	e.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
}

// byHealth puts healthy providers first and unhealthy ones last; ties go to
// the most recently checked. A provider whose circuit is not CLOSED ranks
// with the unhealthy ones.
func (e *Engine) byHealth(candidates []models.Provider) {
	rank := make(map[string]int, len(candidates))
	for _, p := range candidates {
		r := healthRank(p.HealthStatus.Status)
		if !e.breakers.IsHealthy(p.ID) && r < 2 {
			r = 2
		}
		rank[p.ID] = r
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := rank[candidates[i].ID], rank[candidates[j].ID]
		if ri != rj {
			return ri < rj
		}
		return candidates[i].HealthStatus.LastChecked.After(candidates[j].HealthStatus.LastChecked)
	})
}

func healthRank(state models.HealthState) int {
	switch state {
	case models.HealthStateHealthy:
		return 0
	case models.HealthStateUnhealthy:
		return 2
	default:
		return 1
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
