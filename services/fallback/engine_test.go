package fallback

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/circuitbreaker"
)

type stubProviders map[string][]models.Provider

func (s stubProviders) ListByModel(_ context.Context, modelID string) ([]models.Provider, error) {
	return append([]models.Provider(nil), s[modelID]...), nil
}

type stubConfigs map[string]*models.FallbackConfig

func (s stubConfigs) GetByModel(_ context.Context, modelID string) (*models.FallbackConfig, error) {
	cfg, ok := s[modelID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return cfg, nil
}

func provider(id string) models.Provider {
	return models.Provider{ID: id, Slug: id, Type: models.ProviderTypeHTTPSDK, Enabled: true}
}

func priority(n int) *int { return &n }

func newEngine(t *testing.T, providers stubProviders, configs stubConfigs) (*Engine, *circuitbreaker.Registry) {
	t.Helper()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute}, zap.NewNop())
	return NewEngine(providers, configs, breakers, zap.NewNop(), WithSleep(func(context.Context, time.Duration) error { return nil })), breakers
}

func ids(providers []models.Provider) []string {
	out := make([]string, len(providers))
	for i, p := range providers {
		out[i] = p.ID
	}
	return out
}

func TestExecuteWithFallback_RoundRobinFailover(t *testing.T) {
	engine, _ := newEngine(t,
		stubProviders{"m1": {provider("P1"), provider("P2"), provider("P3")}},
		stubConfigs{"m1": {ModelID: "m1", Strategy: models.StrategyRoundRobin, MaxAttempts: 2, Enabled: true}},
	)

	var calls []string
	outcome, err := engine.ExecuteWithFallback(context.Background(), "m1", func(_ context.Context, p models.Provider) error {
		calls = append(calls, p.ID)
		if p.ID == "P1" {
			return services.NewNetworkError(errors.New("connection refused"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "P2", outcome.Provider.ID)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, []string{"P1", "P2"}, calls)
}

func TestExecuteWithFallback_Exhausted(t *testing.T) {
	engine, _ := newEngine(t,
		stubProviders{"m1": {provider("P1"), provider("P2"), provider("P3")}},
		stubConfigs{"m1": {ModelID: "m1", Strategy: models.StrategyPriority, MaxAttempts: 2, Enabled: true}},
	)

	calls := 0
	last := services.NewHTTPStatusError(503, []byte("busy"))
	_, err := engine.ExecuteWithFallback(context.Background(), "m1", func(context.Context, models.Provider) error {
		calls++
		return last
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrFallbackExhausted)
	assert.Equal(t, 2, calls)
	assert.Equal(t, calls, services.AttemptsOf(err))
	assert.Same(t, last, errors.Unwrap(err))
}

func TestExecuteWithFallback_AttemptsBoundedByCandidates(t *testing.T) {
	engine, _ := newEngine(t,
		stubProviders{"m1": {provider("P1"), provider("P2")}},
		stubConfigs{"m1": {ModelID: "m1", Strategy: models.StrategyPriority, MaxAttempts: 5, Enabled: true}},
	)

	calls := 0
	_, err := engine.ExecuteWithFallback(context.Background(), "m1", func(context.Context, models.Provider) error {
		calls++
		return services.NewNetworkError(errors.New("reset"))
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, services.AttemptsOf(err))
}

func TestExecuteWithFallback_PermanentErrorStops(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"configuration", services.NewConfigurationError("bad config", nil)},
		{"validation", services.NewValidationError("bad input", nil)},
		{"cancelled", services.NewCancelledError(context.Canceled)},
		{"upstream unauthorized", services.NewHTTPStatusError(401, nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _ := newEngine(t,
				stubProviders{"m1": {provider("P1"), provider("P2")}},
				stubConfigs{"m1": {ModelID: "m1", Strategy: models.StrategyPriority, MaxAttempts: 2, Enabled: true}},
			)

			calls := 0
			_, err := engine.ExecuteWithFallback(context.Background(), "m1", func(context.Context, models.Provider) error {
				calls++
				return tt.err
			})

			assert.Same(t, tt.err, err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestExecuteWithFallback_NoConfigUsesSingleProvider(t *testing.T) {
	engine, _ := newEngine(t,
		stubProviders{"m1": {provider("P1"), provider("P2")}},
		stubConfigs{},
	)

	calls := 0
	upstream := services.NewNetworkError(errors.New("down"))
	_, err := engine.ExecuteWithFallback(context.Background(), "m1", func(context.Context, models.Provider) error {
		calls++
		return upstream
	})

	assert.Same(t, upstream, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithFallback_DisabledConfigUsesSingleProvider(t *testing.T) {
	engine, _ := newEngine(t,
		stubProviders{"m1": {provider("P1"), provider("P2")}},
		stubConfigs{"m1": {ModelID: "m1", Strategy: models.StrategyPriority, MaxAttempts: 2, Enabled: false}},
	)

	calls := 0
	_, err := engine.ExecuteWithFallback(context.Background(), "m1", func(context.Context, models.Provider) error {
		calls++
		return services.NewNetworkError(errors.New("down"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithFallback_NoProviders(t *testing.T) {
	engine, _ := newEngine(t, stubProviders{}, stubConfigs{})

	_, err := engine.ExecuteWithFallback(context.Background(), "missing", func(context.Context, models.Provider) error {
		t.Fatal("fn must not be called")
		return nil
	})

	assert.ErrorIs(t, err, services.ErrNoProvidersForModel)
}

func TestExecuteWithFallback_NoHealthyProviders(t *testing.T) {
	engine, breakers := newEngine(t,
		stubProviders{"m1": {provider("P1"), provider("P2")}},
		stubConfigs{},
	)
	breakers.ForceOpen("P1")
	breakers.ForceOpen("P2")

	_, err := engine.ExecuteWithFallback(context.Background(), "m1", func(context.Context, models.Provider) error {
		t.Fatal("fn must not be called")
		return nil
	})

	assert.ErrorIs(t, err, services.ErrNoHealthyProviders)
}

func TestExecuteWithFallback_SkipsOpenCircuits(t *testing.T) {
	engine, breakers := newEngine(t,
		stubProviders{"m1": {provider("P1"), provider("P2"), provider("P3")}},
		stubConfigs{"m1": {ModelID: "m1", Strategy: models.StrategyPriority, MaxAttempts: 3, Enabled: true}},
	)
	breakers.ForceOpen("P1")

	var calls []string
	_, err := engine.ExecuteWithFallback(context.Background(), "m1", func(_ context.Context, p models.Provider) error {
		calls = append(calls, p.ID)
		return services.NewNetworkError(errors.New("down"))
	})

	require.Error(t, err)
	assert.Equal(t, []string{"P2", "P3"}, calls)
	assert.Equal(t, 2, services.AttemptsOf(err))
}

func TestExecuteWithFallback_CancelledBetweenAttempts(t *testing.T) {
	engine, _ := newEngine(t,
		stubProviders{"m1": {provider("P1"), provider("P2")}},
		stubConfigs{"m1": {ModelID: "m1", Strategy: models.StrategyPriority, MaxAttempts: 2, Enabled: true}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := engine.ExecuteWithFallback(ctx, "m1", func(context.Context, models.Provider) error {
		calls++
		cancel()
		return services.NewNetworkError(errors.New("down"))
	})

	assert.True(t, services.IsCancelled(err))
	assert.Equal(t, 1, calls)
}

func TestExecuteWithFallback_RetryDelay(t *testing.T) {
	var slept []time.Duration
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), zap.NewNop())
	engine := NewEngine(
		stubProviders{"m1": {provider("P1"), provider("P2"), provider("P3")}},
		stubConfigs{"m1": {ModelID: "m1", Strategy: models.StrategyPriority, MaxAttempts: 3, Enabled: true, RetryDelay: 250 * time.Millisecond}},
		breakers, zap.NewNop(),
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
	)

	_, err := engine.ExecuteWithFallback(context.Background(), "m1", func(context.Context, models.Provider) error {
		return services.NewNetworkError(errors.New("down"))
	})

	require.Error(t, err)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, slept)
}

func TestGetOrderedProviders_RoundRobinRotates(t *testing.T) {
	engine, _ := newEngine(t,
		stubProviders{"m1": {provider("P1"), provider("P2"), provider("P3")}},
		nil,
	)
	cfg := &models.FallbackConfig{ModelID: "m1", Strategy: models.StrategyRoundRobin, Enabled: true}

	var firsts []string
	for i := 0; i < 4; i++ {
		ordered, err := engine.GetOrderedProviders(context.Background(), "m1", cfg)
		require.NoError(t, err)
		require.Len(t, ordered, 3)
		firsts = append(firsts, ordered[0].ID)
	}

	assert.Equal(t, []string{"P1", "P2", "P3", "P1"}, firsts)

	ordered, err := engine.GetOrderedProviders(context.Background(), "m1", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"P2", "P3", "P1"}, ids(ordered))
}

func TestGetOrderedProviders_RoundRobinCountersPerModel(t *testing.T) {
	engine, _ := newEngine(t,
		stubProviders{
			"m1": {provider("P1"), provider("P2")},
			"m2": {provider("P1"), provider("P2")},
		},
		nil,
	)
	rr := func(model string) *models.FallbackConfig {
		return &models.FallbackConfig{ModelID: model, Strategy: models.StrategyRoundRobin, Enabled: true}
	}

	first, err := engine.GetOrderedProviders(context.Background(), "m1", rr("m1"))
	require.NoError(t, err)
	other, err := engine.GetOrderedProviders(context.Background(), "m2", rr("m2"))
	require.NoError(t, err)

	assert.Equal(t, "P1", first[0].ID)
	assert.Equal(t, "P1", other[0].ID)
}

func TestGetOrderedProviders_Priority(t *testing.T) {
	engine, _ := newEngine(t,
		stubProviders{"m1": {provider("A"), provider("B"), provider("C"), provider("D")}},
		nil,
	)
	cfg := &models.FallbackConfig{
		ModelID:  "m1",
		Strategy: models.StrategyPriority,
		Enabled:  true,
		ProviderOrder: []models.FallbackProvider{
			{ProviderID: "A"},
			{ProviderID: "B", Priority: priority(2)},
			{ProviderID: "C", Priority: priority(1)},
		},
	}

	ordered, err := engine.GetOrderedProviders(context.Background(), "m1", cfg)

	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, ids(ordered), "explicit list filters D; unset priority sorts last")
}

func TestGetOrderedProviders_HealthBased(t *testing.T) {
	now := time.Now()
	withHealth := func(id string, state models.HealthState, checked time.Time) models.Provider {
		p := provider(id)
		p.HealthStatus = models.HealthStatus{Status: state, LastChecked: checked}
		return p
	}
	engine, _ := newEngine(t,
		stubProviders{"m1": {
			withHealth("sick", models.HealthStateUnhealthy, now),
			withHealth("old", models.HealthStateHealthy, now.Add(-time.Hour)),
			withHealth("unknown", models.HealthStateUnknown, now),
			withHealth("fresh", models.HealthStateHealthy, now),
		}},
		nil,
	)
	cfg := &models.FallbackConfig{ModelID: "m1", Strategy: models.StrategyHealthBased, Enabled: true}

	ordered, err := engine.GetOrderedProviders(context.Background(), "m1", cfg)

	require.NoError(t, err)
	assert.Equal(t, []string{"fresh", "old", "unknown", "sick"}, ids(ordered))
}

func TestGetOrderedProviders_RandomIsPermutation(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), zap.NewNop())
	engine := NewEngine(
		stubProviders{"m1": {provider("P1"), provider("P2"), provider("P3"), provider("P4")}},
		nil, breakers, zap.NewNop(),
		WithRand(rand.New(rand.NewSource(7))),
	)
	cfg := &models.FallbackConfig{ModelID: "m1", Strategy: models.StrategyRandom, Enabled: true}

	ordered, err := engine.GetOrderedProviders(context.Background(), "m1", cfg)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"P1", "P2", "P3", "P4"}, ids(ordered))
}

func TestGetOrderedProviders_NoneKeepsPrimaryOnly(t *testing.T) {
	engine, _ := newEngine(t,
		stubProviders{"m1": {provider("P1"), provider("P2")}},
		nil,
	)
	cfg := &models.FallbackConfig{ModelID: "m1", Strategy: models.StrategyNone, MaxAttempts: 3, Enabled: true}

	ordered, err := engine.GetOrderedProviders(context.Background(), "m1", cfg)

	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, ids(ordered))
}

func TestPrimary(t *testing.T) {
	engine, breakers := newEngine(t, nil, nil)
	healthy := provider("healthy")
	healthy.HealthStatus.Status = models.HealthStateHealthy
	degraded := provider("degraded")
	degraded.HealthStatus.Status = models.HealthStateDegraded

	p, ok := engine.Primary([]models.Provider{degraded, healthy})
	require.True(t, ok)
	assert.Equal(t, "healthy", p.ID)

	breakers.ForceOpen("healthy")
	p, ok = engine.Primary([]models.Provider{degraded, healthy})
	require.True(t, ok)
	assert.Equal(t, "degraded", p.ID)

	breakers.ForceOpen("degraded")
	_, ok = engine.Primary([]models.Provider{degraded, healthy})
	assert.False(t, ok)
}
