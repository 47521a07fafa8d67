package providers

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
)

var (
	// ErrBuilderAlreadyRegistered is returned when a provider type already has a builder
	ErrBuilderAlreadyRegistered = errors.New("adapter builder already registered")
)

// AdapterBuilder creates an adapter for one provider snapshot.
// Builders must not perform network or process activity.
type AdapterBuilder func(provider models.Provider) (Adapter, error)

// Factory creates adapters keyed on provider type
type Factory struct {
	mu       sync.RWMutex
	builders map[models.ProviderType]AdapterBuilder
}

// NewFactory creates an empty adapter factory
func NewFactory() *Factory {
	return &Factory{
		builders: make(map[models.ProviderType]AdapterBuilder),
	}
}

// Register registers the builder for a provider type
func (f *Factory) Register(providerType models.ProviderType, builder AdapterBuilder) error {
	if builder == nil {
		return errors.New("builder cannot be nil")
	}
	if !providerType.IsValid() {
		return fmt.Errorf("unknown provider type %q", providerType)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.builders[providerType]; exists {
		return ErrBuilderAlreadyRegistered
	}
	f.builders[providerType] = builder
	return nil
}

// WithBuilder registers a builder and returns the factory for chaining.
// It panics on a duplicate registration, which is a wiring bug.
func (f *Factory) WithBuilder(providerType models.ProviderType, builder AdapterBuilder) *Factory {
	if err := f.Register(providerType, builder); err != nil {
		panic(fmt.Sprintf("register %s builder: %v", providerType, err))
	}
	return f
}

// Create builds and validates the adapter for a provider.
// Unknown types and invalid configs fail with a configuration error.
func (f *Factory) Create(provider models.Provider) (Adapter, error) {
	f.mu.RLock()
	builder, exists := f.builders[provider.Type]
	f.mu.RUnlock()

	if !exists {
		return nil, services.NewConfigurationError(
			fmt.Sprintf("unsupported provider type %q for provider %q", provider.Type, provider.ID),
			[]string{fmt.Sprintf("type must be one of %v", f.Types())},
		)
	}

	adapter, err := builder(provider)
	if err != nil {
		if services.IsConfigurationError(err) {
			return nil, err
		}
		return nil, services.NewConfigurationError(
			fmt.Sprintf("failed to build %s adapter for provider %q", provider.Type, provider.ID),
			[]string{err.Error()},
		)
	}

	if result := adapter.ValidateConfig(); !result.Valid {
		return nil, services.NewConfigurationError(
			fmt.Sprintf("invalid %s config for provider %q", provider.Type, provider.ID),
			result.Errors,
		)
	}

	return adapter, nil
}

// Types returns the registered provider types in sorted order
func (f *Factory) Types() []models.ProviderType {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]models.ProviderType, 0, len(f.builders))
	for t := range f.builders {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
