package repositories

import (
	"context"
	"errors"

	"github.com/upb/llm-gateway/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// ProviderRepository is the read-only provider registry
type ProviderRepository interface {
	// ListByModel returns the enabled providers that map an external model id
	ListByModel(ctx context.Context, externalModelID string) ([]models.Provider, error)

	// ListEnabled returns every enabled provider
	ListEnabled(ctx context.Context) ([]models.Provider, error)

	// GetByID retrieves a provider by id, enabled or not.
	// Returns ErrNotFound when it does not exist.
	GetByID(ctx context.Context, id string) (*models.Provider, error)
}

// FallbackConfigRepository is the read-only source of per-model fallback configs
type FallbackConfigRepository interface {
	// GetByModel returns the config for a model, or ErrNotFound
	GetByModel(ctx context.Context, modelID string) (*models.FallbackConfig, error)

	// List returns every fallback config
	List(ctx context.Context) ([]models.FallbackConfig, error)
}

// ChangeKind identifies what changed in a registry
type ChangeKind string

const (
	ChangeProvider ChangeKind = "provider"
	ChangeFallback ChangeKind = "fallback"
)

// ChangeEvent announces a registry change. ID is empty for bulk reloads.
type ChangeEvent struct {
	Kind ChangeKind
	ID   string
}

// ChangeNotifier is implemented by registries that announce changes
type ChangeNotifier interface {
	// Subscribe registers fn for every change event and returns a function
	// that removes the subscription
	Subscribe(fn func(ChangeEvent)) (unsubscribe func())
}

// HealthRecorder is implemented by registries that store probe outcomes
type HealthRecorder interface {
	RecordHealth(ctx context.Context, id string, status models.HealthStatus) error
}

// Repositories bundles the registry views the gateway reads
type Repositories struct {
	Providers ProviderRepository
	Fallbacks FallbackConfigRepository
}
