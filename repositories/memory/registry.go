package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/utils"
)

// Document is the file layout of a static registry
type Document struct {
	Providers []models.Provider       `yaml:"providers"`
	Fallbacks []models.FallbackConfig `yaml:"fallbacks"`
}

// Registry is an in-memory provider and fallback-config registry.
// It implements repositories.ProviderRepository,
// repositories.FallbackConfigRepository and repositories.ChangeNotifier.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]models.Provider
	fallbacks map[string]models.FallbackConfig

	repositories.Subscribers
	logger *zap.Logger
}

// New creates an empty registry
func New(logger *zap.Logger) *Registry {
	return &Registry{
		providers: make(map[string]models.Provider),
		fallbacks: make(map[string]models.FallbackConfig),
		logger:    logger,
	}
}

// LoadFile reads a YAML registry document and replaces the registry content.
// ${VAR} references are expanded from the environment so secrets stay out
// of the file.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read registry file: %w", err)
	}
	doc, err := Parse([]byte(os.ExpandEnv(string(raw))))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return r.Load(doc)
}

// Parse decodes a YAML registry document
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	return &doc, nil
}

// Load validates doc and replaces the registry content with it.
// Subscribers are notified once for providers and once for fallbacks.
func (r *Registry) Load(doc *Document) error {
	providers := make(map[string]models.Provider, len(doc.Providers))
	for i, p := range doc.Providers {
		if err := utils.ValidateStruct(&p); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		if _, dup := providers[p.ID]; dup {
			return fmt.Errorf("providers[%d]: duplicate provider id %q", i, p.ID)
		}
		if p.HealthStatus.Status == "" {
			p.HealthStatus.Status = models.HealthStateUnknown
		}
		providers[p.ID] = p
	}

	fallbacks := make(map[string]models.FallbackConfig, len(doc.Fallbacks))
	for i, f := range doc.Fallbacks {
		if err := utils.ValidateStruct(&f); err != nil {
			return fmt.Errorf("fallbacks[%d]: %w", i, err)
		}
		if _, dup := fallbacks[f.ModelID]; dup {
			return fmt.Errorf("fallbacks[%d]: duplicate fallback config for model %q", i, f.ModelID)
		}
		for _, entry := range f.ProviderOrder {
			if _, ok := providers[entry.ProviderID]; !ok {
				r.logger.Warn("fallback config references unknown provider",
					zap.String("model", f.ModelID),
					zap.String("provider_id", entry.ProviderID))
			}
		}
		fallbacks[f.ModelID] = f
	}

	r.mu.Lock()
	r.providers = providers
	r.fallbacks = fallbacks
	r.mu.Unlock()

	r.logger.Info("registry loaded",
		zap.Int("providers", len(providers)),
		zap.Int("fallback_configs", len(fallbacks)))

	r.Publish(repositories.ChangeEvent{Kind: repositories.ChangeProvider})
	r.Publish(repositories.ChangeEvent{Kind: repositories.ChangeFallback})
	return nil
}

// RecordHealth stores the outcome of a health probe on a provider
func (r *Registry) RecordHealth(_ context.Context, id string, status models.HealthStatus) error {
	r.mu.Lock()
	p, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return repositories.ErrNotFound
	}
	p.HealthStatus = status
	r.providers[id] = p
	r.mu.Unlock()

	r.Publish(repositories.ChangeEvent{Kind: repositories.ChangeProvider, ID: id})
	return nil
}

// ListByModel returns the enabled providers mapping an external model id, by id
func (r *Registry) ListByModel(_ context.Context, externalModelID string) ([]models.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Provider
	for _, p := range r.providers {
		if p.Enabled && p.ServesModel(externalModelID) {
			out = append(out, p)
		}
	}
	sortProviders(out)
	return out, nil
}

// ListEnabled returns every enabled provider, by id
func (r *Registry) ListEnabled(_ context.Context) ([]models.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Provider
	for _, p := range r.providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sortProviders(out)
	return out, nil
}

// GetByID retrieves a provider by id
func (r *Registry) GetByID(_ context.Context, id string) (*models.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &p, nil
}

// GetByModel returns the fallback config of a model
func (r *Registry) GetByModel(_ context.Context, modelID string) (*models.FallbackConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.fallbacks[modelID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &f, nil
}

// List returns every fallback config, by model id
func (r *Registry) List(_ context.Context) ([]models.FallbackConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.FallbackConfig, 0, len(r.fallbacks))
	for _, f := range r.fallbacks {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

func sortProviders(p []models.Provider) {
	sort.Slice(p, func(i, j int) bool { return p[i].ID < p[j].ID })
}
