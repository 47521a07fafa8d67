package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
)

const providerColumns = `p.id, p.slug, p.type, p.adapter_config, p.credentials, p.enabled,
		p.health_status, p.health_checked_at, p.response_time_ms, p.error_rate, p.updated_at`

// ProviderRepository implements repositories.ProviderRepository over the
// providers and provider_models tables. It also records probe outcomes and
// relays change events.
type ProviderRepository struct {
	db     *DB
	events *repositories.Subscribers
	logger *zap.Logger
}

// NewProviderRepository creates a new provider repository
func NewProviderRepository(db *DB, events *repositories.Subscribers, logger *zap.Logger) *ProviderRepository {
	return &ProviderRepository{
		db:     db,
		events: events,
		logger: logger,
	}
}

// ListByModel returns the enabled providers mapping an external model id
func (r *ProviderRepository) ListByModel(ctx context.Context, externalModelID string) ([]models.Provider, error) {
	query := `
		SELECT ` + providerColumns + `
		FROM providers p
		WHERE p.enabled
		  AND EXISTS (
			SELECT 1 FROM provider_models m
			WHERE m.provider_id = p.id AND m.external_model_id = $1
		  )
		ORDER BY p.id
	`

	providers, err := r.queryProviders(ctx, query, externalModelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers for model: %w", err)
	}
	return providers, nil
}

// ListEnabled returns every enabled provider
func (r *ProviderRepository) ListEnabled(ctx context.Context) ([]models.Provider, error) {
	query := `
		SELECT ` + providerColumns + `
		FROM providers p
		WHERE p.enabled
		ORDER BY p.id
	`

	providers, err := r.queryProviders(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled providers: %w", err)
	}
	return providers, nil
}

// GetByID retrieves a provider by id, enabled or not
func (r *ProviderRepository) GetByID(ctx context.Context, id string) (*models.Provider, error) {
	query := `
		SELECT ` + providerColumns + `
		FROM providers p
		WHERE p.id = $1
	`

	p, err := scanProvider(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repositories.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}

	list := []models.Provider{p}
	if err := r.attachModels(ctx, list); err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return &list[0], nil
}

// RecordHealth stores a probe outcome on the provider row
func (r *ProviderRepository) RecordHealth(ctx context.Context, id string, status models.HealthStatus) error {
	query := `
		UPDATE providers
		SET health_status = $2, health_checked_at = $3, response_time_ms = $4, error_rate = $5
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		id,
		string(status.Status),
		status.LastChecked,
		status.ResponseTimeMs,
		status.ErrorRate,
	)
	if err != nil {
		return fmt.Errorf("failed to record provider health: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repositories.ErrNotFound
	}

	r.logger.Debug("provider health recorded",
		zap.String("provider_id", id),
		zap.String("status", string(status.Status)))
	r.events.Publish(repositories.ChangeEvent{Kind: repositories.ChangeProvider, ID: id})
	return nil
}

// Subscribe registers fn for registry change events
func (r *ProviderRepository) Subscribe(fn func(repositories.ChangeEvent)) func() {
	return r.events.Subscribe(fn)
}

func (r *ProviderRepository) queryProviders(ctx context.Context, query string, args ...any) ([]models.Provider, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []models.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.attachModels(ctx, providers); err != nil {
		return nil, err
	}
	return providers, nil
}

// attachModels loads the model mappings of every provider in one query
func (r *ProviderRepository) attachModels(ctx context.Context, providers []models.Provider) error {
	if len(providers) == 0 {
		return nil
	}

	ids := make([]string, len(providers))
	index := make(map[string]int, len(providers))
	for i, p := range providers {
		ids[i] = p.ID
		index[p.ID] = i
	}

	query := `
		SELECT provider_id, external_model_id, adapter_model_id, max_tokens,
			supports_streaming, supports_embeddings
		FROM provider_models
		WHERE provider_id = ANY($1)
		ORDER BY provider_id, external_model_id
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to load model mappings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var providerID string
		var m models.ModelMapping
		if err := rows.Scan(
			&providerID,
			&m.ExternalModelID,
			&m.AdapterModelID,
			&m.MaxTokens,
			&m.SupportsStreaming,
			&m.SupportsEmbeddings,
		); err != nil {
			return fmt.Errorf("failed to scan model mapping: %w", err)
		}
		if i, ok := index[providerID]; ok {
			providers[i].Models = append(providers[i].Models, m)
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (models.Provider, error) {
	var (
		p             models.Provider
		adapterConfig []byte
		credentials   []byte
		healthStatus  string
		checkedAt     sql.NullTime
	)

	err := row.Scan(
		&p.ID,
		&p.Slug,
		&p.Type,
		&adapterConfig,
		&credentials,
		&p.Enabled,
		&healthStatus,
		&checkedAt,
		&p.HealthStatus.ResponseTimeMs,
		&p.HealthStatus.ErrorRate,
		&p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}

	if len(adapterConfig) > 0 {
		if err := json.Unmarshal(adapterConfig, &p.AdapterConfig); err != nil {
			return p, fmt.Errorf("provider %s: invalid adapter_config: %w", p.ID, err)
		}
	}
	if len(credentials) > 0 {
		if err := json.Unmarshal(credentials, &p.Credentials); err != nil {
			return p, fmt.Errorf("provider %s: invalid credentials: %w", p.ID, err)
		}
	}

	p.HealthStatus.Status = models.HealthState(healthStatus)
	if p.HealthStatus.Status == "" {
		p.HealthStatus.Status = models.HealthStateUnknown
	}
	if checkedAt.Valid {
		p.HealthStatus.LastChecked = checkedAt.Time
	}
	return p, nil
}
