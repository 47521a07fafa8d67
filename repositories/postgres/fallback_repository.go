package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
)

// FallbackConfigRepository implements repositories.FallbackConfigRepository
type FallbackConfigRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewFallbackConfigRepository creates a new fallback config repository
func NewFallbackConfigRepository(db *DB, logger *zap.Logger) repositories.FallbackConfigRepository {
	return &FallbackConfigRepository{
		db:     db,
		logger: logger,
	}
}

// GetByModel returns the fallback config of a model
func (r *FallbackConfigRepository) GetByModel(ctx context.Context, modelID string) (*models.FallbackConfig, error) {
	query := `
		SELECT model_id, strategy, provider_order, max_attempts, enabled, retry_delay_ms
		FROM fallback_configs
		WHERE model_id = $1
	`

	cfg, err := scanFallbackConfig(r.db.QueryRowContext(ctx, query, modelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repositories.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fallback config: %w", err)
	}
	return &cfg, nil
}

// List returns every fallback config, by model id
func (r *FallbackConfigRepository) List(ctx context.Context) ([]models.FallbackConfig, error) {
	query := `
		SELECT model_id, strategy, provider_order, max_attempts, enabled, retry_delay_ms
		FROM fallback_configs
		ORDER BY model_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list fallback configs: %w", err)
	}
	defer rows.Close()

	var configs []models.FallbackConfig
	for rows.Next() {
		cfg, err := scanFallbackConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fallback config: %w", err)
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fallback configs: %w", err)
	}
	return configs, nil
}

func scanFallbackConfig(row rowScanner) (models.FallbackConfig, error) {
	var (
		cfg          models.FallbackConfig
		order        []byte
		retryDelayMs int64
	)

	if err := row.Scan(
		&cfg.ModelID,
		&cfg.Strategy,
		&order,
		&cfg.MaxAttempts,
		&cfg.Enabled,
		&retryDelayMs,
	); err != nil {
		return cfg, err
	}

	if len(order) > 0 {
		if err := json.Unmarshal(order, &cfg.ProviderOrder); err != nil {
			return cfg, fmt.Errorf("fallback config %s: invalid provider_order: %w", cfg.ModelID, err)
		}
	}
	cfg.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
	return cfg, nil
}
