package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/config"
)

// NotifyChannel is the LISTEN/NOTIFY channel the schema triggers publish on.
// Payloads are "provider:<id>" or "fallback:<model id>".
const NotifyChannel = "llm_gateway_registry"

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// WrapDB wraps an existing pool, e.g. one opened by sqlmock
func WrapDB(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema creates the registry tables and the change-notification triggers
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS providers (
			id VARCHAR(100) PRIMARY KEY,
			slug VARCHAR(100) NOT NULL UNIQUE,
			type VARCHAR(20) NOT NULL CHECK (type IN ('spawn-cli', 'http-sdk', 'proxy', 'local')),
			adapter_config JSONB NOT NULL DEFAULT '{}',
			credentials JSONB NOT NULL DEFAULT '{}',
			enabled BOOLEAN NOT NULL DEFAULT true,
			health_status VARCHAR(20) NOT NULL DEFAULT 'unknown',
			health_checked_at TIMESTAMPTZ,
			response_time_ms BIGINT NOT NULL DEFAULT 0,
			error_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS provider_models (
			provider_id VARCHAR(100) NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
			external_model_id VARCHAR(200) NOT NULL,
			adapter_model_id VARCHAR(200) NOT NULL,
			max_tokens INTEGER NOT NULL DEFAULT 0,
			supports_streaming BOOLEAN NOT NULL DEFAULT false,
			supports_embeddings BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (provider_id, external_model_id)
		);

		CREATE TABLE IF NOT EXISTS fallback_configs (
			model_id VARCHAR(200) PRIMARY KEY,
			strategy VARCHAR(20) NOT NULL
				CHECK (strategy IN ('PRIORITY', 'ROUND_ROBIN', 'RANDOM', 'HEALTH_BASED', 'NONE')),
			provider_order JSONB NOT NULL DEFAULT '[]',
			max_attempts INTEGER NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT true,
			retry_delay_ms BIGINT NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_providers_enabled ON providers(enabled);
		CREATE INDEX IF NOT EXISTS idx_provider_models_external ON provider_models(external_model_id);

		CREATE OR REPLACE FUNCTION notify_registry_change() RETURNS trigger AS $$
		DECLARE
			rec RECORD;
		BEGIN
			IF TG_OP = 'DELETE' THEN
				rec := OLD;
			ELSE
				rec := NEW;
			END IF;
			IF TG_TABLE_NAME = 'fallback_configs' THEN
				PERFORM pg_notify('` + NotifyChannel + `', 'fallback:' || rec.model_id);
			ELSIF TG_TABLE_NAME = 'provider_models' THEN
				PERFORM pg_notify('` + NotifyChannel + `', 'provider:' || rec.provider_id);
			ELSE
				PERFORM pg_notify('` + NotifyChannel + `', 'provider:' || rec.id);
			END IF;
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS providers_notify ON providers;
		CREATE TRIGGER providers_notify AFTER INSERT OR UPDATE OR DELETE ON providers
			FOR EACH ROW EXECUTE FUNCTION notify_registry_change();

		DROP TRIGGER IF EXISTS provider_models_notify ON provider_models;
		CREATE TRIGGER provider_models_notify AFTER INSERT OR UPDATE OR DELETE ON provider_models
			FOR EACH ROW EXECUTE FUNCTION notify_registry_change();

		DROP TRIGGER IF EXISTS fallback_configs_notify ON fallback_configs;
		CREATE TRIGGER fallback_configs_notify AFTER INSERT OR UPDATE OR DELETE ON fallback_configs
			FOR EACH ROW EXECUTE FUNCTION notify_registry_change();
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}
