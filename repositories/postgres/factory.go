package postgres

import (
	"context"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/repositories"
)

// RepositoryFactory creates and manages the registry repositories
type RepositoryFactory struct {
	db     *DB
	dsn    string
	events repositories.Subscribers
	logger *zap.Logger
}

// NewRepositoryFactory opens the database and creates a new repository factory
func NewRepositoryFactory(cfg config.DatabaseConfig, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &RepositoryFactory{db: db, dsn: cfg.DSN(), logger: logger}, nil
}

// NewRepositoryFactoryFromDB creates a factory over an open pool
func NewRepositoryFactoryFromDB(db *DB, logger *zap.Logger) *RepositoryFactory {
	return &RepositoryFactory{db: db, logger: logger}
}

// InitSchema creates the registry schema
func (f *RepositoryFactory) InitSchema(ctx context.Context) error {
	return f.db.InitSchema(ctx)
}

// NewRepositories creates the repository instances. They share one
// subscriber set so change events reach every subscriber.
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Providers: NewProviderRepository(f.db, &f.events, f.logger),
		Fallbacks: NewFallbackConfigRepository(f.db, f.logger),
	}
}

// NewNotifier creates a change listener feeding the repositories' subscribers.
// Returns nil when the factory was built without a DSN.
func (f *RepositoryFactory) NewNotifier() *Notifier {
	if f.dsn == "" {
		return nil
	}
	return NewNotifier(f.dsn, &f.events, f.logger)
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection
func (f *RepositoryFactory) Close() error {
	return f.db.Close()
}
