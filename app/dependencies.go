package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/repositories/memory"
	"github.com/upb/llm-gateway/repositories/postgres"
	"github.com/upb/llm-gateway/services/circuitbreaker"
	"github.com/upb/llm-gateway/services/gateway"
	"github.com/upb/llm-gateway/services/normalizer"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/providers/httpsdk"
	"github.com/upb/llm-gateway/services/providers/local"
	"github.com/upb/llm-gateway/services/providers/proxy"
	"github.com/upb/llm-gateway/services/providers/spawncli"
	"github.com/upb/llm-gateway/services/sandbox"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	DB     *postgres.DB // nil for the file registry

	// Registry
	RepoFactory *postgres.RepositoryFactory
	Registry    *memory.Registry
	Providers   repositories.ProviderRepository
	Fallbacks   repositories.FallbackConfigRepository
	Notifier    *postgres.Notifier

	// Gateway
	Breakers   *circuitbreaker.Registry
	Executor   *sandbox.Executor
	Adapters   *providers.Factory
	Normalizer *normalizer.Normalizer
	Gateway    *gateway.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initRegistry(ctx, cfg); err != nil {
		deps.closeRegistry()
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}

	deps.initGateway(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("registry", cfg.Registry.Source),
		zap.String("sandbox_runtime", string(deps.Executor.Runtime())),
		zap.Any("adapter_types", deps.Adapters.Types()))
	return deps, nil
}

// initRegistry opens the provider registry selected by cfg.Registry.Source
func (d *Dependencies) initRegistry(ctx context.Context, cfg *config.Config) error {
	switch cfg.Registry.Source {
	case config.RegistrySourcePostgres:
		factory, err := postgres.NewRepositoryFactory(cfg.Database, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		d.RepoFactory = factory
		d.DB = factory.GetDB()

		if cfg.Registry.InitSchema {
			if err := factory.InitSchema(ctx); err != nil {
				return fmt.Errorf("failed to initialize registry schema: %w", err)
			}
		}

		repos := factory.NewRepositories()
		d.Providers = repos.Providers
		d.Fallbacks = repos.Fallbacks
		if cfg.Registry.Listen {
			d.Notifier = factory.NewNotifier()
		}

		d.Logger.Info("database connection established",
			zap.String("connection", cfg.Database.LogString()))

	case config.RegistrySourceFile, "":
		registry := memory.New(d.Logger)
		if err := registry.LoadFile(cfg.Registry.Path); err != nil {
			return err
		}
		d.Registry = registry
		d.Providers = registry
		d.Fallbacks = registry

	default:
		return fmt.Errorf("unknown registry source %q", cfg.Registry.Source)
	}
	return nil
}

// initGateway builds the breaker registry, the sandbox, the adapter
// factory and the orchestrator on top of the registry
func (d *Dependencies) initGateway(cfg *config.Config) {
	d.Breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
		CallTimeout:      cfg.CircuitBreaker.CallTimeout,
	}, d.Logger)

	d.Executor = sandbox.NewExecutor(sandbox.Config{
		Runtime:         sandbox.Runtime(cfg.Sandbox.Runtime),
		DockerBinary:    cfg.Sandbox.DockerBinary,
		Image:           cfg.Sandbox.Image,
		Network:         cfg.Sandbox.Network,
		DefaultTimeout:  cfg.Sandbox.Timeout,
		KillGracePeriod: cfg.Sandbox.KillGracePeriod,
		MaxOutputBytes:  cfg.Sandbox.MaxOutputBytes,
		DefaultMemory:   cfg.Sandbox.Memory,
		DefaultCPU:      cfg.Sandbox.CPU,
		PidsLimit:       cfg.Sandbox.PidsLimit,
	}, d.Logger)

	d.Adapters = NewAdapterFactory(d.Executor, d.Logger)
	d.Normalizer = normalizer.New()

	d.Gateway = gateway.NewService(gateway.Config{
		CacheTTL:             cfg.Gateway.CacheTTL,
		CacheSize:            cfg.Gateway.CacheSize,
		ModelsTimeout:        cfg.Gateway.ModelsTimeout,
		DiscoveryConcurrency: cfg.Gateway.DiscoveryConcurrency,
	}, d.Providers, d.Fallbacks, d.Adapters, d.Breakers, d.Normalizer, d.Logger)
}

// NewAdapterFactory registers a builder for every provider type
func NewAdapterFactory(executor spawncli.Executor, logger *zap.Logger) *providers.Factory {
	return providers.NewFactory().
		WithBuilder(models.ProviderTypeSpawnCLI, spawncli.Builder(executor, logger)).
		WithBuilder(models.ProviderTypeHTTPSDK, httpsdk.Builder(logger)).
		WithBuilder(models.ProviderTypeProxy, proxy.Builder(logger)).
		WithBuilder(models.ProviderTypeLocal, local.Builder(logger))
}

// Start runs background workers until Close is called
func (d *Dependencies) Start(ctx context.Context) {
	if d.Notifier == nil {
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Notifier.Run(ctx); err != nil {
			d.Logger.Error("registry listener stopped", zap.Error(err))
		}
	}()
}

// SQLDB returns the database pool, or nil for the file registry
func (d *Dependencies) SQLDB() *sql.DB {
	if d.DB == nil {
		return nil
	}
	return d.DB.DB
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.Logger.Warn("background workers did not stop in time")
	}

	if d.Gateway != nil {
		d.Gateway.Close()
	}

	var errs []error
	if err := d.closeRegistry(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}

func (d *Dependencies) closeRegistry() error {
	if d.RepoFactory == nil {
		return nil
	}
	err := d.RepoFactory.Close()
	d.RepoFactory = nil
	if err == nil {
		d.Logger.Info("database connection closed")
	}
	return err
}
