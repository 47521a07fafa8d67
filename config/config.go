package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Registry sources
const (
	RegistrySourceFile     = "file"
	RegistrySourcePostgres = "postgres"
)

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig
	Registry       RegistryConfig
	Database       DatabaseConfig
	CircuitBreaker CircuitBreakerConfig
	Sandbox        SandboxConfig
	Gateway        GatewayConfig
	Observability  ObservabilityConfig
	Environment    string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// RegistryConfig selects where provider and fallback definitions come from
type RegistryConfig struct {
	Source string // file or postgres
	Path   string // YAML document for the file source
	// InitSchema creates the registry tables on startup (postgres source)
	InitSchema bool
	// Listen subscribes to registry change notifications (postgres source)
	Listen bool
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// CircuitBreakerConfig holds the per-provider breaker settings
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	CallTimeout      time.Duration
}

// SandboxConfig holds the process isolation settings for CLI providers
type SandboxConfig struct {
	Runtime         string // docker or process
	DockerBinary    string
	Image           string
	Network         string
	Memory          string
	CPU             string
	PidsLimit       int
	Timeout         time.Duration
	KillGracePeriod time.Duration
	MaxOutputBytes  int
}

// GatewayConfig holds orchestrator tuning
type GatewayConfig struct {
	CacheTTL             time.Duration
	CacheSize            int
	ModelsTimeout        time.Duration
	DiscoveryConcurrency int
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or console
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 5*time.Minute),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Registry: RegistryConfig{
			Source:     strings.ToLower(getEnv("REGISTRY_SOURCE", RegistrySourceFile)),
			Path:       getEnv("REGISTRY_PATH", "providers.yaml"),
			InitSchema: getEnvAsBool("REGISTRY_INIT_SCHEMA", false),
			Listen:     getEnvAsBool("REGISTRY_LISTEN", true),
		},
		Database: loadDatabaseConfig(),
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: getEnvAsInt("CB_FAILURE_THRESHOLD", 5),
			ResetTimeout:     getEnvAsDuration("CB_RESET_TIMEOUT", 60*time.Second),
			CallTimeout:      getEnvAsDuration("CB_CALL_TIMEOUT", 120*time.Second),
		},
		Sandbox: SandboxConfig{
			Runtime:         getEnv("SANDBOX_RUNTIME", "docker"),
			DockerBinary:    getEnv("SANDBOX_DOCKER_BINARY", "docker"),
			Image:           getEnv("SANDBOX_IMAGE", ""),
			Network:         getEnv("SANDBOX_NETWORK", "none"),
			Memory:          getEnv("SANDBOX_MEMORY", "512m"),
			CPU:             getEnv("SANDBOX_CPU", "1"),
			PidsLimit:       getEnvAsInt("SANDBOX_PIDS_LIMIT", 256),
			Timeout:         getEnvAsDuration("SANDBOX_TIMEOUT", 60*time.Second),
			KillGracePeriod: getEnvAsDuration("SANDBOX_KILL_GRACE", 5*time.Second),
			MaxOutputBytes:  getEnvAsInt("SANDBOX_MAX_OUTPUT_BYTES", 10<<20),
		},
		Gateway: GatewayConfig{
			CacheTTL:             getEnvAsDuration("GATEWAY_CACHE_TTL", 30*time.Second),
			CacheSize:            getEnvAsInt("GATEWAY_CACHE_SIZE", 256),
			ModelsTimeout:        getEnvAsDuration("GATEWAY_MODELS_TIMEOUT", 10*time.Second),
			DiscoveryConcurrency: getEnvAsInt("GATEWAY_DISCOVERY_CONCURRENCY", 8),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Registry.Source {
	case RegistrySourceFile:
		if c.Registry.Path == "" {
			return fmt.Errorf("registry path is required for the file source")
		}
	case RegistrySourcePostgres:
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	default:
		return fmt.Errorf("unknown registry source %q (want file or postgres)", c.Registry.Source)
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker failure threshold must be at least 1")
	}
	if c.CircuitBreaker.ResetTimeout <= 0 || c.CircuitBreaker.CallTimeout <= 0 {
		return fmt.Errorf("circuit breaker timeouts must be positive")
	}

	if c.Sandbox.Runtime != "docker" && c.Sandbox.Runtime != "process" {
		return fmt.Errorf("unknown sandbox runtime %q (want docker or process)", c.Sandbox.Runtime)
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "gateway"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "gateway"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated value, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
