package models

import (
	"encoding/json"
	"time"
)

// ProviderType identifies which adapter variant serves a provider
type ProviderType string

const (
	ProviderTypeSpawnCLI ProviderType = "spawn-cli"
	ProviderTypeHTTPSDK  ProviderType = "http-sdk"
	ProviderTypeProxy    ProviderType = "proxy"
	ProviderTypeLocal    ProviderType = "local"
)

// IsValid reports whether the provider type is one of the known adapter variants
func (t ProviderType) IsValid() bool {
	switch t {
	case ProviderTypeSpawnCLI, ProviderTypeHTTPSDK, ProviderTypeProxy, ProviderTypeLocal:
		return true
	}
	return false
}

// AuthType is the authentication scheme applied to outbound provider calls
type AuthType string

const (
	AuthTypeNone          AuthType = "none"
	AuthTypeBearer        AuthType = "bearer"
	AuthTypeAPIKey        AuthType = "api_key"
	AuthTypeCustomHeaders AuthType = "custom_headers"
)

// HealthState is the last observed health of a provider
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateDegraded  HealthState = "degraded"
	HealthStateUnhealthy HealthState = "unhealthy"
	HealthStateUnknown   HealthState = "unknown"
)

// Provider is a read-only snapshot of a registered backend.
// The gateway never mutates it; a fresh snapshot is fetched per call.
type Provider struct {
	ID            string         `json:"id" yaml:"id" db:"id" validate:"required"`
	Slug          string         `json:"slug" yaml:"slug" db:"slug" validate:"required"`
	Type          ProviderType   `json:"type" yaml:"type" db:"type" validate:"required,oneof=spawn-cli http-sdk proxy local"`
	AdapterConfig map[string]any `json:"adapter_config,omitempty" yaml:"adapter_config,omitempty" db:"adapter_config"`
	Credentials   Credentials    `json:"-" yaml:"credentials,omitempty" db:"credentials"`
	Models        []ModelMapping `json:"models" yaml:"models" validate:"dive"`
	HealthStatus  HealthStatus   `json:"health_status" yaml:"health_status,omitempty" db:"health_status"`
	Enabled       bool           `json:"enabled" yaml:"enabled" db:"enabled"`
	UpdatedAt     time.Time      `json:"updated_at" yaml:"-" db:"updated_at"`
}

// Credentials holds the auth scheme and secret material for a provider
type Credentials struct {
	Type       AuthType          `json:"type,omitempty" yaml:"type,omitempty"`
	Secret     string            `json:"secret,omitempty" yaml:"secret,omitempty"`
	HeaderName string            `json:"header_name,omitempty" yaml:"header_name,omitempty"` // API-key header, defaults to X-API-Key
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// ModelMapping maps a caller-facing model id to the id a provider expects
type ModelMapping struct {
	ExternalModelID    string `json:"external_model_id" yaml:"external_model_id" db:"external_model_id" validate:"required"`
	AdapterModelID     string `json:"adapter_model_id" yaml:"adapter_model_id" db:"adapter_model_id" validate:"required"`
	MaxTokens          int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" db:"max_tokens" validate:"gte=0"`
	SupportsStreaming  bool   `json:"supports_streaming" yaml:"supports_streaming" db:"supports_streaming"`
	SupportsEmbeddings bool   `json:"supports_embeddings" yaml:"supports_embeddings" db:"supports_embeddings"`
}

// HealthStatus is the last health observation recorded for a provider
type HealthStatus struct {
	Status         HealthState `json:"status" yaml:"status"`
	LastChecked    time.Time   `json:"last_checked" yaml:"last_checked"`
	ResponseTimeMs int64       `json:"response_time_ms" yaml:"response_time_ms"`
	ErrorRate      float64     `json:"error_rate" yaml:"error_rate"`
}

// TableName returns the table name for the Provider model
func (Provider) TableName() string {
	return "providers"
}

// Mapping returns the model mapping for an external model id
func (p *Provider) Mapping(externalModelID string) (ModelMapping, bool) {
	for _, m := range p.Models {
		if m.ExternalModelID == externalModelID {
			return m, true
		}
	}
	return ModelMapping{}, false
}

// ServesModel reports whether the provider maps the given external model id
func (p *Provider) ServesModel(externalModelID string) bool {
	_, ok := p.Mapping(externalModelID)
	return ok
}

// DecodeAdapterConfig decodes the opaque adapter config bag into a typed struct
func (p *Provider) DecodeAdapterConfig(out any) error {
	if len(p.AdapterConfig) == 0 {
		return nil
	}
	raw, err := json.Marshal(p.AdapterConfig)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
