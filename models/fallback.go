package models

import "time"

// FallbackStrategy selects how candidate providers are ordered for a model
type FallbackStrategy string

const (
	StrategyPriority    FallbackStrategy = "PRIORITY"
	StrategyRoundRobin  FallbackStrategy = "ROUND_ROBIN"
	StrategyRandom      FallbackStrategy = "RANDOM"
	StrategyHealthBased FallbackStrategy = "HEALTH_BASED"
	StrategyNone        FallbackStrategy = "NONE"
)

// FallbackConfig controls provider ordering and retry attempts for one model
type FallbackConfig struct {
	ModelID       string             `json:"model_id" yaml:"model_id" db:"model_id" validate:"required"`
	Strategy      FallbackStrategy   `json:"strategy" yaml:"strategy" db:"strategy" validate:"required,oneof=PRIORITY ROUND_ROBIN RANDOM HEALTH_BASED NONE"`
	ProviderOrder []FallbackProvider `json:"provider_order,omitempty" yaml:"provider_order,omitempty" db:"provider_order" validate:"dive"`
	MaxAttempts   int                `json:"max_attempts" yaml:"max_attempts" db:"max_attempts" validate:"gte=0"`
	Enabled       bool               `json:"enabled" yaml:"enabled" db:"enabled"`
	RetryDelay    time.Duration      `json:"retry_delay" yaml:"retry_delay" db:"retry_delay_ms"`
}

// FallbackProvider is one entry of an explicit provider order.
// A nil Priority sorts after every explicit priority.
type FallbackProvider struct {
	ProviderID string `json:"provider_id" yaml:"provider_id" validate:"required"`
	Priority   *int   `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// TableName returns the table name for the FallbackConfig model
func (FallbackConfig) TableName() string {
	return "fallback_configs"
}

// Allows reports whether the explicit provider list admits a provider.
// An empty list admits every provider.
func (c *FallbackConfig) Allows(providerID string) bool {
	if len(c.ProviderOrder) == 0 {
		return true
	}
	for _, p := range c.ProviderOrder {
		if p.ProviderID == providerID {
			return true
		}
	}
	return false
}

// PriorityOf returns the explicit priority for a provider, if one is set
func (c *FallbackConfig) PriorityOf(providerID string) (int, bool) {
	for _, p := range c.ProviderOrder {
		if p.ProviderID == providerID && p.Priority != nil {
			return *p.Priority, true
		}
	}
	return 0, false
}
