package providers

import (
	"sort"
	"time"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/utils"
)

// DecodeConfig decodes a provider's adapter config bag into out and validates
// it with struct tags. Every problem found is returned.
func DecodeConfig(provider models.Provider, out any) []string {
	if err := provider.DecodeAdapterConfig(out); err != nil {
		return []string{"adapter_config: " + err.Error()}
	}
	return utils.ValidationProblems(utils.ValidateStruct(out))
}

// Millis converts a millisecond config value to a duration, falling back to def
func Millis(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// MergeModels merges discovered models into configured ones.
// Configured mappings win on conflicting external ids; output is sorted by external id.
func MergeModels(configured, discovered []models.ModelMapping) []models.ModelMapping {
	byID := make(map[string]models.ModelMapping, len(configured)+len(discovered))
	for _, m := range discovered {
		byID[m.ExternalModelID] = m
	}
	for _, m := range configured {
		byID[m.ExternalModelID] = m
	}

	merged := make([]models.ModelMapping, 0, len(byID))
	for _, m := range byID {
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ExternalModelID < merged[j].ExternalModelID
	})
	return merged
}

// CredentialProblems reports credentials that cannot produce an auth header
func CredentialProblems(creds models.Credentials) []string {
	switch creds.Type {
	case "", models.AuthTypeNone:
		return nil
	case models.AuthTypeBearer, models.AuthTypeAPIKey:
		if creds.Secret == "" {
			return []string{"credentials.secret is required for " + string(creds.Type) + " auth"}
		}
	case models.AuthTypeCustomHeaders:
		if len(creds.Headers) == 0 {
			return []string{"credentials.headers is required for custom_headers auth"}
		}
	default:
		return []string{"credentials.type " + string(creds.Type) + " is not supported"}
	}
	return nil
}

// BoolOr dereferences an optional config flag
func BoolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
