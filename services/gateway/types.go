package gateway

import (
	"github.com/upb/llm-gateway/services/normalizer"
	"github.com/upb/llm-gateway/services/providers"
)

// ChatCompletionRequest is a caller chat request addressed to an external model id
type ChatCompletionRequest struct {
	Model       string              `json:"model" validate:"required"`
	Messages    []providers.Message `json:"messages" validate:"required,min=1,dive"`
	Temperature *float64            `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP        *float64            `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	MaxTokens   int                 `json:"max_tokens,omitempty" validate:"gte=0"`
	Stop        []string            `json:"stop,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
	User        string              `json:"user,omitempty"`

	// Extra holds vendor parameters forwarded as they are
	Extra map[string]any `json:"-"`

	Meta providers.RequestMeta `json:"-"`
}

// EmbeddingsRequest is a caller embeddings request
type EmbeddingsRequest struct {
	Model string                `json:"model" validate:"required"`
	Input []string              `json:"input" validate:"required,min=1"`
	Meta  providers.RequestMeta `json:"-"`
}

// ChatCompletionResult carries a completion, or a chunk stream when the
// caller asked for streaming
type ChatCompletionResult struct {
	Completion *normalizer.ChatCompletion
	Stream     *ChunkStream
	ProviderID string
	Attempts   int
}
