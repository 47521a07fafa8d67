package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/upb/llm-gateway/models"
)

// Adapter is the uniform contract every backend variant implements.
// One adapter instance serves one provider snapshot.
type Adapter interface {
	// Type returns the adapter variant
	Type() models.ProviderType

	// HandleChat performs a chat request. The result carries either a raw
	// buffered payload or a stream, never both.
	HandleChat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// HandleEmbeddings performs an embeddings request
	HandleEmbeddings(ctx context.Context, req *EmbeddingsRequest) (*EmbeddingsResult, error)

	// TestConnection probes the backend. Failures are reported in the result.
	TestConnection(ctx context.Context) TestResult

	// GetModels returns configured mappings merged with discovered ones.
	// Configured entries win on conflict.
	GetModels(ctx context.Context) ([]models.ModelMapping, error)

	// ValidateConfig checks the adapter config without any I/O
	ValidateConfig() ValidationResult
}

// ChatRequest represents a chat request already resolved to one provider
type ChatRequest struct {
	// Model is the provider-side model id from the mapping
	Model string `json:"model"`

	// Messages in the conversation
	Messages []Message `json:"messages"`

	// Options are the sampling and streaming options
	Options ChatOptions `json:"options"`

	// Meta carries request identity and caller headers
	Meta RequestMeta `json:"-"`
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", "assistant" or "tool"
	Role string `json:"role" validate:"required"`

	// Content is the message text
	Content string `json:"content"`

	// Name is an optional identifier for the message sender
	Name string `json:"name,omitempty"`
}

// ChatOptions holds optional generation parameters
type ChatOptions struct {
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Stop        []string       `json:"stop,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	User        string         `json:"user,omitempty"`
	Extra       map[string]any `json:"-"`
}

// RequestMeta identifies the caller-facing request
type RequestMeta struct {
	RequestID string
	// ExternalModelID is the model id the caller asked for
	ExternalModelID string
	// Headers are caller headers eligible for forwarding by the proxy adapter
	Headers map[string]string
}

// ChatResult is the raw outcome of a chat call before normalization
type ChatResult struct {
	// Raw is the buffered provider payload, JSON or plain text
	Raw []byte

	// Stream is set when the caller asked for streaming and the adapter honored it
	Stream *ChatStream

	// Latency of the upstream call
	Latency time.Duration
}

// IsStream reports whether the result is a stream
func (r *ChatResult) IsStream() bool {
	return r != nil && r.Stream != nil
}

// ChatDelta is one incremental piece of a streamed completion
type ChatDelta struct {
	// Content is the text fragment carried by this delta
	Content string

	// Role is set on the first delta by providers that report it
	Role string

	// FinishReason is set on the final content delta
	FinishReason string

	// Done marks the terminal chunk of the stream
	Done bool

	// Raw is the upstream chunk when it should be passed through unmodified
	Raw json.RawMessage
}

// EmbeddingsRequest represents an embeddings request resolved to one provider
type EmbeddingsRequest struct {
	Model string      `json:"model"`
	Input []string    `json:"input"`
	Meta  RequestMeta `json:"-"`
}

// EmbeddingsResult is the raw embeddings payload before normalization
type EmbeddingsResult struct {
	Raw     []byte
	Latency time.Duration
}

// TestResult reports the outcome of a connection probe
type TestResult struct {
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	ResponseTimeMs int64          `json:"response_time_ms"`
	Details        map[string]any `json:"details,omitempty"`
}

// ValidationResult lists config problems found by ValidateConfig
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// NewValidationResult builds a result from a problem list
func NewValidationResult(problems []string) ValidationResult {
	return ValidationResult{Valid: len(problems) == 0, Errors: problems}
}
