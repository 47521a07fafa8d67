package normalizer

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Object names of the canonical shapes
const (
	ObjectChatCompletion = "chat.completion"
	ObjectChunk          = "chat.completion.chunk"
	ObjectList           = "list"
	ObjectEmbedding      = "embedding"
	ObjectModel          = "model"
)

// ChatCompletion is the canonical buffered chat response
type ChatCompletion struct {
	ID       string   `json:"id"`
	Object   string   `json:"object"`
	Created  int64    `json:"created"`
	Model    string   `json:"model"`
	Choices  []Choice `json:"choices"`
	Usage    Usage    `json:"usage"`
	Provider string   `json:"provider,omitempty"`

	// Upstream choices and usage, written verbatim in place of the typed
	// fields when set
	RawChoices json.RawMessage `json:"-"`
	RawUsage   json.RawMessage `json:"-"`
}

// MarshalJSON writes passed-through choices and usage unchanged
func (c ChatCompletion) MarshalJSON() ([]byte, error) {
	type plain ChatCompletion
	out := struct {
		plain
		Choices any `json:"choices"`
		Usage   any `json:"usage"`
	}{plain: plain(c), Choices: c.Choices, Usage: c.Usage}
	if len(c.RawChoices) > 0 {
		out.Choices = c.RawChoices
	}
	if len(c.RawUsage) > 0 {
		out.Usage = c.RawUsage
	}
	return json.Marshal(out)
}

// Choice is one completion alternative
type Choice struct {
	Index        int             `json:"index"`
	Message      ChatMessage     `json:"message"`
	FinishReason string          `json:"finish_reason"`
	Logprobs     json.RawMessage `json:"logprobs,omitempty"`
}

// ChatMessage is an assistant reply
type ChatMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Name      string          `json:"name,omitempty"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

// Usage reports token counts, measured or estimated
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one canonical streamed chunk
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries an incremental delta
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the incremental message content
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// EmbeddingsResponse is the canonical embeddings list
type EmbeddingsResponse struct {
	Object string      `json:"object"`
	Data   []Embedding `json:"data"`
	Model  string      `json:"model"`
	Usage  Usage       `json:"usage"`
}

// Embedding is one vector, indexed by input order
type Embedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// ModelList is the canonical model listing
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// ModelEntry is one listed model
type ModelEntry struct {
	ID                 string `json:"id"`
	Object             string `json:"object"`
	Created            int64  `json:"created"`
	OwnedBy            string `json:"owned_by"`
	SupportsStreaming  bool   `json:"supports_streaming"`
	SupportsEmbeddings bool   `json:"supports_embeddings"`
}

// ProviderMeta describes who served a request
type ProviderMeta struct {
	ProviderID string
	// PromptTokens is the caller-side estimate used when the provider reports no usage
	PromptTokens int
}

// Normalizer maps heterogeneous adapter output and errors to canonical shapes
type Normalizer struct {
	now     func() time.Time
	traceID func() string
}

// Option customizes a Normalizer
type Option func(*Normalizer)

// WithClock overrides the time source used for created timestamps
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

// WithTraceIDs overrides trace id generation
func WithTraceIDs(gen func() string) Option {
	return func(n *Normalizer) {
		n.traceID = gen
	}
}

// New creates a Normalizer
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		now:     time.Now,
		traceID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// completionID derives a stable id for a request's completion and its chunks
func completionID(requestID string) string {
	if requestID == "" {
		return "chatcmpl-" + uuid.New().String()
	}
	return "chatcmpl-" + requestID
}
