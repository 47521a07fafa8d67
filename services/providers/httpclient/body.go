package httpclient

import (
	"encoding/json"

	"github.com/upb/llm-gateway/services/providers"
)

// ChatBody encodes a chat request in the OpenAI wire format. Extra options
// are merged at the top level without overriding standard fields.
func ChatBody(req *providers.ChatRequest, stream bool) ([]byte, error) {
	body := make(map[string]any, 8+len(req.Options.Extra))
	for k, v := range req.Options.Extra {
		body[k] = v
	}

	body["model"] = req.Model
	body["messages"] = req.Messages
	if stream {
		body["stream"] = true
	} else {
		delete(body, "stream")
	}

	opts := req.Options
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		body["top_p"] = *opts.TopP
	}
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	}
	if len(opts.Stop) > 0 {
		body["stop"] = opts.Stop
	}
	if opts.User != "" {
		body["user"] = opts.User
	}

	return json.Marshal(body)
}

// EmbeddingsBody encodes an embeddings request in the OpenAI wire format
func EmbeddingsBody(req *providers.EmbeddingsRequest) ([]byte, error) {
	return json.Marshal(map[string]any{
		"model": req.Model,
		"input": req.Input,
	})
}
