package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/llm-gateway/services"
)

func TestTranslateRecord(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		keep    bool
		content string
		finish  string
		passRaw bool
	}{
		{name: "blank", line: "   ", keep: false},
		{name: "plain text", line: "hello there", keep: true, content: "hello there\n"},
		{name: "json string", line: `"chunk"`, keep: true, content: "chunk"},
		{name: "content record", line: `{"type":"delta","content":"abc"}`, keep: true, content: "abc"},
		{name: "text record", line: `{"text":"abc"}`, keep: true, content: "abc"},
		{name: "nested delta", line: `{"delta":{"content":"d"}}`, keep: true, content: "d"},
		{name: "ollama style", line: `{"model":"m","response":"r","done":false}`, keep: true, content: "r"},
		{
			name:    "openai chunk",
			line:    `{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"hi"},"finish_reason":null}]}`,
			keep:    true,
			content: "hi",
			passRaw: true,
		},
		{name: "finish only", line: `{"finish_reason":"stop"}`, keep: true, finish: "stop"},
		{name: "metadata only", line: `{"type":"start","pid":12}`, keep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta, keep, err := TranslateRecord([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.keep, keep)
			assert.Equal(t, tt.content, delta.Content)
			assert.Equal(t, tt.finish, delta.FinishReason)
			assert.Equal(t, tt.passRaw, delta.Raw != nil)
		})
	}
}

func TestTranslateRecordError(t *testing.T) {
	_, _, err := TranslateRecord([]byte(`{"type":"error","message":"bad api_key=zzzz9999"}`))

	require.Error(t, err)
	assert.Equal(t, services.ErrorTypeSandboxNonZeroExit, services.GetErrorType(err))
	assert.NotContains(t, err.Error(), "zzzz9999")
}
