package normalizer

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/upb/llm-gateway/services/providers"
)

// NormalizeChatResponse turns a raw buffered payload into a ChatCompletion.
// Recognized shapes, in order: an OpenAI completion (has choices), a
// {message, finish_reason} document, a {content} document, and anything else,
// which is stringified into the message content. Usage is estimated when
// the payload does not carry it.
func (n *Normalizer) NormalizeChatResponse(raw []byte, modelID, requestID string, meta ProviderMeta) *ChatCompletion {
	resp := &ChatCompletion{
		ID:       completionID(requestID),
		Object:   ObjectChatCompletion,
		Created:  n.now().Unix(),
		Model:    modelID,
		Provider: meta.ProviderID,
	}

	trimmed := strings.TrimSpace(string(raw))
	doc := gjson.Parse(trimmed)
	valid := gjson.Valid(trimmed)

	switch {
	case valid && doc.Get("choices").IsArray():
		if id := doc.Get("id").String(); id != "" {
			resp.ID = id
		}
		if created := doc.Get("created").Int(); created > 0 {
			resp.Created = created
		}
		resp.Choices = parseChoices(doc.Get("choices"))
		resp.RawChoices = compact(doc.Get("choices").Raw)

	case valid && doc.IsObject() && doc.Get("message").Exists():
		resp.Choices = []Choice{{
			Message:      messageFrom(doc.Get("message")),
			FinishReason: finishReason(doc),
		}}

	case valid && doc.IsObject() && doc.Get("content").Exists():
		resp.Choices = []Choice{{
			Message:      ChatMessage{Role: "assistant", Content: text(doc.Get("content"))},
			FinishReason: finishReason(doc),
		}}

	default:
		content := trimmed
		if valid && doc.Type == gjson.String {
			content = doc.String()
		}
		resp.Choices = []Choice{{
			Message:      ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}}
	}

	resp.Usage = n.usage(doc, valid, resp.Choices, meta)
	if resp.RawChoices != nil && doc.Get("usage").IsObject() {
		resp.RawUsage = compact(doc.Get("usage").Raw)
		if !doc.Get("usage.total_tokens").Exists() {
			if filled, err := sjson.SetBytes(resp.RawUsage, "total_tokens", resp.Usage.TotalTokens); err == nil {
				resp.RawUsage = filled
			}
		}
	}
	return resp
}

func compact(raw string) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return json.RawMessage(raw)
	}
	return buf.Bytes()
}

// CompletionFromStream builds a ChatCompletion from collected stream content.
// Used when a buffered request was served by a streaming backend.
func (n *Normalizer) CompletionFromStream(content, finish, modelID, requestID string, meta ProviderMeta) *ChatCompletion {
	if finish == "" {
		finish = "stop"
	}
	choices := []Choice{{
		Message:      ChatMessage{Role: "assistant", Content: content},
		FinishReason: finish,
	}}
	return &ChatCompletion{
		ID:       completionID(requestID),
		Object:   ObjectChatCompletion,
		Created:  n.now().Unix(),
		Model:    modelID,
		Choices:  choices,
		Usage:    n.usage(gjson.Result{}, false, choices, meta),
		Provider: meta.ProviderID,
	}
}

// NormalizeChunk renders a stream delta as a chat.completion.chunk payload.
// OpenAI chunks received from upstream pass through unmodified.
func (n *Normalizer) NormalizeChunk(delta providers.ChatDelta, modelID, requestID string) ([]byte, error) {
	if len(delta.Raw) > 0 && !delta.Done {
		return delta.Raw, nil
	}

	choice := ChunkChoice{Delta: ChunkDelta{Role: delta.Role, Content: delta.Content}}
	if delta.FinishReason != "" {
		reason := delta.FinishReason
		choice.FinishReason = &reason
	}
	return json.Marshal(ChatCompletionChunk{
		ID:      completionID(requestID),
		Object:  ObjectChunk,
		Created: n.now().Unix(),
		Model:   modelID,
		Choices: []ChunkChoice{choice},
	})
}

func (n *Normalizer) usage(doc gjson.Result, valid bool, choices []Choice, meta ProviderMeta) Usage {
	var u Usage
	if valid && doc.Get("usage").IsObject() {
		u.PromptTokens = int(doc.Get("usage.prompt_tokens").Int())
		u.CompletionTokens = int(doc.Get("usage.completion_tokens").Int())
		u.TotalTokens = int(doc.Get("usage.total_tokens").Int())
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		return u
	}

	u.PromptTokens = meta.PromptTokens
	for _, c := range choices {
		u.CompletionTokens += EstimateTokens(c.Message.Content)
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

func parseChoices(arr gjson.Result) []Choice {
	choices := []Choice{}
	arr.ForEach(func(key, c gjson.Result) bool {
		index := int(key.Int())
		if idx := c.Get("index"); idx.Exists() {
			index = int(idx.Int())
		}
		choice := Choice{
			Index:        index,
			FinishReason: c.Get("finish_reason").String(),
		}
		switch {
		case c.Get("message").Exists():
			choice.Message = messageFrom(c.Get("message"))
		case c.Get("text").Exists():
			choice.Message = ChatMessage{Role: "assistant", Content: c.Get("text").String()}
		case c.Get("delta").Exists():
			choice.Message = messageFrom(c.Get("delta"))
		}
		if lp := c.Get("logprobs"); lp.Exists() && lp.Type != gjson.Null {
			choice.Logprobs = json.RawMessage(lp.Raw)
		}
		choices = append(choices, choice)
		return true
	})
	return choices
}

func messageFrom(m gjson.Result) ChatMessage {
	if !m.IsObject() {
		return ChatMessage{Role: "assistant", Content: text(m)}
	}
	msg := ChatMessage{
		Role:    m.Get("role").String(),
		Content: text(m.Get("content")),
		Name:    m.Get("name").String(),
	}
	if msg.Role == "" {
		msg.Role = "assistant"
	}
	if tc := m.Get("tool_calls"); tc.IsArray() {
		msg.ToolCalls = json.RawMessage(tc.Raw)
	}
	return msg
}

func finishReason(doc gjson.Result) string {
	for _, path := range []string{"finish_reason", "stop_reason", "done_reason"} {
		if r := doc.Get(path).String(); r != "" {
			return r
		}
	}
	return "stop"
}

// text renders a JSON value as message content. Arrays of content parts
// are concatenated.
func text(v gjson.Result) string {
	switch {
	case !v.Exists() || v.Type == gjson.Null:
		return ""
	case v.Type == gjson.String:
		return v.String()
	case v.IsArray():
		var b strings.Builder
		v.ForEach(func(_, part gjson.Result) bool {
			if part.Type == gjson.String {
				b.WriteString(part.String())
			} else {
				b.WriteString(part.Get("text").String())
			}
			return true
		})
		return b.String()
	}
	return v.Raw
}
