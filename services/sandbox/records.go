package sandbox

import (
	"bytes"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
)

// content locations probed in order on each NDJSON record
var contentPaths = []string{
	"choices.0.delta.content",
	"choices.0.message.content",
	"choices.0.text",
	"delta.content",
	"delta.text",
	"delta",
	"content",
	"text",
	"message.content",
	"message",
	"response",
	"output",
}

var finishPaths = []string{
	"choices.0.finish_reason",
	"finish_reason",
	"stop_reason",
	"done_reason",
}

// TranslateRecord turns one line of tool output into a chat delta.
// Unparseable lines become plain-text deltas; records with nothing to say
// are skipped (keep=false); an error record fails the stream.
func TranslateRecord(line []byte) (delta providers.ChatDelta, keep bool, err error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return delta, false, nil
	}

	if !gjson.ValidBytes(trimmed) {
		return providers.ChatDelta{Content: string(line) + "\n"}, true, nil
	}

	record := gjson.ParseBytes(trimmed)
	switch {
	case record.Type == gjson.String:
		return providers.ChatDelta{Content: record.String()}, true, nil
	case !record.IsObject():
		return providers.ChatDelta{Content: string(trimmed) + "\n"}, true, nil
	}

	if record.Get("type").String() == "error" || record.Get("error").IsObject() {
		msg := record.Get("message").String()
		if msg == "" {
			msg = record.Get("error.message").String()
		}
		return delta, false, services.NewDomainError(services.ErrorTypeSandboxNonZeroExit,
			fmt.Sprintf("tool reported an error: %s", Redact(msg)), nil)
	}

	for _, path := range contentPaths {
		if v := record.Get(path); v.Exists() && v.Type == gjson.String {
			delta.Content = v.String()
			break
		}
	}
	for _, path := range finishPaths {
		if v := record.Get(path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			delta.FinishReason = v.String()
			break
		}
	}
	if role := record.Get("choices.0.delta.role"); role.Exists() {
		delta.Role = role.String()
	} else if role := record.Get("role"); role.Type == gjson.String {
		delta.Role = role.String()
	}

	// OpenAI-shaped chunks travel unmodified
	if record.Get("choices").IsArray() {
		delta.Raw = append([]byte(nil), trimmed...)
	}

	if delta.Content == "" && delta.FinishReason == "" && delta.Raw == nil {
		return delta, false, nil
	}
	return delta, true, nil
}
