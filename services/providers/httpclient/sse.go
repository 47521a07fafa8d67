package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/providers"
)

const maxEventBytes = 1 << 20

var doneMarker = []byte("[DONE]")

// ReadEvents reads server-sent events from r and calls fn with each data
// payload. Bare JSON lines are accepted as single-line events, which covers
// NDJSON streams. Reading stops at EOF or at a [DONE] payload.
func ReadEvents(r io.Reader, fn func(data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)

	var data bytes.Buffer
	flush := func() (bool, error) {
		if data.Len() == 0 {
			return false, nil
		}
		payload := bytes.TrimSpace(data.Bytes())
		data.Reset()
		if bytes.Equal(payload, doneMarker) {
			return true, nil
		}
		return false, fn(payload)
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(bytes.TrimSpace(line)) == 0:
			if done, err := flush(); done || err != nil {
				return err
			}
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" ")))
		case line[0] == ':' || bytes.HasPrefix(line, []byte("event:")) ||
			bytes.HasPrefix(line, []byte("id:")) || bytes.HasPrefix(line, []byte("retry:")):
		default:
			if done, err := flush(); done || err != nil {
				return err
			}
			data.Write(line)
			if done, err := flush(); done || err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	_, err := flush()
	return err
}

// ParseChunk extracts a delta from one streamed payload. OpenAI-shaped
// chunks keep their raw bytes. keep is false for payloads with no content.
func ParseChunk(data []byte) (delta providers.ChatDelta, keep bool, err error) {
	if !gjson.ValidBytes(data) {
		return providers.ChatDelta{Content: string(data)}, true, nil
	}

	chunk := gjson.ParseBytes(data)
	if e := chunk.Get("error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return delta, false, services.NewHTTPStatusError(http.StatusBadGateway, []byte(msg))
	}

	if chunk.Get("choices").IsArray() {
		delta.Raw = append([]byte(nil), data...)
		delta.Content = chunk.Get("choices.0.delta.content").String()
		if delta.Content == "" {
			delta.Content = chunk.Get("choices.0.text").String()
		}
		delta.Role = chunk.Get("choices.0.delta.role").String()
		delta.FinishReason = chunk.Get("choices.0.finish_reason").String()
		return delta, true, nil
	}

	// ollama native and text-generation-inference token events
	switch {
	case chunk.Get("message.content").Exists():
		delta.Content = chunk.Get("message.content").String()
	case chunk.Get("response").Exists():
		delta.Content = chunk.Get("response").String()
	case chunk.Get("token.text").Exists():
		delta.Content = chunk.Get("token.text").String()
	case chunk.Get("content").Type == gjson.String:
		delta.Content = chunk.Get("content").String()
	}
	if chunk.Get("done").Bool() {
		delta.FinishReason = chunk.Get("done_reason").String()
		if delta.FinishReason == "" {
			delta.FinishReason = "stop"
		}
	}
	if r := chunk.Get("details.finish_reason"); r.Exists() {
		delta.FinishReason = r.String()
	}

	if delta.Content == "" && delta.FinishReason == "" {
		return delta, false, nil
	}
	return delta, true, nil
}

// StreamChat turns an open streaming response into a ChatStream.
// The stream owns resp.Body. The terminal Done delta carries the last
// finish reason seen, or "stop".
func StreamChat(ctx context.Context, resp *http.Response) *providers.ChatStream {
	return providers.NewChatStream(ctx, func(ctx context.Context, emit providers.EmitFunc) error {
		defer resp.Body.Close()
		stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
		defer stop()

		finish := ""
		err := ReadEvents(resp.Body, func(data []byte) error {
			delta, keep, err := ParseChunk(data)
			if err != nil {
				return err
			}
			if !keep {
				return nil
			}
			if delta.FinishReason != "" {
				finish = delta.FinishReason
			}
			if !emit(delta) {
				return ctx.Err()
			}
			return nil
		})
		if ctx.Err() != nil {
			return services.NewCancelledError(ctx.Err())
		}
		if err != nil {
			if services.GetErrorType(err) != "" {
				return err
			}
			return services.NewNetworkError(err)
		}

		if finish == "" {
			finish = "stop"
		}
		emit(providers.ChatDelta{Done: true, FinishReason: finish})
		return nil
	})
}
