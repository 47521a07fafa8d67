package httpclient

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/upb/llm-gateway/services/providers"
)

// ParseModelIDs extracts model ids from a model listing. It understands the
// OpenAI {"data":[{"id":…}]} shape, ollama's {"models":[{"name":…}]} and
// a bare array of ids or objects.
func ParseModelIDs(body []byte) []string {
	if !gjson.ValidBytes(body) {
		return nil
	}
	doc := gjson.ParseBytes(body)

	var items gjson.Result
	switch {
	case doc.Get("data").IsArray():
		items = doc.Get("data")
	case doc.Get("models").IsArray():
		items = doc.Get("models")
	case doc.IsArray():
		items = doc
	default:
		return nil
	}

	seen := make(map[string]struct{})
	var ids []string
	items.ForEach(func(_, item gjson.Result) bool {
		id := item.String()
		if item.IsObject() {
			id = item.Get("id").String()
			if id == "" {
				id = item.Get("name").String()
			}
			if id == "" {
				id = item.Get("model").String()
			}
		}
		if _, dup := seen[id]; id != "" && !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// ListModels fetches and parses a model listing
func (c *Client) ListModels(ctx context.Context, path string) ([]string, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return nil, err
	}
	return ParseModelIDs(resp.Body), nil
}

// Probe issues a GET against path and reports the outcome as a TestResult
func (c *Client) Probe(ctx context.Context, path string) providers.TestResult {
	start := time.Now()
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return providers.TestResult{
			Success:        false,
			Message:        err.Error(),
			ResponseTimeMs: elapsed,
		}
	}

	return providers.TestResult{
		Success:        true,
		Message:        "connection successful",
		ResponseTimeMs: elapsed,
		Details: map[string]any{
			"base_url": c.BaseURL(),
			"models":   len(ParseModelIDs(resp.Body)),
		},
	}
}
