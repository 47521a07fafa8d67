package normalizer

import (
	"github.com/tidwall/gjson"

	"github.com/upb/llm-gateway/services"
)

// NormalizeEmbeddingsResponse turns a raw embeddings payload into the
// canonical list. Accepted shapes: an OpenAI list, an array of vectors, an
// array of {embedding} objects and a single {embedding}. Indexes follow
// input order.
func (n *Normalizer) NormalizeEmbeddingsResponse(raw []byte, modelID string, meta ProviderMeta) (*EmbeddingsResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, services.WrapInternal("unrecognized embeddings response", nil)
	}
	doc := gjson.ParseBytes(raw)

	var items gjson.Result
	switch {
	case doc.Get("data").IsArray():
		items = doc.Get("data")
	case doc.Get("embeddings").IsArray():
		items = doc.Get("embeddings")
	case doc.IsArray() && doc.Get("0").Type == gjson.Number:
		items = gjson.Parse("[" + doc.Raw + "]")
	case doc.IsArray():
		items = doc
	case doc.Get("embedding").IsArray():
		items = gjson.Parse("[" + doc.Raw + "]")
	default:
		return nil, services.WrapInternal("unrecognized embeddings response", nil)
	}

	resp := &EmbeddingsResponse{
		Object: ObjectList,
		Data:   []Embedding{},
		Model:  modelID,
	}
	var bad bool
	items.ForEach(func(_, item gjson.Result) bool {
		vector := item
		if item.IsObject() {
			vector = item.Get("embedding")
		}
		if !vector.IsArray() {
			bad = true
			return false
		}
		resp.Data = append(resp.Data, Embedding{
			Object:    ObjectEmbedding,
			Index:     len(resp.Data),
			Embedding: floats(vector),
		})
		return true
	})
	if bad {
		return nil, services.WrapInternal("unrecognized embeddings response", nil)
	}

	if u := doc.Get("usage"); u.IsObject() {
		resp.Usage.PromptTokens = int(u.Get("prompt_tokens").Int())
		resp.Usage.TotalTokens = int(u.Get("total_tokens").Int())
	}
	if resp.Usage.PromptTokens == 0 {
		resp.Usage.PromptTokens = meta.PromptTokens
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens
	}
	return resp, nil
}

func floats(v gjson.Result) []float64 {
	out := make([]float64, 0, len(v.Array()))
	v.ForEach(func(_, f gjson.Result) bool {
		out = append(out, f.Float())
		return true
	})
	return out
}
