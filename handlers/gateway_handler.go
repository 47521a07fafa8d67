package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/internal/shared"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/gateway"
	"github.com/upb/llm-gateway/services/normalizer"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/utils"
)

const maxBodyBytes = 10 << 20

// chatFields are the request keys bound to typed fields; any other key is
// forwarded to the provider as a vendor parameter
var chatFields = map[string]struct{}{
	"model": {}, "messages": {}, "temperature": {}, "top_p": {},
	"max_tokens": {}, "stop": {}, "stream": {}, "user": {},
}

// GatewayService defines the gateway operations served over HTTP
type GatewayService interface {
	HandleChatCompletion(ctx context.Context, req *gateway.ChatCompletionRequest) (*gateway.ChatCompletionResult, error)
	HandleEmbeddings(ctx context.Context, req *gateway.EmbeddingsRequest) (*normalizer.EmbeddingsResponse, error)
	GetAvailableModels(ctx context.Context) (*normalizer.ModelList, error)
}

// GatewayHandler serves the OpenAI-compatible endpoints
type GatewayHandler struct {
	service    GatewayService
	normalizer *normalizer.Normalizer
	logger     *zap.Logger
}

// NewGatewayHandler creates a new GatewayHandler
func NewGatewayHandler(service GatewayService, norm *normalizer.Normalizer, logger *zap.Logger) *GatewayHandler {
	return &GatewayHandler{
		service:    service,
		normalizer: norm,
		logger:     logger,
	}
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *GatewayHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := shared.RequestID(ctx)

	body, err := readBody(w, r)
	if err != nil {
		h.badRequest(w, requestID, "Invalid request body", err)
		return
	}

	// A bare string stop sequence is accepted as a one-element list
	if stop := gjson.GetBytes(body, "stop"); stop.Type == gjson.String {
		if body, err = sjson.SetBytes(body, "stop", []string{stop.String()}); err != nil {
			h.badRequest(w, requestID, "Invalid request body", err)
			return
		}
	}

	var req gateway.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.badRequest(w, requestID, "Invalid request body", err)
		return
	}
	req.Extra = extraFields(body, chatFields)
	req.Meta = requestMeta(r, requestID, req.Model)

	h.logger.Debug("processing chat completion",
		zap.String("request_id", requestID),
		zap.String("model", req.Model),
		zap.Bool("stream", req.Stream))

	result, err := h.service.HandleChatCompletion(ctx, &req)
	if err != nil {
		HandleServiceError(w, err, h.normalizer, requestID, h.logger)
		return
	}

	w.Header().Set("X-Gateway-Provider", result.ProviderID)
	w.Header().Set("X-Gateway-Attempts", strconv.Itoa(result.Attempts))

	if result.Stream != nil {
		h.writeStream(w, result.Stream, requestID)
		return
	}

	if err := utils.WriteJSON(w, http.StatusOK, result.Completion); err != nil {
		h.logger.Error("failed to write chat completion", zap.Error(err))
	}
}

// writeStream relays chunks as server-sent events. A failure after the
// first byte is reported as a final error event.
func (h *GatewayHandler) writeStream(w http.ResponseWriter, stream *gateway.ChunkStream, requestID string) {
	defer stream.Close()

	sse, err := utils.NewSSEWriter(w)
	if err != nil {
		HandleServiceError(w, services.WrapInternal("cannot stream response", err), h.normalizer, requestID, h.logger)
		return
	}

	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			_ = sse.WriteDone()
			return
		}
		if err != nil {
			gwErr := h.normalizer.NormalizeError(err, requestID)
			if writeErr := sse.WriteJSON(ErrorBody{Error: gwErr}); writeErr != nil {
				h.logger.Debug("failed to write stream error", zap.Error(writeErr))
			}
			return
		}
		if err := sse.WriteData(chunk); err != nil {
			h.logger.Debug("client went away during stream",
				zap.String("request_id", requestID),
				zap.Error(err))
			return
		}
	}
}

// HandleEmbeddings handles POST /v1/embeddings
func (h *GatewayHandler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := shared.RequestID(ctx)

	body, err := readBody(w, r)
	if err != nil {
		h.badRequest(w, requestID, "Invalid request body", err)
		return
	}

	// A single string input is accepted as a one-element batch
	if input := gjson.GetBytes(body, "input"); input.Type == gjson.String {
		if body, err = sjson.SetBytes(body, "input", []string{input.String()}); err != nil {
			h.badRequest(w, requestID, "Invalid request body", err)
			return
		}
	}

	var req gateway.EmbeddingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.badRequest(w, requestID, "Invalid request body", err)
		return
	}
	req.Meta = requestMeta(r, requestID, req.Model)

	resp, err := h.service.HandleEmbeddings(ctx, &req)
	if err != nil {
		HandleServiceError(w, err, h.normalizer, requestID, h.logger)
		return
	}

	if err := utils.WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("failed to write embeddings", zap.Error(err))
	}
}

// HandleListModels handles GET /v1/models
func (h *GatewayHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.GetAvailableModels(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.normalizer, shared.RequestID(r.Context()), h.logger)
		return
	}

	if err := utils.WriteJSON(w, http.StatusOK, list); err != nil {
		h.logger.Error("failed to write model list", zap.Error(err))
	}
}

func (h *GatewayHandler) badRequest(w http.ResponseWriter, requestID, message string, err error) {
	h.logger.Warn("failed to parse request body",
		zap.String("request_id", requestID),
		zap.Error(err))
	HandleServiceError(w, services.NewValidationError(message, err), h.normalizer, requestID, h.logger)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("body is not valid JSON")
	}
	return body, nil
}

// extraFields collects the top-level keys not bound to typed fields
func extraFields(body []byte, known map[string]struct{}) map[string]any {
	var extra map[string]any
	gjson.ParseBytes(body).ForEach(func(key, value gjson.Result) bool {
		if _, ok := known[key.String()]; ok {
			return true
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[key.String()] = value.Value()
		return true
	})
	return extra
}

func requestMeta(r *http.Request, requestID, model string) providers.RequestMeta {
	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}
	return providers.RequestMeta{
		RequestID:       requestID,
		ExternalModelID: model,
		Headers:         headers,
	}
}
