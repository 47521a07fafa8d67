package gateway

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/services/normalizer"
	"github.com/upb/llm-gateway/services/providers"
)

// ChunkStream yields canonical chat.completion.chunk payloads.
// Next returns io.EOF after the terminal chunk.
type ChunkStream struct {
	deltas     *providers.ChatStream
	normalizer *normalizer.Normalizer
	logger     *zap.Logger
	modelID    string
	requestID  string
	providerID string
	// release frees the attempt the stream was opened under
	release func()
	// finished is set once a chunk carrying a finish reason has been sent
	finished bool
}

// NewChunkStream normalizes the deltas of one provider stream
func NewChunkStream(deltas *providers.ChatStream, norm *normalizer.Normalizer, logger *zap.Logger, modelID, requestID, providerID string) *ChunkStream {
	return &ChunkStream{
		deltas:     deltas,
		normalizer: norm,
		logger:     logger,
		modelID:    modelID,
		requestID:  requestID,
		providerID: providerID,
	}
}

// Next returns the next chunk payload. Errors are normalized.
func (s *ChunkStream) Next() ([]byte, error) {
	d, err := s.deltas.Recv()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		gwErr := s.normalizer.NormalizeError(err, s.requestID)
		s.logger.Warn("stream failed",
			zap.String("request_id", s.requestID),
			zap.String("provider_id", s.providerID),
			zap.String("code", gwErr.Code),
			zap.Error(err))
		return nil, gwErr
	}
	if d.FinishReason != "" {
		if d.Done && s.finished {
			d.FinishReason = ""
		}
		s.finished = true
	}
	return s.normalizer.NormalizeChunk(d, s.modelID, s.requestID)
}

// Close stops the upstream producer
func (s *ChunkStream) Close() error {
	err := s.deltas.Close()
	if s.release != nil {
		s.release()
	}
	return err
}

// completionStream replays a buffered completion as a two-chunk stream
func completionStream(ctx context.Context, c *normalizer.ChatCompletion) *providers.ChatStream {
	return providers.NewChatStream(ctx, func(ctx context.Context, emit providers.EmitFunc) error {
		finish := "stop"
		if len(c.Choices) > 0 {
			if !emit(providers.ChatDelta{Role: c.Choices[0].Message.Role, Content: c.Choices[0].Message.Content}) {
				return ctx.Err()
			}
			if c.Choices[0].FinishReason != "" {
				finish = c.Choices[0].FinishReason
			}
		}
		emit(providers.ChatDelta{FinishReason: finish, Done: true})
		return nil
	})
}
