package providers

import (
	"context"
	"io"
	"strings"
	"sync"
)

// EmitFunc hands one delta to the stream consumer.
// It returns false once the stream has been closed.
type EmitFunc func(ChatDelta) bool

// ProduceFunc feeds a stream. It must return when ctx is cancelled.
type ProduceFunc func(ctx context.Context, emit EmitFunc) error

// ChatStream is a finite, non-restartable sequence of chat deltas.
// Recv returns io.EOF after the terminal chunk has been consumed.
// Close cancels the producer and releases its resources.
type ChatStream struct {
	deltas <-chan ChatDelta
	cancel context.CancelFunc
	err    error
	once   sync.Once
}

// NewChatStream starts produce in its own goroutine and returns the consumer side
func NewChatStream(ctx context.Context, produce ProduceFunc) *ChatStream {
	ctx, cancel := context.WithCancel(ctx)
	deltas := make(chan ChatDelta, 16)
	s := &ChatStream{deltas: deltas, cancel: cancel}

	go func() {
		defer close(deltas)
		emit := func(d ChatDelta) bool {
			select {
			case deltas <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}
		// err is published by close(deltas) happening after this write
		s.err = produce(ctx, emit)
	}()

	return s
}

// Recv returns the next delta, the producer error, or io.EOF
func (s *ChatStream) Recv() (ChatDelta, error) {
	d, ok := <-s.deltas
	if ok {
		return d, nil
	}
	if s.err != nil {
		return ChatDelta{}, s.err
	}
	return ChatDelta{}, io.EOF
}

// Close cancels the producer and waits for it to exit
func (s *ChatStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		for range s.deltas {
		}
	})
	return nil
}

// Collect drains a stream into its concatenated content.
// It is used when a streaming backend has to serve a buffered request.
func (s *ChatStream) Collect() (string, string, error) {
	defer s.Close()
	var content strings.Builder
	var finish string
	for {
		d, err := s.Recv()
		if err == io.EOF {
			return content.String(), finish, nil
		}
		if err != nil {
			return content.String(), finish, err
		}
		content.WriteString(d.Content)
		if d.FinishReason != "" {
			finish = d.FinishReason
		}
	}
}
