package agent

import (
	"context"
	"strings"
)

// ChunkType labels a streamed event.
type ChunkType string

const (
	ChunkContent     ChunkType = "content"
	ChunkToolInvoked ChunkType = "tool_invoked"
	ChunkToolResult  ChunkType = "tool_result"
	ChunkError       ChunkType = "error"
)

// Chunk is one event of a streamed invocation. Payload is a string for
// content and error chunks, a ToolCall for tool_invoked and a
// ToolResultPayload for tool_result.
type Chunk struct {
	Type    ChunkType `json:"type"`
	Payload any       `json:"payload"`
}

// ToolResultPayload is the payload of a tool_result chunk.
type ToolResultPayload struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// ChunkStream is a one-shot, ordered sequence of chunks. Exactly one reader
// drains Chunks; the channel closes when the invocation ends or its
// context is cancelled.
type ChunkStream struct {
	chunks chan Chunk
	done   chan struct{}
	cancel context.CancelFunc

	result *Result
	err    error
}

// Stream starts an invocation in streaming mode. Content fragments are
// forwarded as the model produces them; tool activity shows up as
// tool_invoked and tool_result chunks. A failed invocation ends with one
// error chunk.
func (l *Loop) Stream(ctx context.Context, in Input) *ChunkStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &ChunkStream{
		chunks: make(chan Chunk),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(s.done)
		defer close(s.chunks)
		defer cancel()

		emit := func(c Chunk) {
			select {
			case s.chunks <- c:
			case <-ctx.Done():
			}
		}

		result, err := l.run(ctx, in, emit, "stream")
		if err != nil {
			emit(Chunk{Type: ChunkError, Payload: err.Error()})
		}
		s.result, s.err = result, err
	}()

	return s
}

// Chunks returns the event channel.
func (s *ChunkStream) Chunks() <-chan Chunk {
	return s.chunks
}

// Wait blocks until the invocation ends and returns its outcome. The
// producer blocks on unread chunks, so drain Chunks or Close first.
func (s *ChunkStream) Wait() (*Result, error) {
	<-s.done
	return s.result, s.err
}

// Close cancels the invocation. Pending chunks are dropped.
func (s *ChunkStream) Close() {
	s.cancel()
}

// Collect drains the stream and returns every chunk with the outcome.
func (s *ChunkStream) Collect() ([]Chunk, *Result, error) {
	var chunks []Chunk
	for c := range s.chunks {
		chunks = append(chunks, c)
	}
	result, err := s.Wait()
	return chunks, result, err
}

// ContentOf concatenates the content chunks of a sequence.
func ContentOf(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		if c.Type != ChunkContent {
			continue
		}
		if s, ok := c.Payload.(string); ok {
			b.WriteString(s)
		}
	}
	return b.String()
}
