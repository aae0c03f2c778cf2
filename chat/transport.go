package chat

import (
	"context"

	"github.com/pkg/errors"
)

// Trigger tells the transport why a request is being made.
type Trigger string

const (
	TriggerSubmitMessage     Trigger = "submit-message"
	TriggerRegenerateMessage Trigger = "regenerate-message"
	TriggerResumeStream      Trigger = "resume-stream"
)

type SendRequest struct {
	ChatID   string         `json:"id"`
	Messages []UIMessage    `json:"messages"`
	Trigger  Trigger        `json:"trigger"`
	// MessageID is the id of the assistant message being continued or regenerated, if any.
	MessageID string            `json:"messageId,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	Body      map[string]any    `json:"body,omitempty"`
	Headers   map[string]string `json:"-"`
}

// Validate checks a request received from outside the process.
func (r SendRequest) Validate() error {
	if r.ChatID == "" {
		return errors.New("missing chat id")
	}
	for _, m := range r.Messages {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type ReconnectRequest struct {
	ChatID  string
	Headers map[string]string
}

// ChunkStream is an open response. Implementations must close out when done and must stop
// sending as soon as ctx is done.
type ChunkStream interface {
	Consume(ctx context.Context, out chan<- Chunk)
}

// Transport delivers messages to a model and streams the answer back as chunks.
type Transport interface {
	SendMessages(ctx context.Context, req SendRequest) (ChunkStream, error)
	// ReconnectToStream returns a nil stream, and no error, when there is no active stream for
	// the chat.
	ReconnectToStream(ctx context.Context, req ReconnectRequest) (ChunkStream, error)
}

// ChunkSlice is a ChunkStream over a fixed list of chunks.
type ChunkSlice []Chunk

func (s ChunkSlice) Consume(ctx context.Context, out chan<- Chunk) {
	defer close(out)

	for _, ch := range s {
		if !SendChunk(ctx, out, ch) {
			return
		}
	}
}

// StreamFunc adapts a function to ChunkStream. The function must not close out.
type StreamFunc func(ctx context.Context, out chan<- Chunk)

func (f StreamFunc) Consume(ctx context.Context, out chan<- Chunk) {
	defer close(out)
	f(ctx, out)
}

// SendChunk delivers ch unless ctx is done first. It reports whether the chunk was delivered.
func SendChunk(ctx context.Context, out chan<- Chunk, ch Chunk) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- ch:
		return true
	}
}
