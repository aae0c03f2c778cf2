// Package chattest provides a scripted chat.Transport for tests.
package chattest

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/victhorio/opachat/chat"
)

// Response scripts one stream.
type Response struct {
	Chunks []chat.Chunk
	// Err is returned instead of a stream.
	Err error
	// Hold keeps the stream open after Chunks until the request is cancelled.
	Hold bool
}

// Transport replays Responses in order, one per SendMessages call. ReconnectToStream serves Resume,
// or no stream when Resume is nil.
type Transport struct {
	mu        sync.Mutex
	responses []Response
	resume    *Response

	requests   []chat.SendRequest
	reconnects int
}

func NewTransport(responses ...Response) *Transport {
	return &Transport{responses: responses}
}

// WithResume sets the stream served to reconnects.
func (t *Transport) WithResume(r Response) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resume = &r
	return t
}

func (t *Transport) SendMessages(ctx context.Context, req chat.SendRequest) (chat.ChunkStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests = append(t.requests, req)
	if len(t.responses) == 0 {
		return nil, errors.New("chattest: no scripted response left")
	}
	r := t.responses[0]
	t.responses = t.responses[1:]
	if r.Err != nil {
		return nil, r.Err
	}
	return stream(r), nil
}

func (t *Transport) ReconnectToStream(ctx context.Context, req chat.ReconnectRequest) (chat.ChunkStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reconnects++
	if t.resume == nil {
		return nil, nil
	}
	if t.resume.Err != nil {
		return nil, t.resume.Err
	}
	return stream(*t.resume), nil
}

// Requests returns the requests received so far.
func (t *Transport) Requests() []chat.SendRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]chat.SendRequest(nil), t.requests...)
}

func (t *Transport) Reconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnects
}

func stream(r Response) chat.ChunkStream {
	return chat.StreamFunc(func(ctx context.Context, out chan<- chat.Chunk) {
		for _, ch := range r.Chunks {
			if !chat.SendChunk(ctx, out, ch) {
				return
			}
		}
		if r.Hold {
			<-ctx.Done()
		}
	})
}

// TextResponse is the chunk sequence of a single-step text answer.
func TextResponse(messageID string, deltas ...string) []chat.Chunk {
	chunks := []chat.Chunk{
		chat.NewChunkStart(messageID),
		chat.NewChunkStartStep(),
		chat.NewChunkTextStart("t1"),
	}
	for _, d := range deltas {
		chunks = append(chunks, chat.NewChunkTextDelta("t1", d))
	}
	return append(chunks,
		chat.NewChunkTextEnd("t1"),
		chat.NewChunkFinishStep(),
		chat.NewChunkFinish(nil),
	)
}
