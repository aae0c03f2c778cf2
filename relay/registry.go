package relay

import (
	"context"
	"sync"

	"github.com/victhorio/opachat/chat"
)

// resumable buffers the chunks of one response so that late readers can replay it from the start
// and then follow it live.
type resumable struct {
	chatID string
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	chunks []chat.Chunk
	done   bool
	// wake is closed and replaced whenever chunks grow or the stream ends
	wake chan struct{}
}

func newResumable(ctx context.Context, chatID string) *resumable {
	ctx, cancel := context.WithCancel(ctx)
	return &resumable{
		chatID: chatID,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}),
	}
}

func (r *resumable) append(ch chat.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, ch)
	close(r.wake)
	r.wake = make(chan struct{})
}

func (r *resumable) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	close(r.wake)
	r.wake = make(chan struct{})
}

// next blocks until there are chunks past from or the stream is over. It returns the new chunks
// and whether the stream is over.
func (r *resumable) next(ctx context.Context, from int) ([]chat.Chunk, bool, error) {
	for {
		r.mu.Lock()
		if from < len(r.chunks) {
			out := append([]chat.Chunk(nil), r.chunks[from:]...)
			r.mu.Unlock()
			return out, false, nil
		}
		if r.done {
			r.mu.Unlock()
			return nil, true, nil
		}
		wake := r.wake
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-wake:
		}
	}
}

// follow replays the buffered chunks and then the live ones, calling fn for each, until the stream
// ends or fn fails.
func (r *resumable) follow(ctx context.Context, fn func(chat.Chunk) error) error {
	from := 0
	for {
		chunks, done, err := r.next(ctx, from)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		for _, ch := range chunks {
			if err := fn(ch); err != nil {
				return err
			}
		}
		from += len(chunks)
	}
}

// registry holds the one active stream per chat.
type registry struct {
	mu      sync.Mutex
	streams map[string]*resumable
}

func newRegistry() *registry {
	return &registry{streams: make(map[string]*resumable)}
}

// start registers a new stream for chatID, cancelling any previous one.
func (g *registry) start(ctx context.Context, chatID string) *resumable {
	r := newResumable(ctx, chatID)

	g.mu.Lock()
	prev := g.streams[chatID]
	g.streams[chatID] = r
	g.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	return r
}

func (g *registry) get(chatID string) *resumable {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streams[chatID]
}

// remove drops r if it is still the registered stream of its chat.
func (g *registry) remove(r *resumable) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.streams[r.chatID] == r {
		delete(g.streams, r.chatID)
	}
}

func (g *registry) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.streams)
}

// closeAll cancels every active stream.
func (g *registry) closeAll() {
	g.mu.Lock()
	streams := make([]*resumable, 0, len(g.streams))
	for _, r := range g.streams {
		streams = append(streams, r)
	}
	g.mu.Unlock()

	for _, r := range streams {
		r.cancel()
	}
}
