package chat

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// UseOptions selects the engine a facade binds to: an existing Chat (its state is then shared
// with every other facade over it) or a fresh one built from Init.
type UseOptions struct {
	Chat *Chat
	Init Init

	// Resume makes Mount reattach to an in-flight stream once.
	Resume bool
}

// Helpers is the UI-facing facade over one engine. Its methods stay bound to that engine for the
// facade's whole life, so they can be handed around freely.
type Helpers struct {
	chat   *Chat
	resume bool

	mountOnce sync.Once
}

func UseChat(opts UseOptions) (*Helpers, error) {
	c := opts.Chat
	if c == nil {
		var err error
		if c, err = NewChat(opts.Init); err != nil {
			return nil, err
		}
	}
	return &Helpers{chat: c, resume: opts.Resume}, nil
}

func (h *Helpers) Chat() *Chat {
	return h.chat
}

func (h *Helpers) ID() string {
	return h.chat.ID()
}

func (h *Helpers) Messages() []UIMessage {
	return h.chat.Messages()
}

func (h *Helpers) Status() Status {
	return h.chat.Status()
}

func (h *Helpers) Error() error {
	return h.chat.Error()
}

func (h *Helpers) SetMessages(next []UIMessage) error {
	return h.chat.SetMessages(next)
}

// UpdateMessages replaces the messages with fn applied to the messages current at call time.
func (h *Helpers) UpdateMessages(fn func(current []UIMessage) []UIMessage) error {
	return h.chat.SetMessages(fn(h.chat.Messages()))
}

func (h *Helpers) SendMessage(ctx context.Context, input *MessageInput) error {
	return h.chat.SendMessage(ctx, input)
}

func (h *Helpers) Regenerate(ctx context.Context, opts RegenerateOptions) error {
	return h.chat.Regenerate(ctx, opts)
}

func (h *Helpers) Stop() {
	h.chat.Stop()
}

func (h *Helpers) ResumeStream(ctx context.Context, opts RequestOptions) error {
	return h.chat.ResumeStream(ctx, opts)
}

func (h *Helpers) AddToolResult(ctx context.Context, result ToolResult) error {
	return h.chat.AddToolResult(ctx, result)
}

func (h *Helpers) ClearError() {
	h.chat.ClearError()
}

// Mount performs the facade's one-time setup. With Resume set, the first call resumes the chat's
// stream; later calls do nothing and return nil.
func (h *Helpers) Mount(ctx context.Context) error {
	var err error
	h.mountOnce.Do(func() {
		if h.resume {
			err = h.chat.ResumeStream(ctx, RequestOptions{})
		}
	})
	return err
}

// Watch observes the engine's state when it supports observation.
func (h *Helpers) Watch(fn func(StateChange)) (func(), error) {
	w, ok := h.chat.State().(interface {
		Watch(fn func(StateChange)) func()
	})
	if !ok {
		return nil, errors.New("chat: state is not observable")
	}
	return w.Watch(fn), nil
}

// Views returns the messages with their versions when the state tracks them.
func (h *Helpers) Views() []MessageView {
	if rs, ok := h.chat.State().(*ReactiveState); ok {
		return rs.Views()
	}

	messages := h.chat.Messages()
	out := make([]MessageView, len(messages))
	for i := range messages {
		out[i] = MessageView{Message: messages[i]}
	}
	return out
}
