package chat

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrRequestInFlight  = errors.New("chat: a request is already in flight")
	ErrMessageNotFound  = errors.New("chat: message not found")
	ErrToolCallNotFound = errors.New("chat: tool call not found")
	ErrNoTransport      = errors.New("chat: a transport is required")
)

// Init configures a Chat. Only Transport is required.
type Init struct {
	ID        string
	Messages  []UIMessage
	Transport Transport

	// GenerateID produces ids for new messages. Defaults to random UUIDs.
	GenerateID func() string

	OnError func(err error)
	// OnToolCall runs on the streaming goroutine once a tool call's input is complete. It may call
	// AddToolResult directly.
	OnToolCall func(ctx context.Context, call ToolCall)
	OnFinish   func(info FinishInfo)
	// OnData sees every data chunk, transient ones included.
	OnData func(ch Chunk)

	// SendAutomaticallyWhen is asked after each successful response, and after tool results
	// arrive, whether the conversation should be submitted again.
	SendAutomaticallyWhen func(messages []UIMessage) bool

	Logger *zerolog.Logger
}

type ToolCall struct {
	ToolCallID string
	ToolName   string
	Input      any
}

// ToolResult is the outcome of a client-side tool call. A non-empty ErrorText marks it failed.
type ToolResult struct {
	ToolCallID string
	Output     any
	ErrorText  string
}

type FinishInfo struct {
	Message  UIMessage
	Messages []UIMessage

	IsAbort      bool
	IsDisconnect bool
	IsError      bool
}

type RequestOptions struct {
	Headers  map[string]string
	Body     map[string]any
	Metadata map[string]any
}

// MessageInput is a user message to send. Setting MessageID replaces that user message and drops
// everything after it.
type MessageInput struct {
	Text      string
	Files     []FilePart
	Metadata  map[string]any
	MessageID string

	Request RequestOptions
}

type RegenerateOptions struct {
	// MessageID selects the message to regenerate. Defaults to the last one.
	MessageID string

	Request RequestOptions
}

// Chat drives request/response exchanges against a Transport and records every transition in its
// State.
type Chat struct {
	id         string
	state      State
	transport  Transport
	generateID func() string

	onError               func(error)
	onToolCall            func(context.Context, ToolCall)
	onFinish              func(FinishInfo)
	onData                func(Chunk)
	sendAutomaticallyWhen func([]UIMessage) bool

	log zerolog.Logger

	mu     sync.Mutex
	active *activeResponse
}

// NewChat creates a chat backed by a ReactiveState seeded with init.Messages.
func NewChat(init Init) (*Chat, error) {
	state, err := NewReactiveState(init.Messages)
	if err != nil {
		return nil, errors.Wrap(err, "chat: initial messages")
	}
	return newChat(init, state)
}

// NewChatWithState creates a chat over a caller-provided State. init.Messages, when set, replace
// whatever the state holds.
func NewChatWithState(init Init, state State) (*Chat, error) {
	if state == nil {
		return nil, errors.New("chat: nil state")
	}
	if init.Messages != nil {
		if err := state.SetMessages(init.Messages); err != nil {
			return nil, errors.Wrap(err, "chat: initial messages")
		}
	}
	return newChat(init, state)
}

func newChat(init Init, state State) (*Chat, error) {
	if init.Transport == nil {
		return nil, ErrNoTransport
	}

	c := &Chat{
		id:                    init.ID,
		state:                 state,
		transport:             init.Transport,
		generateID:            init.GenerateID,
		onError:               init.OnError,
		onToolCall:            init.OnToolCall,
		onFinish:              init.OnFinish,
		onData:                init.OnData,
		sendAutomaticallyWhen: init.SendAutomaticallyWhen,
	}
	if c.generateID == nil {
		c.generateID = uuid.NewString
	}
	if c.id == "" {
		c.id = c.generateID()
	}
	if state.Status() == "" {
		state.SetStatus(StatusReady)
	}

	logger := log.Logger
	if init.Logger != nil {
		logger = *init.Logger
	}
	c.log = logger.With().Str("component", "chat").Str("chat_id", c.id).Logger()

	return c, nil
}

func (c *Chat) ID() string {
	return c.id
}

func (c *Chat) State() State {
	return c.state
}

func (c *Chat) Messages() []UIMessage {
	return c.state.Messages()
}

func (c *Chat) SetMessages(next []UIMessage) error {
	return c.state.SetMessages(next)
}

func (c *Chat) Status() Status {
	return c.state.Status()
}

func (c *Chat) Error() error {
	return c.state.Error()
}

// SendMessage appends (or, with MessageID, edits) a user message and requests a response. A nil
// input submits the conversation as it stands.
func (c *Chat) SendMessage(ctx context.Context, input *MessageInput) error {
	if input == nil {
		return c.makeRequest(ctx, request{trigger: TriggerSubmitMessage}, nil)
	}

	msg := UIMessage{
		ID:       input.MessageID,
		Role:     RoleUser,
		Metadata: input.Metadata,
	}
	if msg.ID == "" {
		msg.ID = c.generateID()
	}
	for _, f := range input.Files {
		msg.Parts = append(msg.Parts, Part{Type: PartTypeFile, File: &f})
	}
	if input.Text != "" {
		msg.Parts = append(msg.Parts, NewPartText(input.Text))
	}

	prepare := func() error {
		if input.MessageID == "" {
			return c.state.PushMessage(msg)
		}

		messages := c.state.Messages()
		idx := indexOf(messages, input.MessageID)
		if idx < 0 {
			return errors.Wrapf(ErrMessageNotFound, "chat: edit %s", input.MessageID)
		}
		if messages[idx].Role != RoleUser {
			return errors.Errorf("chat: message %s is not a user message", input.MessageID)
		}
		return c.state.SetMessages(append(messages[:idx:idx], msg))
	}

	r := request{trigger: TriggerSubmitMessage, messageID: input.MessageID, opts: input.Request}
	return c.makeRequest(ctx, r, prepare)
}

// Regenerate drops the selected assistant message, or everything after the selected user message,
// and requests a fresh response.
func (c *Chat) Regenerate(ctx context.Context, opts RegenerateOptions) error {
	prepare := func() error {
		messages := c.state.Messages()
		if len(messages) == 0 {
			return errors.Wrap(ErrMessageNotFound, "chat: nothing to regenerate")
		}

		idx := len(messages) - 1
		if opts.MessageID != "" {
			idx = indexOf(messages, opts.MessageID)
			if idx < 0 {
				return errors.Wrapf(ErrMessageNotFound, "chat: regenerate %s", opts.MessageID)
			}
		}

		if messages[idx].Role == RoleAssistant {
			return c.state.SetMessages(messages[:idx])
		}
		return c.state.SetMessages(messages[:idx+1])
	}

	r := request{trigger: TriggerRegenerateMessage, messageID: opts.MessageID, opts: opts.Request}
	return c.makeRequest(ctx, r, prepare)
}

// ResumeStream reattaches to a response still being produced for this chat, if the transport
// knows of one.
func (c *Chat) ResumeStream(ctx context.Context, opts RequestOptions) error {
	return c.makeRequest(ctx, request{trigger: TriggerResumeStream, opts: opts}, nil)
}

// AddToolResult records the result of a client-side tool call. When no response is streaming and
// SendAutomaticallyWhen agrees, the conversation is submitted again.
func (c *Chat) AddToolResult(ctx context.Context, result ToolResult) error {
	found := false
	if active := c.current(); active != nil {
		found = active.applyToolResult(result)
	}

	messages := c.state.Messages()
	if n := len(messages); n > 0 {
		last := messages[n-1]
		if tool := findToolPart(&last, result.ToolCallID); tool != nil {
			setToolResult(tool, result)
			if err := c.state.ReplaceMessage(n-1, last); err != nil {
				return err
			}
			found = true
		}
	}
	if !found {
		return errors.Wrapf(ErrToolCallNotFound, "chat: tool result for %s", result.ToolCallID)
	}

	switch c.state.Status() {
	case StatusStreaming, StatusSubmitted:
		return nil
	}
	if c.sendAutomaticallyWhen == nil || !c.sendAutomaticallyWhen(c.state.Messages()) {
		return nil
	}

	id, _ := lastMessage(c.state)
	return c.makeRequest(ctx, request{trigger: TriggerSubmitMessage, messageID: id}, nil)
}

// Stop cancels the in-flight response, if any. The engine settles the status once the stream
// winds down.
func (c *Chat) Stop() {
	active := c.current()
	if active == nil {
		return
	}

	c.log.Debug().Msg("stopping response")
	active.cancel()
}

// ClearError returns an errored chat to ready.
func (c *Chat) ClearError() {
	if c.state.Status() != StatusError {
		return
	}
	c.state.SetError(nil)
	c.state.SetStatus(StatusReady)
}

// LastAssistantMessageIsCompleteWithToolCalls is a SendAutomaticallyWhen predicate: it holds when
// the last step of the last assistant message called tools and every one of them has a result.
func LastAssistantMessageIsCompleteWithToolCalls(messages []UIMessage) bool {
	if len(messages) == 0 {
		return false
	}
	last := messages[len(messages)-1]
	if last.Role != RoleAssistant {
		return false
	}

	start := 0
	for i := range last.Parts {
		if last.Parts[i].Type == PartTypeStepStart {
			start = i
		}
	}

	calls := 0
	for i := start; i < len(last.Parts); i++ {
		tool, ok := last.Parts[i].AsTool()
		if !ok {
			continue
		}
		calls++
		if tool.State != ToolOutputAvailable && tool.State != ToolOutputError {
			return false
		}
	}
	return calls > 0
}

type request struct {
	trigger   Trigger
	messageID string
	opts      RequestOptions
}

type outcome struct {
	aborted  bool
	failed   bool
	noStream bool
}

// activeResponse is the one response a chat may have in flight.
type activeResponse struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	msg *streamingMessage
}

func (a *activeResponse) apply(ch Chunk) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msg.apply(ch)
}

func (a *activeResponse) applyToolResult(r ToolResult) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.msg == nil {
		return false
	}
	return a.msg.applyToolResult(r)
}

func (a *activeResponse) snapshot() (UIMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneMessage(a.msg.message), a.msg.finished
}

func (c *Chat) current() *activeResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Chat) begin(ctx context.Context) (*activeResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, ErrRequestInFlight
	}
	rctx, cancel := context.WithCancel(ctx)
	c.active = &activeResponse{ctx: rctx, cancel: cancel}
	return c.active, nil
}

func (c *Chat) end(a *activeResponse) {
	a.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == a {
		c.active = nil
	}
}

// makeRequest runs one response, then keeps submitting for as long as SendAutomaticallyWhen asks
// for it. prepare runs once the request slot is held, so a busy chat rejects a call before it
// touches the messages.
func (c *Chat) makeRequest(ctx context.Context, r request, prepare func() error) error {
	for {
		active, err := c.begin(ctx)
		if err != nil {
			return err
		}

		if prepare != nil {
			if err := prepare(); err != nil {
				c.end(active)
				return err
			}
			prepare = nil
		}

		out := c.run(active, r)
		c.end(active)

		if out.failed || out.aborted || out.noStream {
			return nil
		}
		if c.sendAutomaticallyWhen == nil || !c.sendAutomaticallyWhen(c.state.Messages()) {
			return nil
		}

		id, _ := lastMessage(c.state)
		c.log.Debug().Str("message_id", id).Msg("submitting again automatically")
		r = request{trigger: TriggerSubmitMessage, messageID: id, opts: r.opts}
	}
}

func (c *Chat) run(active *activeResponse, r request) outcome {
	logger := c.log.With().Str("trigger", string(r.trigger)).Logger()

	c.state.SetError(nil)
	c.state.SetStatus(StatusSubmitted)

	messages := c.state.Messages()
	var base UIMessage
	if n := len(messages); n > 0 && messages[n-1].Role == RoleAssistant {
		base = c.state.Snapshot(messages[n-1])
	} else {
		base = UIMessage{ID: c.generateID(), Role: RoleAssistant}
	}
	active.mu.Lock()
	active.msg = newStreamingMessage(base)
	active.mu.Unlock()

	var (
		stream ChunkStream
		err    error
	)
	if r.trigger == TriggerResumeStream {
		stream, err = c.transport.ReconnectToStream(active.ctx, ReconnectRequest{ChatID: c.id, Headers: r.opts.Headers})
		if err == nil && stream == nil {
			logger.Debug().Msg("no active stream to resume")
			c.state.SetStatus(StatusReady)
			return outcome{noStream: true}
		}
	} else {
		stream, err = c.transport.SendMessages(active.ctx, SendRequest{
			ChatID:    c.id,
			Messages:  messages,
			Trigger:   r.trigger,
			MessageID: r.messageID,
			Metadata:  r.opts.Metadata,
			Body:      r.opts.Body,
			Headers:   r.opts.Headers,
		})
	}
	if err != nil {
		return c.settle(active, logger, err, false)
	}

	logger.Debug().Int("messages", len(messages)).Msg("response started")
	return c.settle(active, logger, c.consume(active, stream), true)
}

// consume applies the stream's chunks until it ends, fails or the response is cancelled.
func (c *Chat) consume(active *activeResponse, stream ChunkStream) error {
	chunks := make(chan Chunk)
	go stream.Consume(active.ctx, chunks)

	for {
		var (
			ch Chunk
			ok bool
		)
		select {
		case <-active.ctx.Done():
			return active.ctx.Err()
		case ch, ok = <-chunks:
		}
		if !ok {
			return nil
		}
		// stop wins over a chunk that raced it
		if err := active.ctx.Err(); err != nil {
			return err
		}

		changed, err := active.apply(ch)
		if err != nil {
			return err
		}
		if ch.Type == ChunkData && c.onData != nil {
			c.onData(ch)
		}
		if changed {
			if err := c.write(active); err != nil {
				return err
			}
		}
		if ch.Type == ChunkToolInputAvailable && !ch.ProviderExecuted && c.onToolCall != nil {
			c.onToolCall(active.ctx, ToolCall{ToolCallID: ch.ToolCallID, ToolName: ch.ToolName, Input: ch.Input})
		}
	}
}

// write publishes the streaming message: it replaces the last message when that is the one being
// streamed and is appended otherwise.
func (c *Chat) write(active *activeResponse) error {
	msg, _ := active.snapshot()

	c.state.SetStatus(StatusStreaming)

	id, n := lastMessage(c.state)
	if n > 0 && id == msg.ID {
		return c.state.ReplaceMessage(n-1, msg)
	}
	return c.state.PushMessage(msg)
}

func (c *Chat) settle(active *activeResponse, logger zerolog.Logger, err error, streamed bool) outcome {
	var out outcome
	switch {
	case err == nil:
		c.state.SetStatus(StatusReady)
	case errors.Is(err, errAbortChunk), errors.Is(err, context.Canceled):
		logger.Debug().Msg("response aborted")
		out.aborted = true
		c.state.SetStatus(StatusReady)
	default:
		logger.Error().Err(err).Msg("response failed")
		out.failed = true
		if c.onError != nil {
			c.onError(err)
		}
		c.state.SetError(err)
		c.state.SetStatus(StatusError)
	}

	msg, finished := active.snapshot()
	info := FinishInfo{
		Message:      msg,
		Messages:     c.state.Messages(),
		IsAbort:      out.aborted,
		IsError:      out.failed,
		IsDisconnect: streamed && err == nil && !finished,
	}
	if info.IsDisconnect {
		logger.Warn().Msg("stream ended without a finish chunk")
	} else if err == nil {
		logger.Debug().Msg("response finished")
	}

	if c.onFinish != nil {
		c.onFinish(info)
	}
	return out
}

func indexOf(messages []UIMessage, id string) int {
	for i := range messages {
		if messages[i].ID == id {
			return i
		}
	}
	return -1
}

// lastMessage returns the id of the last message and the message count, avoiding a full copy when
// the state can answer directly.
func lastMessage(s State) (string, int) {
	if l, ok := s.(interface{ LastMessage() (string, int) }); ok {
		return l.LastMessage()
	}
	messages := s.Messages()
	if len(messages) == 0 {
		return "", 0
	}
	return messages[len(messages)-1].ID, len(messages)
}
