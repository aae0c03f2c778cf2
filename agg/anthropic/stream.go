package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
	"github.com/victhorio/opachat/completion"
)

// Step sends the conversation to the messages endpoint and streams the answer into out as UI
// message chunks.
func (m *Model) Step(ctx context.Context, in core.StepInput, out chan<- chat.Chunk) (core.StepResult, error) {
	// Anthropic takes the system message separate from the other ones.
	sysPrompt, msgs := m.fromUIMessages(in.System, in.Messages)

	payload := requestBody{
		MaxToks:   m.maxTok,
		Msgs:      msgs,
		Model:     m.model,
		Stream:    true,
		SysPrompt: sysPrompt,
		Tools:     fromCoreTools(in.Tools),
	}

	if m.thinking() {
		payload.Reason = newReasonCfg(m.maxTokReason)
	}

	if len(in.Tools) > 0 {
		if in.Final {
			payload.ToolCfg = newToolCfg("none", false)
		} else {
			payload.ToolCfg = newToolCfg("auto", false)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return core.StepResult{}, errors.Wrap(err, "Model.Step: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return core.StepResult{}, errors.Wrap(err, "Model.Step: create request")
	}

	req.Header.Set("X-Api-Key", m.apiKey)
	req.Header.Set("anthropic-version", anthropicApiVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := m.client.Do(req)
	if err != nil {
		return core.StepResult{}, errors.Wrap(err, "Model.Step: send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusBadRequest {
			m.logger.Debug().RawJSON("payload", body).Msg("request rejected")
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if err != nil {
			return core.StepResult{}, errors.Errorf("anthropic messages api error: status=%s (failed to read body: %v)", resp.Status, err)
		}
		return core.StepResult{}, errors.Errorf("anthropic messages api error: status=%s, body=%s", resp.Status, string(body))
	}

	s := &stream{
		ctx:    ctx,
		out:    out,
		model:  m,
		blocks: make(map[int]*block),
	}
	return s.consume(resp.Body)
}

// block is a content block still being streamed, keyed by its index in the message.
type block struct {
	typ       string
	partID    string
	callID    string
	toolName  string
	args      strings.Builder
	signature strings.Builder
}

// stream turns one messages API event stream into chunks.
type stream struct {
	ctx   context.Context
	out   chan<- chat.Chunk
	model *Model

	messageID string
	blocks    map[int]*block
	usage     usage

	result core.StepResult
	done   bool
}

// errStopped is returned by dispatch when the consumer went away.
var errStopped = errors.New("anthropic: stream stopped")

func (s *stream) consume(body io.Reader) (core.StepResult, error) {
	reader := bufio.NewReader(body)

	// We'll store multiple `data:` entries per server side event into this buffer and collect
	// them only when the event is over to be SSE compliant.
	var buf bytes.Buffer

	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			if s.ctx.Err() != nil {
				return s.result, s.ctx.Err()
			}
			return s.result, errors.Wrap(err, "anthropic: read stream")
		}
		eof := err == io.EOF

		line = strings.TrimRight(line, "\n\r")

		// In SSE, empty lines mean the event is over.
		if line == "" && buf.Len() > 0 {
			data := bytes.Clone(buf.Bytes())
			buf.Reset()

			if err := s.dispatch(data); err != nil {
				return s.result, err
			}
			if s.done {
				return s.result, nil
			}
		}

		if data, ok := strings.CutPrefix(line, "data:"); ok {
			buf.WriteString(data)
		}

		if eof {
			break
		}
	}

	if buf.Len() > 0 {
		if err := s.dispatch(buf.Bytes()); err != nil {
			return s.result, err
		}
	}

	// we should always get a message_stop first
	if !s.done {
		return s.result, errors.New("anthropic: stream ended before the message stopped")
	}
	return s.result, nil
}

func (s *stream) send(ch chat.Chunk) error {
	if !chat.SendChunk(s.ctx, s.out, ch) {
		return errStopped
	}
	return nil
}

func (s *stream) dispatch(data []byte) error {
	var ev sse
	if err := json.Unmarshal(data, &ev); err != nil {
		return errors.Wrap(err, "anthropic: decode event")
	}

	switch ev.Type {
	case stPing:
	case stMsgStart:
		s.messageID = ev.Message.ID
		s.result.Model = ev.Message.Model
		s.usage = ev.Message.Usage
	case stMsgDelta:
		s.usage.merge(ev.Usage)
		s.result.FinishReason = ev.Delta.StopReason
	case stMsgStop:
		s.finish()
	case stError:
		return errors.Errorf("anthropic error: %s: %s", ev.Error.Type, ev.Error.Message)
	case stContBlockStart:
		return s.blockStart(ev)
	case stContBlockDelta:
		return s.blockDelta(ev)
	case stContBlockStop:
		return s.blockStop(ev.Index)
	default:
		s.model.logger.Debug().Str("type", string(ev.Type)).Msg("unknown event type")
	}

	return nil
}

func (s *stream) blockStart(ev sse) error {
	b := &block{
		typ:    ev.ContentBlock.Type,
		partID: fmt.Sprintf("%s-%d", s.messageID, ev.Index),
	}
	s.blocks[ev.Index] = b

	switch b.typ {
	case string(msgContTypeText):
		return s.send(chat.NewChunkTextStart(b.partID))
	case string(msgContTypeReason):
		return s.send(chat.NewChunkReasoningStart(b.partID))
	case string(msgContTypeTool):
		// in this instance, we get the ID and Name of tools already in this block
		b.callID = ev.ContentBlock.ID
		b.toolName = ev.ContentBlock.Name
		return s.send(chat.NewChunkToolInputStart(b.callID, b.toolName))
	default:
		// redacted thinking carries nothing we can show or send back without its data
		s.model.logger.Debug().Str("type", b.typ).Msg("ignoring content block")
	}
	return nil
}

func (s *stream) blockDelta(ev sse) error {
	b, ok := s.blocks[ev.Index]
	if !ok {
		return errors.Errorf("anthropic: delta for unknown block %d", ev.Index)
	}

	switch ev.Delta.Type {
	case deltaTypeText:
		return s.send(chat.NewChunkTextDelta(b.partID, ev.Delta.Text))
	case deltaTypeReasonText:
		return s.send(chat.NewChunkReasoningDelta(b.partID, ev.Delta.Thinking))
	case deltaTypeEncrypted:
		b.signature.WriteString(ev.Delta.Signature)
	case deltaTypeToolArgs:
		b.args.WriteString(ev.Delta.PartialArgs)
		if ev.Delta.PartialArgs == "" {
			return nil
		}
		return s.send(chat.NewChunkToolInputDelta(b.callID, ev.Delta.PartialArgs))
	default:
		s.model.logger.Debug().Str("type", ev.Delta.Type).Msg("unknown delta type")
	}
	return nil
}

func (s *stream) blockStop(index int) error {
	b, ok := s.blocks[index]
	if !ok {
		return errors.Errorf("anthropic: stop for unknown block %d", index)
	}
	delete(s.blocks, index)

	switch b.typ {
	case string(msgContTypeText):
		return s.send(chat.NewChunkTextEnd(b.partID))
	case string(msgContTypeReason):
		end := chat.NewChunkReasoningEnd(b.partID)
		if b.signature.Len() > 0 {
			end = end.WithProviderMetadata(map[string]any{
				providerKey: map[string]any{"signature": b.signature.String()},
			})
		}
		return s.send(end)
	case string(msgContTypeTool):
		raw := b.args.String()
		if raw == "" {
			raw = "{}"
		}
		var input any
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			// hand the raw text over, the tool will reject it with a proper error
			input = raw
		}
		return s.send(chat.NewChunkToolInputAvailable(b.callID, b.toolName, input))
	}
	return nil
}

func (s *stream) finish() {
	s.done = true

	u := s.usage
	in := u.In + u.InCacheWrite + u.InCacheRead
	s.result.Usage = core.Usage{
		Input:  in,
		Cached: u.InCacheRead,
		Output: u.Out,
		Total:  in + u.Out,
		Cost:   costFromUsage(s.model.model, u),
	}
}

// StreamCompletion runs a single tool-less step on the prompt and yields its text.
func (m *Model) StreamCompletion(ctx context.Context, req completion.Request) (completion.TextStream, error) {
	if req.Prompt == "" {
		return nil, errors.New("Model.StreamCompletion: empty prompt")
	}

	ctx, cancel := context.WithCancel(ctx)
	ts := &textStream{
		cancel: cancel,
		chunks: make(chan chat.Chunk, 16),
		done:   make(chan struct{}),
	}

	in := core.StepInput{
		System:   m.completionSystem,
		Messages: []chat.UIMessage{{ID: "prompt", Role: chat.RoleUser, Parts: []chat.Part{chat.NewPartText(req.Prompt)}}},
	}
	go func() {
		defer close(ts.done)
		defer close(ts.chunks)
		_, ts.err = m.Step(ctx, in, ts.chunks)
	}()

	return ts, nil
}

type textStream struct {
	cancel context.CancelFunc
	chunks chan chat.Chunk
	done   chan struct{}
	err    error
}

func (s *textStream) Recv() (string, error) {
	for ch := range s.chunks {
		if ch.Type == chat.ChunkTextDelta && ch.Delta != "" {
			return ch.Delta, nil
		}
	}

	<-s.done
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *textStream) Close() error {
	s.cancel()
	// drain so the step can finish sending and exit
	for range s.chunks {
	}
	return nil
}

// SSE types from the Anthropic API

type sse struct {
	Type  sseType `json:"type"`
	Index int     `json:"index"`

	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage usage  `json:"usage"`
	} `json:"message"`

	Usage usage `json:"usage"`

	ContentBlock struct {
		Type string `json:"type"`
		// tool use ID and Name are included here
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		Signature   string `json:"signature"`
		PartialArgs string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type sseType string

const (
	// carries the message id, model and the input side of the usage
	stMsgStart sseType = "message_start"
	// carries the stop reason and the final output usage
	stMsgDelta sseType = "message_delta"
	// does not require parsing, simply indicates the stopping point
	stMsgStop        sseType = "message_stop"
	stContBlockStart sseType = "content_block_start"
	// the delta type tells which field carries the update
	stContBlockDelta sseType = "content_block_delta"
	stContBlockStop  sseType = "content_block_stop"
	// no-op event from anthropic
	stPing  sseType = "ping"
	stError sseType = "error"
)

// delta types
const (
	deltaTypeReasonText = "thinking_delta"
	deltaTypeEncrypted  = "signature_delta"
	deltaTypeText       = "text_delta"
	deltaTypeToolArgs   = "input_json_delta"
)

type usage struct {
	In           int64 `json:"input_tokens"`
	InCacheWrite int64 `json:"cache_creation_input_tokens"`
	InCacheRead  int64 `json:"cache_read_input_tokens"`
	Out          int64 `json:"output_tokens"`
}

// merge applies a message_delta usage, which is cumulative. Input counts are only present there in
// newer API versions, so zeros keep what message_start reported.
func (u *usage) merge(d usage) {
	if d.In > 0 {
		u.In = d.In
	}
	if d.InCacheWrite > 0 {
		u.InCacheWrite = d.InCacheWrite
	}
	if d.InCacheRead > 0 {
		u.InCacheRead = d.InCacheRead
	}
	u.Out = d.Out
}

const (
	messagesEndpoint    = "https://api.anthropic.com/v1/messages"
	anthropicApiVersion = "2023-06-01"
)
