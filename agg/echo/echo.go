// Package echo is an offline model: it answers by repeating the user, word by word. Messages of
// the form "/<tool> <json args>" call the named tool instead, which exercises the tool round trip
// without a provider.
package echo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
	"github.com/victhorio/opachat/completion"
)

const ModelName = "echo"

// Model implements core.Model and completion.Streamer.
type Model struct {
	// Delay is waited before every word.
	Delay time.Duration
}

func New(delay time.Duration) *Model {
	return &Model{Delay: delay}
}

func (m *Model) Step(ctx context.Context, in core.StepInput, out chan<- chat.Chunk) (core.StepResult, error) {
	res := core.StepResult{Model: ModelName, FinishReason: "stop"}
	for _, msg := range in.Messages {
		res.Usage.Input += int64(len(strings.Fields(msg.Text())))
	}

	prompt := lastUserText(in.Messages)
	answered := answeredTools(in.Messages)

	var reply string
	switch {
	case len(answered) > 0:
		reply = strings.Join(answered, "\n")
	case !in.Final:
		if name, input, ok := toolCall(prompt, in.Tools); ok {
			callID := "call_" + uuid.NewString()
			if !chat.SendChunk(ctx, out, chat.NewChunkToolInputStart(callID, name)) {
				return res, ctx.Err()
			}
			if !chat.SendChunk(ctx, out, chat.NewChunkToolInputAvailable(callID, name, input)) {
				return res, ctx.Err()
			}
			res.Usage.Output++
			res.Usage.Total = res.Usage.Input + res.Usage.Output
			return res, nil
		}
		fallthrough
	default:
		reply = prompt
	}

	if reply == "" {
		reply = "..."
	}

	id := "txt_" + uuid.NewString()
	if !chat.SendChunk(ctx, out, chat.NewChunkTextStart(id)) {
		return res, ctx.Err()
	}
	for i, word := range strings.Fields(reply) {
		if err := m.wait(ctx); err != nil {
			return res, err
		}
		if i > 0 {
			word = " " + word
		}
		if !chat.SendChunk(ctx, out, chat.NewChunkTextDelta(id, word)) {
			return res, ctx.Err()
		}
		res.Usage.Output++
	}
	if !chat.SendChunk(ctx, out, chat.NewChunkTextEnd(id)) {
		return res, ctx.Err()
	}

	res.Usage.Total = res.Usage.Input + res.Usage.Output
	return res, nil
}

func (m *Model) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(m.Delay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func lastUserText(msgs []chat.UIMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == chat.RoleUser {
			return msgs[i].Text()
		}
	}
	return ""
}

// answeredTools describes the finished tool calls of a trailing assistant message.
func answeredTools(msgs []chat.UIMessage) []string {
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != chat.RoleAssistant {
		return nil
	}

	var out []string
	for _, t := range msgs[len(msgs)-1].ToolParts() {
		switch t.State {
		case chat.ToolOutputAvailable:
			out = append(out, fmt.Sprintf("%s returned %v", t.ToolName, t.Output))
		case chat.ToolOutputError:
			out = append(out, fmt.Sprintf("%s failed: %s", t.ToolName, t.ErrorText))
		}
	}
	return out
}

// toolCall parses "/name {json}" against the available tools.
func toolCall(prompt string, tools []core.Tool) (string, any, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(prompt), "/")
	if !ok {
		return "", nil, false
	}
	name, args, _ := strings.Cut(rest, " ")

	for _, t := range tools {
		if t.Name != name {
			continue
		}

		input := any(map[string]any{})
		if args = strings.TrimSpace(args); args != "" {
			if err := json.Unmarshal([]byte(args), &input); err != nil {
				input = args
			}
		}
		return name, input, true
	}
	return "", nil, false
}

// StreamCompletion streams the prompt back word by word.
func (m *Model) StreamCompletion(ctx context.Context, req completion.Request) (completion.TextStream, error) {
	return &textStream{ctx: ctx, model: m, words: strings.Fields(req.Prompt)}, nil
}

type textStream struct {
	ctx   context.Context
	model *Model
	words []string
	i     int
}

func (s *textStream) Recv() (string, error) {
	if s.i >= len(s.words) {
		return "", io.EOF
	}
	if err := s.model.wait(s.ctx); err != nil {
		return "", err
	}

	word := s.words[s.i]
	if s.i > 0 {
		word = " " + word
	}
	s.i++
	return word, nil
}

func (s *textStream) Close() error {
	return nil
}
