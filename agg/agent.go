package agg

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
)

// Agent is a chat.Transport that runs a model for up to agentRoundsMax turns per response. Calls
// to tools in its registry are executed between turns and streamed back as provider executed;
// calls to client tools end the response so the UI can answer them.
type Agent struct {
	sysPrompt   string
	model       core.Model
	tools       *ToolRegistry
	clientTools []core.Tool
	logger      zerolog.Logger
}

func NewAgent(sysPrompt string, model core.Model, tools *ToolRegistry, clientTools ...core.Tool) *Agent {
	if tools == nil {
		tools = NewToolRegistry()
	}

	return &Agent{
		sysPrompt:   sysPrompt,
		model:       model,
		tools:       tools,
		clientTools: clientTools,
		logger:      log.Logger.With().Str("component", "agent").Logger(),
	}
}

func (a *Agent) SendMessages(ctx context.Context, req chat.SendRequest) (chat.ChunkStream, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("Agent.SendMessages: no messages")
	}

	return chat.StreamFunc(func(ctx context.Context, out chan<- chat.Chunk) {
		a.run(ctx, req, out)
	}), nil
}

// ReconnectToStream never finds a stream: responses live only as long as their request. The relay
// server is what makes them resumable.
func (a *Agent) ReconnectToStream(context.Context, chat.ReconnectRequest) (chat.ChunkStream, error) {
	return nil, nil
}

func (a *Agent) specs() []core.Tool {
	specs := a.tools.Specs()
	return append(specs, a.clientTools...)
}

func (a *Agent) serverSide(name string) bool {
	return a.tools.Has(name)
}

func (a *Agent) run(ctx context.Context, req chat.SendRequest, out chan<- chat.Chunk) {
	logger := a.logger.With().Str("chat_id", req.ChatID).Str("trigger", string(req.Trigger)).Logger()

	// a trailing assistant message is being continued, typically after client tool results
	history := req.Messages
	current := chat.UIMessage{Role: chat.RoleAssistant}
	if last := history[len(history)-1]; last.Role == chat.RoleAssistant {
		history, current = history[:len(history)-1], last
	}
	b := chat.NewMessageBuilder(current)

	if !chat.SendChunk(ctx, out, chat.NewChunkStart("")) {
		return
	}

	var (
		usage core.Usage
		res   core.StepResult
	)

	for round := range agentRoundsMax {
		if ctx.Err() != nil {
			return
		}

		in := core.StepInput{
			System:   a.sysPrompt,
			Messages: append(append([]chat.UIMessage(nil), history...), b.Message()),
			Tools:    a.specs(),
			Final:    round == agentRoundsMax-1,
		}

		if !a.forward(ctx, b, out, chat.NewChunkStartStep()) {
			return
		}

		var (
			stepErr error
			calls   []chat.ToolCall
			pending int
		)
		step := make(chan chat.Chunk)
		go func() {
			defer close(step)
			defer func() {
				if r := recover(); r != nil {
					stepErr = errors.Errorf("model step panicked: %v", r)
				}
			}()
			res, stepErr = a.model.Step(ctx, in, step)
		}()

		for ch := range step {
			switch ch.Type {
			case chat.ChunkToolInputStart:
				ch.ProviderExecuted = a.serverSide(ch.ToolName)
			case chat.ChunkToolInputAvailable:
				ch.ProviderExecuted = a.serverSide(ch.ToolName)
				if ch.ProviderExecuted {
					calls = append(calls, chat.ToolCall{ToolCallID: ch.ToolCallID, ToolName: ch.ToolName, Input: ch.Input})
				} else {
					pending++
				}
			}

			if !a.forward(ctx, b, out, ch) {
				return
			}
		}

		if stepErr != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(stepErr).Int("round", round).Msg("model step failed")
			chat.SendChunk(ctx, out, chat.NewChunkError(stepErr.Error()))
			return
		}
		usage.Inc(res.Usage)

		// let's run the calls concurrently and report them in call order
		results := a.callTools(ctx, calls)
		for _, r := range results {
			b.SetToolResult(r)

			ch := chat.NewChunkToolOutputAvailable(r.ToolCallID, r.Output)
			if r.ErrorText != "" {
				ch = chat.NewChunkToolOutputError(r.ToolCallID, r.ErrorText)
			}
			if !chat.SendChunk(ctx, out, ch) {
				return
			}
		}

		if !a.forward(ctx, b, out, chat.NewChunkFinishStep()) {
			return
		}

		logger.Debug().
			Int("round", round).
			Int("server_calls", len(calls)).
			Int("client_calls", pending).
			Int64("output_tokens", res.Usage.Output).
			Msg("model step done")

		if len(calls) == 0 || pending > 0 {
			break
		}
	}

	md := usage.Metadata()
	md["model"] = res.Model
	if res.FinishReason != "" {
		md["finishReason"] = res.FinishReason
	}
	chat.SendChunk(ctx, out, chat.NewChunkFinish(md))
}

// forward folds ch into the message being built and sends it on.
func (a *Agent) forward(ctx context.Context, b *chat.MessageBuilder, out chan<- chat.Chunk, ch chat.Chunk) bool {
	if err := b.Apply(ch); err != nil {
		a.logger.Warn().Err(err).Str("chunk", string(ch.Type)).Msg("could not fold chunk")
	}
	return chat.SendChunk(ctx, out, ch)
}

func (a *Agent) callTools(ctx context.Context, calls []chat.ToolCall) []chat.ToolResult {
	results := make([]chat.ToolResult, len(calls))
	done := make(chan struct{}, len(calls))

	for i, tc := range calls {
		go func() {
			results[i] = a.tools.Resolve(ctx, tc)
			done <- struct{}{}
		}()
	}
	for range calls {
		<-done
	}

	return results
}

const agentRoundsMax = 4
