package openai

import (
	"context"

	"github.com/pkg/errors"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/victhorio/opachat/completion"
)

// Completer streams plain text completions through the chat completions API. It implements
// completion.Streamer.
type Completer struct {
	client *goopenai.Client
	model  ModelID
	system string
}

// NewCompleter creates a Completer. An empty baseURL keeps the library's default endpoint.
func NewCompleter(apiKey, baseURL string, model ModelID, system string) *Completer {
	config := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &Completer{
		client: goopenai.NewClientWithConfig(config),
		model:  model,
		system: system,
	}
}

func (c *Completer) StreamCompletion(ctx context.Context, req completion.Request) (completion.TextStream, error) {
	messages := make([]goopenai.ChatCompletionMessage, 0, 2)
	if c.system != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: c.system,
		})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	request := goopenai.ChatCompletionRequest{
		Model:    string(c.model),
		Messages: messages,
		Stream:   true,
	}
	if t, ok := req.Body["temperature"].(float64); ok {
		request.Temperature = float32(t)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, errors.Wrap(err, "Completer.StreamCompletion")
	}

	return &completionStream{stream: stream}, nil
}

type completionStream struct {
	stream *goopenai.ChatCompletionStream
}

// Recv skips events without content, such as the role announcement that opens the stream.
func (s *completionStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *completionStream) Close() error {
	return s.stream.Close()
}
