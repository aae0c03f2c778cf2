package core

import (
	"context"

	"github.com/victhorio/opachat/chat"
)

// Model is a provider that can run one turn of a conversation.
type Model interface {
	// Step streams one model turn into out as part chunks (text, reasoning, tool input, sources).
	// Framing chunks (start, step and finish markers) are the caller's job. Step must not close
	// out and must stop sending once ctx is done.
	Step(ctx context.Context, in StepInput, out chan<- chat.Chunk) (StepResult, error)
}

type StepInput struct {
	System   string
	Messages []chat.UIMessage
	Tools    []Tool
	// Final is set on the last turn the caller will run; the model should answer in text.
	Final bool
}

type StepResult struct {
	Model        string
	Usage        Usage
	FinishReason string
}
