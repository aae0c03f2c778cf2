package echo

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
	"github.com/victhorio/opachat/completion"
)

func step(t *testing.T, m *Model, in core.StepInput) ([]chat.Chunk, core.StepResult, error) {
	t.Helper()

	out := make(chan chat.Chunk, 64)
	res, err := m.Step(context.Background(), in, out)
	close(out)

	var chunks []chat.Chunk
	for ch := range out {
		chunks = append(chunks, ch)
	}
	return chunks, res, err
}

func TestStepEchoes(t *testing.T) {
	chunks, res, err := step(t, New(0), core.StepInput{
		Messages: []chat.UIMessage{
			{ID: "u1", Role: chat.RoleUser, Parts: []chat.Part{chat.NewPartText("one two three")}},
		},
	})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	var text strings.Builder
	for _, ch := range chunks {
		if ch.Type == chat.ChunkTextDelta {
			text.WriteString(ch.Delta)
		}
	}
	if text.String() != "one two three" {
		t.Fatalf("expected echo, got %q", text.String())
	}
	if res.Usage.Input != 3 || res.Usage.Output != 3 || res.Model != ModelName {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestStepToolCall(t *testing.T) {
	tools := []core.Tool{{Name: "lookup"}}
	msgs := []chat.UIMessage{
		{ID: "u1", Role: chat.RoleUser, Parts: []chat.Part{chat.NewPartText(`/lookup {"q": "go"}`)}},
	}

	chunks, _, err := step(t, New(0), core.StepInput{Messages: msgs, Tools: tools})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if len(chunks) != 2 || chunks[1].Type != chat.ChunkToolInputAvailable {
		t.Fatalf("expected a tool call, got %+v", chunks)
	}
	if in, _ := chunks[1].Input.(map[string]any); in["q"] != "go" {
		t.Fatalf("expected parsed args, got %v", chunks[1].Input)
	}

	// unknown tools and the final turn fall back to echoing
	for _, in := range []core.StepInput{
		{Messages: msgs},
		{Messages: msgs, Tools: tools, Final: true},
	} {
		chunks, _, _ := step(t, New(0), in)
		if chunks[0].Type != chat.ChunkTextStart {
			t.Fatalf("expected text, got %s", chunks[0].Type)
		}
	}
}

func TestStepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan chat.Chunk)

	done := make(chan error, 1)
	go func() {
		_, err := New(time.Hour).Step(ctx, core.StepInput{
			Messages: []chat.UIMessage{
				{ID: "u1", Role: chat.RoleUser, Parts: []chat.Part{chat.NewPartText("slow words")}},
			},
		}, out)
		done <- err
	}()

	<-out // text-start
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Step did not stop after cancel")
	}
}

func TestStreamCompletion(t *testing.T) {
	stream, err := New(0).StreamCompletion(context.Background(), completion.Request{Prompt: "a b  c"})
	if err != nil {
		t.Fatalf("StreamCompletion failed: %v", err)
	}

	var got []string
	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		got = append(got, delta)
	}

	if strings.Join(got, "|") != "a| b| c" {
		t.Fatalf("unexpected deltas %q", got)
	}
}
