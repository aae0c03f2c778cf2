package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
	"github.com/victhorio/opachat/completion"
)

func sseBody(events ...string) string {
	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "event: x\ndata: %s\n\n", ev)
	}
	return b.String()
}

func newMessagesServer(t *testing.T, status int, body string, seen *requestBody) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "test-key" {
			t.Errorf("expected api key test-key, got %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicApiVersion {
			t.Errorf("expected version %s, got %q", anthropicApiVersion, got)
		}
		if seen != nil {
			raw, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(raw, seen); err != nil {
				t.Errorf("failed to decode request body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runStep(t *testing.T, m *Model, in core.StepInput) ([]chat.Chunk, core.StepResult, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan chat.Chunk)
	var (
		res core.StepResult
		err error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		res, err = m.Step(ctx, in, out)
	}()

	var chunks []chat.Chunk
	for ch := range out {
		chunks = append(chunks, ch)
	}
	<-done
	return chunks, res, err
}

func chunkTypes(chunks []chat.Chunk) []chat.ChunkType {
	types := make([]chat.ChunkType, len(chunks))
	for i, ch := range chunks {
		types[i] = ch.Type
	}
	return types
}

func userText(id, text string) chat.UIMessage {
	return chat.UIMessage{ID: id, Role: chat.RoleUser, Parts: []chat.Part{chat.NewPartText(text)}}
}

func TestStepTextWithThinking(t *testing.T) {
	body := sseBody(
		`{"type":"message_start","message":{"id":"msg_1","model":"claude-haiku-4-5-20251001","usage":{"input_tokens":100,"cache_read_input_tokens":1000,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
		`{"type":"ping"}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"France, so Paris"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-abc"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Paris"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"."}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":50}}`,
		`{"type":"message_stop"}`,
	)

	var seen requestBody
	srv := newMessagesServer(t, http.StatusOK, body, &seen)
	m := NewModel(Haiku, 2048, 1024, false, WithEndpoint(srv.URL), WithAPIKey("test-key"))

	chunks, res, err := runStep(t, m, core.StepInput{
		System:   "be brief",
		Messages: []chat.UIMessage{userText("u1", "Capital of France?")},
	})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	expected := []chat.ChunkType{
		chat.ChunkReasoningStart,
		chat.ChunkReasoningDelta,
		chat.ChunkReasoningEnd,
		chat.ChunkTextStart,
		chat.ChunkTextDelta,
		chat.ChunkTextDelta,
		chat.ChunkTextEnd,
	}
	if got := chunkTypes(chunks); !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected chunks %v, got %v", expected, got)
	}

	if chunks[0].ID != "msg_1-0" || chunks[3].ID != "msg_1-1" {
		t.Errorf("expected part ids msg_1-0 and msg_1-1, got %s and %s", chunks[0].ID, chunks[3].ID)
	}
	if sig := signature(chunks[2].ProviderMetadata); sig != "sig-abc" {
		t.Errorf("expected signature sig-abc on reasoning end, got %q", sig)
	}

	expectedUsage := core.Usage{
		Input:  1100,
		Cached: 1000,
		Output: 50,
		Total:  1150,
		Cost:   1000*100 + 100*1000 + 5000*50,
	}
	if res.Usage != expectedUsage {
		t.Errorf("expected usage %+v, got %+v", expectedUsage, res.Usage)
	}
	if res.Model != string(Haiku) || res.FinishReason != "end_turn" {
		t.Errorf("expected model %s and end_turn, got %s and %s", Haiku, res.Model, res.FinishReason)
	}

	if seen.SysPrompt != "be brief" {
		t.Errorf("expected system prompt to be sent separately, got %q", seen.SysPrompt)
	}
	if seen.MaxToks != 2048 {
		t.Errorf("expected max_tokens 2048, got %d", seen.MaxToks)
	}
	if seen.Reason == nil || seen.Reason.Type != "enabled" || *seen.Reason.MaxToks != 1024 {
		t.Errorf("expected thinking enabled with 1024 tokens, got %+v", seen.Reason)
	}
	if seen.ToolCfg != nil {
		t.Errorf("expected no tool choice without tools, got %+v", seen.ToolCfg)
	}
}

func TestStepToolCall(t *testing.T) {
	body := sseBody(
		`{"type":"message_start","message":{"id":"msg_2","model":"claude-haiku-4-5-20251001","usage":{"input_tokens":10}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"ReadNote","input":{}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"note_"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"name\": \"groceries\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":20}}`,
		`{"type":"message_stop"}`,
	)

	tools := []core.Tool{{
		Name:   "ReadNote",
		Desc:   "Reads a note",
		Params: map[string]core.ToolParam{"note_name": {Type: core.JSTString, Desc: "the note"}},
	}}

	var seen requestBody
	srv := newMessagesServer(t, http.StatusOK, body, &seen)
	m := NewModel(Haiku, 2048, 0, false, WithEndpoint(srv.URL), WithAPIKey("test-key"))

	chunks, res, err := runStep(t, m, core.StepInput{
		Messages: []chat.UIMessage{userText("u1", "What do I need to buy?")},
		Tools:    tools,
	})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	expected := []chat.ChunkType{
		chat.ChunkToolInputStart,
		chat.ChunkToolInputDelta,
		chat.ChunkToolInputDelta,
		chat.ChunkToolInputAvailable,
	}
	if got := chunkTypes(chunks); !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected chunks %v, got %v", expected, got)
	}

	last := chunks[len(chunks)-1]
	if last.ToolCallID != "toolu_1" || last.ToolName != "ReadNote" {
		t.Errorf("expected toolu_1/ReadNote, got %s/%s", last.ToolCallID, last.ToolName)
	}
	if input := last.Input.(map[string]any); input["note_name"] != "groceries" {
		t.Errorf("expected note_name groceries, got %v", input)
	}
	if res.FinishReason != "tool_use" {
		t.Errorf("expected finish reason tool_use, got %s", res.FinishReason)
	}

	if seen.Reason != nil {
		t.Errorf("expected no thinking config, got %+v", seen.Reason)
	}
	if seen.ToolCfg == nil || seen.ToolCfg.Type != "auto" {
		t.Errorf("expected auto tool choice, got %+v", seen.ToolCfg)
	}
	if len(seen.Tools) != 1 || seen.Tools[0].Schema.Required[0] != "note_name" {
		t.Errorf("expected ReadNote with a required note_name, got %+v", seen.Tools)
	}
}

func TestStepFinalDisablesTools(t *testing.T) {
	body := sseBody(
		`{"type":"message_start","message":{"id":"msg_3","model":"claude-haiku-4-5-20251001","usage":{"input_tokens":10}}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":0}}`,
		`{"type":"message_stop"}`,
	)

	var seen requestBody
	srv := newMessagesServer(t, http.StatusOK, body, &seen)
	m := NewModel(Haiku, 2048, 0, false, WithEndpoint(srv.URL), WithAPIKey("test-key"))

	_, _, err := runStep(t, m, core.StepInput{
		Messages: []chat.UIMessage{userText("u1", "hi")},
		Tools:    []core.Tool{{Name: "CurrentTime", Desc: "Tells the time"}},
		Final:    true,
	})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	if seen.ToolCfg == nil || seen.ToolCfg.Type != "none" {
		t.Fatalf("expected tool choice none, got %+v", seen.ToolCfg)
	}
	if seen.ToolCfg.DisableParallel != nil {
		t.Errorf("expected disable_parallel_tool_use to be unset with none")
	}
}

func TestStepErrors(t *testing.T) {
	cases := map[string]struct {
		status   int
		body     string
		contains string
	}{
		"bad status": {
			status:   http.StatusBadRequest,
			body:     `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`,
			contains: "400",
		},
		"error event": {
			status: http.StatusOK,
			body: sseBody(
				`{"type":"message_start","message":{"id":"msg_4","model":"claude-haiku-4-5-20251001"}}`,
				`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
			),
			contains: "Overloaded",
		},
		"truncated": {
			status: http.StatusOK,
			body: sseBody(
				`{"type":"message_start","message":{"id":"msg_5","model":"claude-haiku-4-5-20251001"}}`,
				`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			),
			contains: "ended before",
		},
		"unknown block": {
			status: http.StatusOK,
			body: sseBody(
				`{"type":"content_block_delta","index":3,"delta":{"type":"text_delta","text":"?"}}`,
			),
			contains: "unknown block",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := newMessagesServer(t, tc.status, tc.body, nil)
			m := NewModel(Haiku, 2048, 0, false, WithEndpoint(srv.URL), WithAPIKey("test-key"))

			_, _, err := runStep(t, m, core.StepInput{Messages: []chat.UIMessage{userText("u1", "hi")}})
			if err == nil {
				t.Fatalf("expected an error")
			}
			if !strings.Contains(err.Error(), tc.contains) {
				t.Errorf("expected error to contain %q, got %v", tc.contains, err)
			}
		})
	}
}

func TestStreamCompletion(t *testing.T) {
	body := sseBody(
		`{"type":"message_start","message":{"id":"msg_6","model":"claude-haiku-4-5-20251001"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"upon "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"a time"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
		`{"type":"message_stop"}`,
	)

	var seen requestBody
	srv := newMessagesServer(t, http.StatusOK, body, &seen)
	m := NewModel(Haiku, 512, 0, false,
		WithEndpoint(srv.URL), WithAPIKey("test-key"), WithCompletionSystem("continue the text"))

	stream, err := m.StreamCompletion(context.Background(), completion.Request{Prompt: "Once"})
	if err != nil {
		t.Fatalf("StreamCompletion failed: %v", err)
	}
	defer stream.Close()

	var got strings.Builder
	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		got.WriteString(delta)
	}

	if got.String() != "upon a time" {
		t.Errorf("expected %q, got %q", "upon a time", got.String())
	}
	if seen.SysPrompt != "continue the text" || len(seen.Tools) != 0 {
		t.Errorf("expected the completion system prompt and no tools, got %q and %d tools", seen.SysPrompt, len(seen.Tools))
	}
}
