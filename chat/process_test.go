package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func applyAll(t *testing.T, s *streamingMessage, chunks ...Chunk) {
	t.Helper()
	for _, ch := range chunks {
		_, err := s.apply(ch)
		require.NoError(t, err, "chunk %s", ch.Type)
	}
}

func TestStreamingMessageText(t *testing.T) {
	s := newStreamingMessage(UIMessage{ID: "tmp", Role: RoleAssistant})

	applyAll(t, s,
		NewChunkStart("a1"),
		NewChunkStartStep(),
		NewChunkReasoningStart("r1"),
		NewChunkReasoningDelta("r1", "thinking"),
		NewChunkReasoningEnd("r1"),
		NewChunkTextStart("t1"),
		NewChunkTextDelta("t1", "Hel"),
		NewChunkTextDelta("t1", "lo"),
	)

	require.Equal(t, "a1", s.message.ID)
	require.Len(t, s.message.Parts, 3)
	require.Equal(t, PartTypeStepStart, s.message.Parts[0].Type)
	require.Equal(t, &TextPart{Text: "thinking", State: TextDone}, s.message.Parts[1].Reasoning)
	require.Equal(t, &TextPart{Text: "Hello", State: TextStreaming}, s.message.Parts[2].Text)

	applyAll(t, s, NewChunkTextEnd("t1"), NewChunkFinishStep(), NewChunkFinish(nil))
	require.Equal(t, TextDone, s.message.Parts[2].Text.State)
	require.True(t, s.finished)
}

func TestStreamingMessageInterleavedTextParts(t *testing.T) {
	s := newStreamingMessage(UIMessage{ID: "a1", Role: RoleAssistant})

	applyAll(t, s,
		NewChunkTextStart("x"),
		NewChunkTextStart("y"),
		NewChunkTextDelta("y", "second"),
		NewChunkTextDelta("x", "first"),
	)

	require.Equal(t, "first", s.message.Parts[0].Text.Text)
	require.Equal(t, "second", s.message.Parts[1].Text.Text)
}

func TestStreamingMessageUnknownPart(t *testing.T) {
	s := newStreamingMessage(UIMessage{ID: "a1", Role: RoleAssistant})

	_, err := s.apply(NewChunkTextDelta("nope", "x"))
	require.Error(t, err)

	_, err = s.apply(NewChunkToolOutputAvailable("nope", 1))
	require.Error(t, err)

	_, err = s.apply(Chunk{Type: "bogus"})
	require.Error(t, err)
}

func TestStreamingMessageToolCall(t *testing.T) {
	s := newStreamingMessage(UIMessage{ID: "a1", Role: RoleAssistant})

	applyAll(t, s,
		NewChunkToolInputStart("c1", "weather"),
		NewChunkToolInputDelta("c1", `{"city": "Li`),
	)
	tool, ok := s.message.Parts[0].AsTool()
	require.True(t, ok)
	require.Equal(t, ToolInputStreaming, tool.State)
	require.Equal(t, map[string]any{"city": "Li"}, tool.Input)

	// a key cut in half is left out until it completes
	applyAll(t, s, NewChunkToolInputDelta("c1", `sbon", "u`))
	require.Equal(t, map[string]any{"city": "Lisbon"}, tool.Input)

	applyAll(t, s,
		NewChunkToolInputDelta("c1", `nit": "c"}`),
		NewChunkToolInputAvailable("c1", "weather", map[string]any{"city": "Lisbon", "unit": "c"}),
	)
	require.Equal(t, ToolInputAvailable, tool.State)
	require.Equal(t, map[string]any{"city": "Lisbon", "unit": "c"}, tool.Input)

	applyAll(t, s, NewChunkToolOutputAvailable("c1", 21.5))
	require.Equal(t, ToolOutputAvailable, tool.State)
	require.Equal(t, 21.5, tool.Output)
}

func TestStreamingMessageToolResultFromClient(t *testing.T) {
	s := newStreamingMessage(UIMessage{ID: "a1", Role: RoleAssistant})
	applyAll(t, s, NewChunkToolInputAvailable("c1", "clock", nil))

	require.False(t, s.applyToolResult(ToolResult{ToolCallID: "other"}))
	require.True(t, s.applyToolResult(ToolResult{ToolCallID: "c1", ErrorText: "no clock"}))

	tool, _ := s.message.Parts[0].AsTool()
	require.Equal(t, ToolOutputError, tool.State)
	require.Equal(t, "no clock", tool.ErrorText)
}

func TestStreamingMessageDataParts(t *testing.T) {
	s := newStreamingMessage(UIMessage{ID: "a1", Role: RoleAssistant})

	changed, err := s.apply(NewChunkData("progress", "p1", 10, false))
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.apply(NewChunkData("progress", "p1", 90, false))
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.apply(NewChunkData("notice", "", "hi", true))
	require.NoError(t, err)
	require.False(t, changed)

	require.Len(t, s.message.Parts, 1)
	require.Equal(t, 90, s.message.Parts[0].Data.Data)
}

func TestStreamingMessageMetadataMerges(t *testing.T) {
	s := newStreamingMessage(UIMessage{ID: "a1", Role: RoleAssistant, Metadata: map[string]any{"model": "m"}})

	applyAll(t, s,
		NewChunkMessageMetadata(map[string]any{"usage": map[string]any{"input": 3}}),
		NewChunkFinish(map[string]any{"usage": map[string]any{"output": 5}}),
	)

	require.Equal(t, map[string]any{
		"model": "m",
		"usage": map[string]any{"input": 3, "output": 5},
	}, s.message.Metadata)
}

func TestStreamingMessageErrorAndAbort(t *testing.T) {
	s := newStreamingMessage(UIMessage{ID: "a1", Role: RoleAssistant})

	_, err := s.apply(NewChunkError("rate limited"))
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	require.Equal(t, "rate limited", streamErr.Text)

	_, err = s.apply(NewChunkAbort())
	require.ErrorIs(t, err, errAbortChunk)
}

func TestParsePartialJSON(t *testing.T) {
	cases := []struct {
		in   string
		want any
		ok   bool
	}{
		{in: `{"a": 1}`, want: map[string]any{"a": float64(1)}, ok: true},
		{in: `{"city": "Par`, want: map[string]any{"city": "Par"}, ok: true},
		{in: `{"city": `, want: map[string]any{}, ok: true},
		{in: `{"a": 1, `, want: map[string]any{"a": float64(1)}, ok: true},
		{in: `{"a": [1, 2`, want: map[string]any{"a": []any{float64(1), float64(2)}}, ok: true},
		{in: `{"a": "x\`, want: map[string]any{"a": "x"}, ok: true},
		{in: `{"a": {"b": "c"`, want: map[string]any{"a": map[string]any{"b": "c"}}, ok: true},
		{in: `{"ci`, want: map[string]any{}, ok: true},
		{in: `{"a": 1, "b`, want: map[string]any{"a": float64(1)}, ok: true},
		{in: `{"a": 1, "b"`, want: map[string]any{"a": float64(1)}, ok: true},
		{in: `{"a": tr`, want: map[string]any{"a": true}, ok: true},
		{in: `{"a": [nul`, want: map[string]any{"a": []any{nil}}, ok: true},
		{in: `{"a": -`, want: map[string]any{}, ok: true},
		{in: `{"a": 1.`, want: map[string]any{"a": float64(1)}, ok: true},
		{in: `{"a": 2e-`, want: map[string]any{"a": float64(2)}, ok: true},
		{in: `{"a": "\u00`, want: map[string]any{"a": ""}, ok: true},
		{in: `{"a": "x\\`, want: map[string]any{"a": `x\`}, ok: true},
		{in: `[{"a": 1}, {`, want: []any{map[string]any{"a": float64(1)}, map[string]any{}}, ok: true},
		{in: `{"a" 1`, ok: false},
		{in: `]`, ok: false},
		{in: ``, ok: false},
	}

	for _, tc := range cases {
		got, ok := parsePartialJSON(tc.in)
		require.Equal(t, tc.ok, ok, "input %q", tc.in)
		if tc.ok {
			require.Equal(t, tc.want, got, "input %q", tc.in)
		}
	}
}

func TestLastAssistantMessageIsCompleteWithToolCalls(t *testing.T) {
	tool := func(state ToolState) Part { return NewPartTool("c", "t", state, nil) }

	cases := []struct {
		name string
		msgs []UIMessage
		want bool
	}{
		{name: "empty", want: false},
		{name: "user last", msgs: []UIMessage{{ID: "u", Role: RoleUser}}, want: false},
		{name: "no tools", msgs: []UIMessage{{ID: "a", Role: RoleAssistant, Parts: []Part{NewPartText("x")}}}, want: false},
		{name: "pending", msgs: []UIMessage{{ID: "a", Role: RoleAssistant, Parts: []Part{tool(ToolInputAvailable)}}}, want: false},
		{name: "done", msgs: []UIMessage{{ID: "a", Role: RoleAssistant, Parts: []Part{tool(ToolOutputAvailable), tool(ToolOutputError)}}}, want: true},
		{
			name: "earlier step only",
			msgs: []UIMessage{{ID: "a", Role: RoleAssistant, Parts: []Part{
				NewPartStepStart(), tool(ToolOutputAvailable), NewPartStepStart(), NewPartText("done"),
			}}},
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, LastAssistantMessageIsCompleteWithToolCalls(tc.msgs))
		})
	}
}

func TestStreamingMessageProviderMetadata(t *testing.T) {
	s := newStreamingMessage(UIMessage{ID: "a1", Role: RoleAssistant})

	applyAll(t, s,
		NewChunkReasoningStart("r1").WithProviderMetadata(map[string]any{"p": map[string]any{"a": 1}}),
		NewChunkReasoningDelta("r1", "hm"),
		NewChunkReasoningEnd("r1").WithProviderMetadata(map[string]any{"p": map[string]any{"signature": "sig"}}),
		NewChunkTextStart("t1"),
		NewChunkTextEnd("t1"),
	)

	require.Equal(t, map[string]any{"p": map[string]any{"a": 1, "signature": "sig"}}, s.message.Parts[0].Reasoning.ProviderMetadata)
	require.Nil(t, s.message.Parts[1].Text.ProviderMetadata)
}
