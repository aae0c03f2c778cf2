package openai

import (
	"fmt"
	"testing"

	"github.com/victhorio/opachat/chat"
)

// generateConversationHistory creates a mock conversation history with the specified number of cycles.
// Each cycle is a user message followed by an answer holding reasoning, two tool calls with their
// results and a final text part.
func generateConversationHistory(cycles int) []chat.UIMessage {
	msgs := make([]chat.UIMessage, 0, cycles*2)

	for i := range cycles {
		msgs = append(msgs, chat.UIMessage{
			ID:    fmt.Sprintf("u%d", i),
			Role:  chat.RoleUser,
			Parts: []chat.Part{chat.NewPartText(fmt.Sprintf("User message %d", i))},
		})

		msgs = append(msgs, chat.UIMessage{
			ID:   fmt.Sprintf("a%d", i),
			Role: chat.RoleAssistant,
			Parts: []chat.Part{
				chat.NewPartStepStart(),
				chat.NewPartReasoning(fmt.Sprintf("This is reasoning text for turn %d", i)),
				{Type: chat.PartTypeTool, Tool: &chat.ToolPart{
					ToolCallID: fmt.Sprintf("call_%d_1", i),
					ToolName:   "tool_alpha",
					State:      chat.ToolOutputAvailable,
					Input:      map[string]any{"arg1": fmt.Sprintf("value_%d_1", i), "arg2": i * 10},
					Output:     fmt.Sprintf(`{"result": "data_%d_1"}`, i),
				}},
				{Type: chat.PartTypeTool, Tool: &chat.ToolPart{
					ToolCallID: fmt.Sprintf("call_%d_2", i),
					ToolName:   "tool_beta",
					State:      chat.ToolOutputAvailable,
					Input:      map[string]any{"param": fmt.Sprintf("test_%d_2", i)},
					Output:     map[string]any{"status": fmt.Sprintf("ok_%d_2", i)},
				}},
				chat.NewPartText(fmt.Sprintf("Assistant response %d", i)),
			},
		})
	}

	return msgs
}

func BenchmarkFromUIMessages_20Messages(b *testing.B) {
	msgs := generateConversationHistory(10)
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		_ = fromUIMessages("system", msgs)
	}
}

func BenchmarkFromUIMessages_100Messages(b *testing.B) {
	msgs := generateConversationHistory(50)
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		_ = fromUIMessages("system", msgs)
	}
}

func BenchmarkFromUIMessages_600Messages(b *testing.B) {
	msgs := generateConversationHistory(300)
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		_ = fromUIMessages("system", msgs)
	}
}
