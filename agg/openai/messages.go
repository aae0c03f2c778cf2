package openai

import (
	"encoding/json"
	"strings"

	"github.com/victhorio/opachat/chat"
)

// requestBody is the body of the request to the OpenAI responses endpoint.
type requestBody struct {
	Include           []string      `json:"include,omitempty"`
	Input             []msg         `json:"input"`
	MaxOutputTokens   int           `json:"max_output_tokens,omitempty"`
	Model             ModelID       `json:"model,omitempty"`
	ParallelToolCalls *bool         `json:"parallel_tool_calls,omitempty"`
	Reasoning         *reasoningCfg `json:"reasoning,omitempty"`
	Store             *bool         `json:"store,omitempty"`
	Stream            bool          `json:"stream,omitempty"`
	Temperature       float64       `json:"temperature,omitempty"`
	Tools             []tool        `json:"tools,omitempty"`
}

type reasoningCfg struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type msgType string

const (
	msgTypeContent    msgType = "message"
	msgTypeToolCall   msgType = "function_call"
	msgTypeToolResult msgType = "function_call_output"
)

type msg struct {
	Type msgType `json:"type"`
	// content fields; Content is either a string or a list of inputContent
	Role    string `json:"role,omitempty"`
	Content any    `json:"content,omitempty"`
	// tool call fields
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	// tool result fields
	Output string `json:"output,omitempty"`
}

type inputContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

func newMsgContent(role string, content any) msg {
	return msg{
		Type:    msgTypeContent,
		Role:    role,
		Content: content,
	}
}

func newMsgToolCall(callID, name, arguments string) msg {
	return msg{
		Type:      msgTypeToolCall,
		CallID:    callID,
		Name:      name,
		Arguments: arguments,
	}
}

func newMsgToolResult(callID, result string) msg {
	return msg{
		Type:   msgTypeToolResult,
		CallID: callID,
		Output: result,
	}
}

// fromUIMessages flattens the conversation into Responses API input items. Parts the API has no
// input for (reasoning summaries, sources, step markers, data) are left out, and so are tool calls
// that are still waiting for their result.
func fromUIMessages(system string, messages []chat.UIMessage) []msg {
	adapted := make([]msg, 0, len(messages)+1)
	if system != "" {
		adapted = append(adapted, newMsgContent("system", system))
	}

	for _, m := range messages {
		switch m.Role {
		case chat.RoleSystem:
			if text := m.Text(); text != "" {
				adapted = append(adapted, newMsgContent("system", text))
			}
		case chat.RoleUser:
			if content := userContent(m); content != nil {
				adapted = append(adapted, newMsgContent("user", content))
			}
		case chat.RoleAssistant:
			adapted = appendAssistant(adapted, m)
		}
	}

	return adapted
}

// userContent is a plain string unless the message carries files.
func userContent(m chat.UIMessage) any {
	var (
		parts []inputContent
		text  strings.Builder
		files bool
	)

	for i := range m.Parts {
		p := &m.Parts[i]
		if t, ok := p.AsText(); ok {
			text.WriteString(t.Text)
			parts = append(parts, inputContent{Type: "input_text", Text: t.Text})
		}
		if f, ok := p.AsFile(); ok {
			files = true
			if strings.HasPrefix(f.MediaType, "image/") {
				parts = append(parts, inputContent{Type: "input_image", ImageURL: f.URL})
			} else {
				parts = append(parts, inputContent{Type: "input_file", FileURL: f.URL, Filename: f.Filename})
			}
		}
	}

	if files {
		return parts
	}
	if text.Len() == 0 {
		return nil
	}
	return text.String()
}

func appendAssistant(adapted []msg, m chat.UIMessage) []msg {
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			adapted = append(adapted, newMsgContent("assistant", text.String()))
			text.Reset()
		}
	}

	for i := range m.Parts {
		p := &m.Parts[i]
		if t, ok := p.AsText(); ok {
			text.WriteString(t.Text)
			continue
		}

		tool, ok := p.AsTool()
		if !ok {
			continue
		}

		var output string
		switch tool.State {
		case chat.ToolOutputAvailable:
			output = stringifyOutput(tool.Output)
		case chat.ToolOutputError:
			output = "error: " + tool.ErrorText
		default:
			continue
		}

		flush()
		adapted = append(adapted,
			newMsgToolCall(tool.ToolCallID, tool.ToolName, stringifyArguments(tool.Input)),
			newMsgToolResult(tool.ToolCallID, output),
		)
	}
	flush()

	return adapted
}

func stringifyArguments(input any) string {
	if input == nil {
		return "{}"
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func stringifyOutput(output any) string {
	if s, ok := output.(string); ok {
		return s
	}
	b, err := json.Marshal(output)
	if err != nil {
		return ""
	}
	return string(b)
}
