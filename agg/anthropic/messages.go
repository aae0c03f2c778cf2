package anthropic

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
)

// providerKey namespaces what this package stores in part provider metadata.
const providerKey = "anthropic"

// requestBody is the body of the request to the Anthropic messages endpoint
type requestBody struct {
	MaxToks   int        `json:"max_tokens"`
	Msgs      []*msg     `json:"messages"`
	Model     ModelID    `json:"model"`
	Stream    bool       `json:"stream"`
	SysPrompt string     `json:"system,omitempty"`
	Temp      *float64   `json:"temperature,omitempty"`
	Reason    *reasonCfg `json:"thinking,omitempty"`
	ToolCfg   *toolCfg   `json:"tool_choice,omitempty"`
	Tools     []tool     `json:"tools,omitempty"`
}

type reasonCfg struct {
	Type string `json:"type"` // "enabled" or "disabled"
	// must be at least 1024 and less than requestBody.MaxToks, must be set iff Type = "enabled"
	MaxToks *int `json:"budget_tokens,omitempty"`
}

func newReasonCfg(maxToks int) *reasonCfg {
	return &reasonCfg{Type: "enabled", MaxToks: intPtr(maxToks)}
}

type toolCfg struct {
	Type            string `json:"type"`                                // "auto", "any", "none"
	DisableParallel *bool  `json:"disable_parallel_tool_use,omitempty"` // should not be set if Type == "none"
}

func newToolCfg(toolChoice string, disableParallel bool) *toolCfg {
	tc := toolCfg{Type: toolChoice}
	if toolChoice != "none" {
		tc.DisableParallel = boolPtr(disableParallel)
	}
	return &tc
}

type msg struct {
	Role    string        `json:"role"` // "user" or "assistant"
	Content []*msgContent `json:"content"`
}

type msgContent struct {
	Type msgContentType `json:"type"`
	// text fields
	Text string `json:"text,omitempty"`
	// reasoning fields
	Signature string `json:"signature,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
	// tool use fields
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"input,omitempty"`
	// tool result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Output    string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	// image and document fields
	Source *mediaSource `json:"source,omitempty"`

	// this are fields used to indicate caching (cannot be used for Reasoning)
	CacheCtrl *cacheCtrl `json:"cache_control,omitempty"`
}

type mediaSource struct {
	Type      string `json:"type"` // "url" or "base64"
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

type cacheCtrl struct {
	Type string `json:"type"`          // should always be "ephemeral"
	TTL  string `json:"ttl,omitempty"` // either "5m" or "1h", but cost calculation assumes "5m"
}

type msgContentType string

const (
	msgContTypeText       msgContentType = "text"
	msgContTypeReason     msgContentType = "thinking"
	msgContTypeTool       msgContentType = "tool_use"
	msgContTypeToolResult msgContentType = "tool_result"
	msgContTypeImage      msgContentType = "image"
	msgContTypeDocument   msgContentType = "document"
)

func newMsgText(text string) *msgContent {
	return &msgContent{
		Type: msgContTypeText,
		Text: text,
	}
}

func newMsgReason(signature, thinking string) *msgContent {
	return &msgContent{
		Type:      msgContTypeReason,
		Signature: signature,
		Thinking:  thinking,
	}
}

func newMsgToolUse(id, name string, args json.RawMessage) *msgContent {
	return &msgContent{
		Type: msgContTypeTool,
		ID:   id,
		Name: name,
		Args: args,
	}
}

func newMsgToolResult(toolUseID, output string, isError bool) *msgContent {
	return &msgContent{
		Type:      msgContTypeToolResult,
		ToolUseID: toolUseID,
		Output:    output,
		IsError:   isError,
	}
}

// newMsgFile maps a file part to an image or document block. Data URLs are sent inline.
func newMsgFile(f *chat.FilePart) *msgContent {
	src := &mediaSource{Type: "url", URL: f.URL}
	if rest, ok := strings.CutPrefix(f.URL, "data:"); ok {
		if meta, data, ok := strings.Cut(rest, ","); ok && strings.HasSuffix(meta, ";base64") {
			src = &mediaSource{Type: "base64", MediaType: strings.TrimSuffix(meta, ";base64"), Data: data}
		}
	}

	typ := msgContTypeDocument
	if strings.HasPrefix(f.MediaType, "image/") {
		typ = msgContTypeImage
	}
	return &msgContent{Type: typ, Source: src}
}

// conversation builds the messages list. Sequential blocks from the same role must be sent
// together, particularly when both reasoning and tool use are happening, so appending merges into
// the last message when the role matches.
type conversation struct {
	msgs []*msg
}

func (c *conversation) add(role string, blocks ...*msgContent) {
	if len(blocks) == 0 {
		return
	}
	if n := len(c.msgs); n > 0 && c.msgs[n-1].Role == role {
		c.msgs[n-1].Content = append(c.msgs[n-1].Content, blocks...)
		return
	}
	c.msgs = append(c.msgs, &msg{Role: role, Content: blocks})
}

// fromUIMessages converts the conversation. Anthropic takes the system prompt separately, so
// system messages are joined into it. Every step of an assistant message becomes an assistant turn
// followed by a user turn carrying its tool results; tool calls still waiting for a result are left
// out, and so is reasoning without a signature, which the API would reject.
func (m *Model) fromUIMessages(system string, messages []chat.UIMessage) (string, []*msg) {
	sys := []string{}
	if system != "" {
		sys = append(sys, system)
	}

	var c conversation
	for _, um := range messages {
		switch um.Role {
		case chat.RoleSystem:
			if text := um.Text(); text != "" {
				sys = append(sys, text)
			}
		case chat.RoleUser:
			c.add("user", userBlocks(um)...)
		case chat.RoleAssistant:
			appendAssistant(&c, um)
		}
	}

	if m.shouldCache && len(c.msgs) > 0 {
		// Only Reasoning blocks cannot be cached, so the mark goes on the last block that is not
		// one.
		last := c.msgs[len(c.msgs)-1].Content
		for i := len(last) - 1; i >= 0; i-- {
			if last[i].Type != msgContTypeReason {
				last[i].CacheCtrl = &cacheCtrl{Type: "ephemeral"}
				break
			}
		}
	}

	return strings.Join(sys, "\n\n"), c.msgs
}

func userBlocks(um chat.UIMessage) []*msgContent {
	var blocks []*msgContent
	for i := range um.Parts {
		p := &um.Parts[i]
		if f, ok := p.AsFile(); ok {
			blocks = append(blocks, newMsgFile(f))
		}
		if t, ok := p.AsText(); ok && t.Text != "" {
			blocks = append(blocks, newMsgText(t.Text))
		}
	}
	return blocks
}

func appendAssistant(c *conversation, um chat.UIMessage) {
	var (
		turn    []*msgContent
		results []*msgContent
	)
	flush := func() {
		c.add("assistant", turn...)
		c.add("user", results...)
		turn, results = nil, nil
	}

	for i := range um.Parts {
		p := &um.Parts[i]
		switch p.Type {
		case chat.PartTypeStepStart:
			flush()
		case chat.PartTypeReasoning:
			if sig := signature(p.Reasoning.ProviderMetadata); sig != "" {
				turn = append(turn, newMsgReason(sig, p.Reasoning.Text))
			}
		case chat.PartTypeText:
			if p.Text.Text != "" {
				turn = append(turn, newMsgText(p.Text.Text))
			}
		case chat.PartTypeTool:
			tool := p.Tool
			switch tool.State {
			case chat.ToolOutputAvailable:
				results = append(results, newMsgToolResult(tool.ToolCallID, stringifyOutput(tool.Output), false))
			case chat.ToolOutputError:
				results = append(results, newMsgToolResult(tool.ToolCallID, tool.ErrorText, true))
			default:
				continue
			}
			turn = append(turn, newMsgToolUse(tool.ToolCallID, tool.ToolName, rawArguments(tool.Input)))
		}
	}
	flush()
}

func signature(md map[string]any) string {
	ours, _ := md[providerKey].(map[string]any)
	sig, _ := ours["signature"].(string)
	return sig
}

func rawArguments(input any) json.RawMessage {
	if input == nil {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(input)
	if err != nil || len(b) == 0 || b[0] != '{' {
		// tool_use input has to be an object
		return json.RawMessage("{}")
	}
	return b
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

type tool struct {
	Name   string     `json:"name"`
	Desc   string     `json:"description"`
	Schema toolSchema `json:"input_schema"`
}

type toolSchema struct {
	Type       string              `json:"type"` // always "object"
	Properties map[string]property `json:"properties"`
	Required   []string            `json:"required"`
}

type property struct {
	// Type is a string, or a list of strings for nullable parameters
	Type  any       `json:"type"`
	Desc  string    `json:"description,omitempty"`
	Items *property `json:"items,omitempty"`
	Enum  []string  `json:"enum,omitempty"`
}

func fromCoreTools(tools []core.Tool) []tool {
	r := make([]tool, 0, len(tools))
	for _, tool := range tools {
		r = append(r, fromCoreTool(tool))
	}
	return r
}

func fromCoreTool(x core.Tool) tool {
	r := tool{
		Name: x.Name,
		Desc: x.Desc,
		Schema: toolSchema{
			Type:       "object",
			Properties: make(map[string]property),
			Required:   make([]string, 0, len(x.Params)),
		},
	}

	for paramName, param := range x.Params {
		r.Schema.Properties[paramName] = fromCoreParam(param)
		r.Schema.Required = append(r.Schema.Required, paramName)
	}
	sort.Strings(r.Schema.Required)

	return r
}

func fromCoreParam(p core.ToolParam) property {
	r := property{Type: string(p.Type), Desc: p.Desc, Enum: p.Enum}
	if p.Nullable != nil && *p.Nullable {
		r.Type = []string{string(p.Type), "null"}
	}
	if p.Items != nil {
		items := fromCoreParam(*p.Items)
		r.Items = &items
	}
	return r
}

func boolPtr(b bool) *bool {
	return &b
}

func intPtr(i int) *int {
	return &i
}
