package chat

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedPart is returned when a part's payload does not match its type.
var ErrMalformedPart = errors.New("chat: malformed part")

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// UIMessage is one entry of a conversation as the UI sees it. ID is its identity: reconciliation
// and in-place updates match on it, never on content.
type UIMessage struct {
	ID       string         `json:"id"`
	Role     Role           `json:"role"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Text concatenates the text parts of the message.
func (m UIMessage) Text() string {
	var b strings.Builder
	for i := range m.Parts {
		if t, ok := m.Parts[i].AsText(); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// Validate checks every part of the message. Messages decoded from outside the process should be
// validated before the As accessors see them.
func (m UIMessage) Validate() error {
	for i := range m.Parts {
		if err := m.Parts[i].Validate(); err != nil {
			return errors.Wrapf(err, "message %s, part %d", m.ID, i)
		}
	}
	return nil
}

// ToolParts returns the tool parts of the message in order.
func (m UIMessage) ToolParts() []*ToolPart {
	var out []*ToolPart
	for i := range m.Parts {
		if t, ok := m.Parts[i].AsTool(); ok {
			out = append(out, t)
		}
	}
	return out
}

type PartType string

const (
	PartTypeText           PartType = "text"
	PartTypeReasoning      PartType = "reasoning"
	PartTypeFile           PartType = "file"
	PartTypeTool           PartType = "tool"
	PartTypeSourceURL      PartType = "source-url"
	PartTypeSourceDocument PartType = "source-document"
	PartTypeStepStart      PartType = "step-start"
	PartTypeData           PartType = "data"
)

// Part is a variant-tagged message fragment. Exactly the payload matching Type is set.
type Part struct {
	Type      PartType    `json:"type"`
	Text      *TextPart   `json:"text,omitempty"`
	Reasoning *TextPart   `json:"reasoning,omitempty"`
	File      *FilePart   `json:"file,omitempty"`
	Tool      *ToolPart   `json:"tool,omitempty"`
	Source    *SourcePart `json:"source,omitempty"`
	Data      *DataPart   `json:"data,omitempty"`
}

type TextState string

const (
	TextStreaming TextState = "streaming"
	TextDone      TextState = "done"
)

type TextPart struct {
	Text             string         `json:"text"`
	State            TextState      `json:"state,omitempty"`
	ProviderMetadata map[string]any `json:"providerMetadata,omitempty"`
}

type FilePart struct {
	MediaType string `json:"mediaType"`
	Filename  string `json:"filename,omitempty"`
	URL       string `json:"url"`
}

type ToolState string

const (
	ToolInputStreaming  ToolState = "input-streaming"
	ToolInputAvailable  ToolState = "input-available"
	ToolOutputAvailable ToolState = "output-available"
	ToolOutputError     ToolState = "output-error"
)

type ToolPart struct {
	ToolCallID       string    `json:"toolCallId"`
	ToolName         string    `json:"toolName"`
	State            ToolState `json:"state"`
	Input            any       `json:"input,omitempty"`
	Output           any       `json:"output,omitempty"`
	ErrorText        string    `json:"errorText,omitempty"`
	ProviderExecuted bool      `json:"providerExecuted,omitempty"`
}

// SourcePart backs both source-url and source-document parts.
type SourcePart struct {
	SourceID         string         `json:"sourceId"`
	URL              string         `json:"url,omitempty"`
	Title            string         `json:"title,omitempty"`
	MediaType        string         `json:"mediaType,omitempty"`
	Filename         string         `json:"filename,omitempty"`
	ProviderMetadata map[string]any `json:"providerMetadata,omitempty"`
}

type DataPart struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data"`
}

func NewPartText(text string) Part {
	return Part{Type: PartTypeText, Text: &TextPart{Text: text, State: TextDone}}
}

func NewPartReasoning(text string) Part {
	return Part{Type: PartTypeReasoning, Reasoning: &TextPart{Text: text, State: TextDone}}
}

func NewPartFile(mediaType, filename, url string) Part {
	return Part{Type: PartTypeFile, File: &FilePart{MediaType: mediaType, Filename: filename, URL: url}}
}

func NewPartTool(callID, name string, state ToolState, input any) Part {
	return Part{
		Type: PartTypeTool,
		Tool: &ToolPart{ToolCallID: callID, ToolName: name, State: state, Input: input},
	}
}

func NewPartSourceURL(sourceID, url, title string) Part {
	return Part{Type: PartTypeSourceURL, Source: &SourcePart{SourceID: sourceID, URL: url, Title: title}}
}

func NewPartSourceDocument(sourceID, mediaType, title, filename string) Part {
	return Part{
		Type:   PartTypeSourceDocument,
		Source: &SourcePart{SourceID: sourceID, MediaType: mediaType, Title: title, Filename: filename},
	}
}

func NewPartStepStart() Part {
	return Part{Type: PartTypeStepStart}
}

func NewPartData(name, id string, data any) Part {
	return Part{Type: PartTypeData, Data: &DataPart{Name: name, ID: id, Data: data}}
}

// Validate checks that the payload matching Type is set.
func (p *Part) Validate() error {
	var ok bool
	switch p.Type {
	case PartTypeText:
		ok = p.Text != nil
	case PartTypeReasoning:
		ok = p.Reasoning != nil
	case PartTypeFile:
		ok = p.File != nil
	case PartTypeTool:
		ok = p.Tool != nil
	case PartTypeSourceURL, PartTypeSourceDocument:
		ok = p.Source != nil
	case PartTypeData:
		ok = p.Data != nil
	case PartTypeStepStart:
		ok = true
	default:
		return errors.Wrapf(ErrMalformedPart, "unknown type %q", p.Type)
	}
	if !ok {
		return errors.Wrapf(ErrMalformedPart, "%s part without its payload", p.Type)
	}
	return nil
}

func (p *Part) AsText() (*TextPart, bool) {
	if p.Type != PartTypeText {
		return nil, false
	}
	if p.Text == nil {
		panic("text is nil, even though type is text")
	}
	return p.Text, true
}

func (p *Part) AsReasoning() (*TextPart, bool) {
	if p.Type != PartTypeReasoning {
		return nil, false
	}
	if p.Reasoning == nil {
		panic("reasoning is nil, even though type is reasoning")
	}
	return p.Reasoning, true
}

func (p *Part) AsFile() (*FilePart, bool) {
	if p.Type != PartTypeFile {
		return nil, false
	}
	if p.File == nil {
		panic("file is nil, even though type is file")
	}
	return p.File, true
}

func (p *Part) AsTool() (*ToolPart, bool) {
	if p.Type != PartTypeTool {
		return nil, false
	}
	if p.Tool == nil {
		panic("tool is nil, even though type is tool")
	}
	return p.Tool, true
}

func (p *Part) AsSource() (*SourcePart, bool) {
	if p.Type != PartTypeSourceURL && p.Type != PartTypeSourceDocument {
		return nil, false
	}
	if p.Source == nil {
		panic(fmt.Errorf("source is nil, even though type is %s", p.Type))
	}
	return p.Source, true
}

func (p *Part) AsData() (*DataPart, bool) {
	if p.Type != PartTypeData {
		return nil, false
	}
	if p.Data == nil {
		panic("data is nil, even though type is data")
	}
	return p.Data, true
}
