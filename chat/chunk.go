package chat

// ChunkType names the incremental UI message updates a transport streams back.
type ChunkType string

const (
	ChunkStart               ChunkType = "start"
	ChunkFinish              ChunkType = "finish"
	ChunkAbort               ChunkType = "abort"
	ChunkError               ChunkType = "error"
	ChunkMessageMetadata     ChunkType = "message-metadata"
	ChunkStartStep           ChunkType = "start-step"
	ChunkFinishStep          ChunkType = "finish-step"
	ChunkTextStart           ChunkType = "text-start"
	ChunkTextDelta           ChunkType = "text-delta"
	ChunkTextEnd             ChunkType = "text-end"
	ChunkReasoningStart      ChunkType = "reasoning-start"
	ChunkReasoningDelta      ChunkType = "reasoning-delta"
	ChunkReasoningEnd        ChunkType = "reasoning-end"
	ChunkToolInputStart      ChunkType = "tool-input-start"
	ChunkToolInputDelta      ChunkType = "tool-input-delta"
	ChunkToolInputAvailable  ChunkType = "tool-input-available"
	ChunkToolOutputAvailable ChunkType = "tool-output-available"
	ChunkToolOutputError     ChunkType = "tool-output-error"
	ChunkSourceURL           ChunkType = "source-url"
	ChunkSourceDocument      ChunkType = "source-document"
	ChunkFile                ChunkType = "file"
	ChunkData                ChunkType = "data"
)

// Chunk is one UI message stream event. Which fields are meaningful depends on Type; the
// constructors below set exactly those.
type Chunk struct {
	Type ChunkType `json:"type"`

	// ID identifies the text, reasoning or data part a chunk belongs to.
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta,omitempty"`

	MessageID       string         `json:"messageId,omitempty"`
	MessageMetadata map[string]any `json:"messageMetadata,omitempty"`

	ToolCallID       string `json:"toolCallId,omitempty"`
	ToolName         string `json:"toolName,omitempty"`
	InputTextDelta   string `json:"inputTextDelta,omitempty"`
	Input            any    `json:"input,omitempty"`
	Output           any    `json:"output,omitempty"`
	ProviderExecuted bool   `json:"providerExecuted,omitempty"`

	ErrorText string `json:"errorText,omitempty"`

	SourceID  string `json:"sourceId,omitempty"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`

	DataName  string `json:"dataName,omitempty"`
	Data      any    `json:"data,omitempty"`
	Transient bool   `json:"transient,omitempty"`

	// ProviderMetadata is merged into the text or reasoning part the chunk belongs to.
	ProviderMetadata map[string]any `json:"providerMetadata,omitempty"`
}

// WithProviderMetadata returns ch carrying md.
func (ch Chunk) WithProviderMetadata(md map[string]any) Chunk {
	ch.ProviderMetadata = md
	return ch
}

func NewChunkStart(messageID string) Chunk {
	return Chunk{Type: ChunkStart, MessageID: messageID}
}

func NewChunkFinish(metadata map[string]any) Chunk {
	return Chunk{Type: ChunkFinish, MessageMetadata: metadata}
}

func NewChunkAbort() Chunk {
	return Chunk{Type: ChunkAbort}
}

func NewChunkError(errorText string) Chunk {
	return Chunk{Type: ChunkError, ErrorText: errorText}
}

func NewChunkMessageMetadata(metadata map[string]any) Chunk {
	return Chunk{Type: ChunkMessageMetadata, MessageMetadata: metadata}
}

func NewChunkStartStep() Chunk {
	return Chunk{Type: ChunkStartStep}
}

func NewChunkFinishStep() Chunk {
	return Chunk{Type: ChunkFinishStep}
}

func NewChunkTextStart(id string) Chunk {
	return Chunk{Type: ChunkTextStart, ID: id}
}

func NewChunkTextDelta(id, delta string) Chunk {
	return Chunk{Type: ChunkTextDelta, ID: id, Delta: delta}
}

func NewChunkTextEnd(id string) Chunk {
	return Chunk{Type: ChunkTextEnd, ID: id}
}

func NewChunkReasoningStart(id string) Chunk {
	return Chunk{Type: ChunkReasoningStart, ID: id}
}

func NewChunkReasoningDelta(id, delta string) Chunk {
	return Chunk{Type: ChunkReasoningDelta, ID: id, Delta: delta}
}

func NewChunkReasoningEnd(id string) Chunk {
	return Chunk{Type: ChunkReasoningEnd, ID: id}
}

func NewChunkToolInputStart(callID, toolName string) Chunk {
	return Chunk{Type: ChunkToolInputStart, ToolCallID: callID, ToolName: toolName}
}

func NewChunkToolInputDelta(callID, delta string) Chunk {
	return Chunk{Type: ChunkToolInputDelta, ToolCallID: callID, InputTextDelta: delta}
}

func NewChunkToolInputAvailable(callID, toolName string, input any) Chunk {
	return Chunk{Type: ChunkToolInputAvailable, ToolCallID: callID, ToolName: toolName, Input: input}
}

func NewChunkToolOutputAvailable(callID string, output any) Chunk {
	return Chunk{Type: ChunkToolOutputAvailable, ToolCallID: callID, Output: output}
}

func NewChunkToolOutputError(callID, errorText string) Chunk {
	return Chunk{Type: ChunkToolOutputError, ToolCallID: callID, ErrorText: errorText}
}

func NewChunkSourceURL(sourceID, url, title string) Chunk {
	return Chunk{Type: ChunkSourceURL, SourceID: sourceID, URL: url, Title: title}
}

func NewChunkSourceDocument(sourceID, mediaType, title, filename string) Chunk {
	return Chunk{
		Type:      ChunkSourceDocument,
		SourceID:  sourceID,
		MediaType: mediaType,
		Title:     title,
		Filename:  filename,
	}
}

func NewChunkFile(url, mediaType string) Chunk {
	return Chunk{Type: ChunkFile, URL: url, MediaType: mediaType}
}

// NewChunkData creates a custom data chunk. Transient chunks reach OnData but are not stored in
// the message.
func NewChunkData(name, id string, data any, transient bool) Chunk {
	return Chunk{Type: ChunkData, DataName: name, ID: id, Data: data, Transient: transient}
}
