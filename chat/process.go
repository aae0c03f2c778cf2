package chat

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// errAbortChunk is returned by streamingMessage.apply when the stream announced an abort.
var errAbortChunk = errors.New("chat: stream aborted")

// StreamError is the error surfaced when a stream reports a failure through an error chunk.
type StreamError struct {
	Text string
}

func (e *StreamError) Error() string {
	return e.Text
}

// streamingMessage accumulates the chunks of one response into the assistant message.
type streamingMessage struct {
	message UIMessage

	activeText      map[string]int
	activeReasoning map[string]int
	partialTools    map[string]*partialToolCall

	finished bool
}

type partialToolCall struct {
	text     string
	toolName string
}

func newStreamingMessage(m UIMessage) *streamingMessage {
	return &streamingMessage{
		message:         m,
		activeText:      make(map[string]int),
		activeReasoning: make(map[string]int),
		partialTools:    make(map[string]*partialToolCall),
	}
}

// apply folds ch into the message. It reports whether the message changed and so has to be written
// to the state.
func (s *streamingMessage) apply(ch Chunk) (bool, error) {
	switch ch.Type {
	case ChunkStart:
		if ch.MessageID != "" {
			s.message.ID = ch.MessageID
		}
		if ch.MessageMetadata != nil {
			s.message.Metadata = mergeMetadata(s.message.Metadata, ch.MessageMetadata)
		}
		return ch.MessageID != "" || ch.MessageMetadata != nil, nil

	case ChunkTextStart:
		s.activeText[ch.ID] = s.appendPart(Part{Type: PartTypeText, Text: &TextPart{
			State:            TextStreaming,
			ProviderMetadata: copyMetadata(ch.ProviderMetadata),
		}})
		return true, nil
	case ChunkTextDelta:
		idx, ok := s.activeText[ch.ID]
		if !ok {
			return false, errors.Errorf("text part %q not found", ch.ID)
		}
		s.message.Parts[idx].Text.Text += ch.Delta
		return true, nil
	case ChunkTextEnd:
		idx, ok := s.activeText[ch.ID]
		if !ok {
			return false, errors.Errorf("text part %q not found", ch.ID)
		}
		text := s.message.Parts[idx].Text
		text.State = TextDone
		if ch.ProviderMetadata != nil {
			text.ProviderMetadata = mergeMetadata(text.ProviderMetadata, ch.ProviderMetadata)
		}
		delete(s.activeText, ch.ID)
		return true, nil

	case ChunkReasoningStart:
		s.activeReasoning[ch.ID] = s.appendPart(Part{Type: PartTypeReasoning, Reasoning: &TextPart{
			State:            TextStreaming,
			ProviderMetadata: copyMetadata(ch.ProviderMetadata),
		}})
		return true, nil
	case ChunkReasoningDelta:
		idx, ok := s.activeReasoning[ch.ID]
		if !ok {
			return false, errors.Errorf("reasoning part %q not found", ch.ID)
		}
		s.message.Parts[idx].Reasoning.Text += ch.Delta
		return true, nil
	case ChunkReasoningEnd:
		idx, ok := s.activeReasoning[ch.ID]
		if !ok {
			return false, errors.Errorf("reasoning part %q not found", ch.ID)
		}
		reasoning := s.message.Parts[idx].Reasoning
		reasoning.State = TextDone
		if ch.ProviderMetadata != nil {
			reasoning.ProviderMetadata = mergeMetadata(reasoning.ProviderMetadata, ch.ProviderMetadata)
		}
		delete(s.activeReasoning, ch.ID)
		return true, nil

	case ChunkFile:
		s.appendPart(NewPartFile(ch.MediaType, ch.Filename, ch.URL))
		return true, nil
	case ChunkSourceURL:
		s.appendPart(NewPartSourceURL(ch.SourceID, ch.URL, ch.Title))
		return true, nil
	case ChunkSourceDocument:
		s.appendPart(NewPartSourceDocument(ch.SourceID, ch.MediaType, ch.Title, ch.Filename))
		return true, nil

	case ChunkToolInputStart:
		s.partialTools[ch.ToolCallID] = &partialToolCall{toolName: ch.ToolName}
		part := NewPartTool(ch.ToolCallID, ch.ToolName, ToolInputStreaming, nil)
		part.Tool.ProviderExecuted = ch.ProviderExecuted
		s.appendPart(part)
		return true, nil
	case ChunkToolInputDelta:
		partial, ok := s.partialTools[ch.ToolCallID]
		if !ok {
			return false, errors.Errorf("tool call %q not found", ch.ToolCallID)
		}
		partial.text += ch.InputTextDelta
		if input, ok := parsePartialJSON(partial.text); ok {
			s.toolPart(ch.ToolCallID).Input = input
		}
		return true, nil
	case ChunkToolInputAvailable:
		delete(s.partialTools, ch.ToolCallID)
		tool := s.toolPart(ch.ToolCallID)
		if tool == nil {
			s.appendPart(NewPartTool(ch.ToolCallID, ch.ToolName, ToolInputAvailable, ch.Input))
			tool = s.toolPart(ch.ToolCallID)
		}
		tool.State = ToolInputAvailable
		tool.Input = ch.Input
		tool.ProviderExecuted = ch.ProviderExecuted
		return true, nil
	case ChunkToolOutputAvailable:
		tool := s.toolPart(ch.ToolCallID)
		if tool == nil {
			return false, errors.Errorf("tool call %q not found", ch.ToolCallID)
		}
		tool.State = ToolOutputAvailable
		tool.Output = ch.Output
		tool.ErrorText = ""
		return true, nil
	case ChunkToolOutputError:
		tool := s.toolPart(ch.ToolCallID)
		if tool == nil {
			return false, errors.Errorf("tool call %q not found", ch.ToolCallID)
		}
		tool.State = ToolOutputError
		tool.ErrorText = ch.ErrorText
		return true, nil

	case ChunkStartStep:
		s.appendPart(NewPartStepStart())
		return true, nil
	case ChunkFinishStep:
		clear(s.activeText)
		clear(s.activeReasoning)
		return false, nil

	case ChunkData:
		if ch.Transient {
			return false, nil
		}
		for i := range s.message.Parts {
			if d, ok := s.message.Parts[i].AsData(); ok && ch.ID != "" && d.Name == ch.DataName && d.ID == ch.ID {
				d.Data = ch.Data
				return true, nil
			}
		}
		s.appendPart(NewPartData(ch.DataName, ch.ID, ch.Data))
		return true, nil

	case ChunkMessageMetadata:
		if ch.MessageMetadata == nil {
			return false, nil
		}
		s.message.Metadata = mergeMetadata(s.message.Metadata, ch.MessageMetadata)
		return true, nil
	case ChunkFinish:
		s.finished = true
		if ch.MessageMetadata == nil {
			return false, nil
		}
		s.message.Metadata = mergeMetadata(s.message.Metadata, ch.MessageMetadata)
		return true, nil

	case ChunkError:
		return false, &StreamError{Text: ch.ErrorText}
	case ChunkAbort:
		return false, errAbortChunk
	}

	return false, errors.Errorf("unknown chunk type %q", ch.Type)
}

// applyToolResult records a client-side tool result. It reports whether the tool call was found.
func (s *streamingMessage) applyToolResult(r ToolResult) bool {
	tool := s.toolPart(r.ToolCallID)
	if tool == nil {
		return false
	}
	setToolResult(tool, r)
	return true
}

func (s *streamingMessage) appendPart(p Part) int {
	s.message.Parts = append(s.message.Parts, p)
	return len(s.message.Parts) - 1
}

func (s *streamingMessage) toolPart(callID string) *ToolPart {
	return findToolPart(&s.message, callID)
}

func findToolPart(m *UIMessage, callID string) *ToolPart {
	for i := range m.Parts {
		if t, ok := m.Parts[i].AsTool(); ok && t.ToolCallID == callID {
			return t
		}
	}
	return nil
}

func setToolResult(tool *ToolPart, r ToolResult) {
	if r.ErrorText != "" {
		tool.State = ToolOutputError
		tool.ErrorText = r.ErrorText
		tool.Output = nil
		return
	}
	tool.State = ToolOutputAvailable
	tool.Output = r.Output
	tool.ErrorText = ""
}

// copyMetadata returns a shallow copy of md.
func copyMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	return mergeMetadata(nil, md)
}

// mergeMetadata deep-merges extra into a copy of base. Nested maps are merged, anything else in
// extra wins.
func mergeMetadata(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if bm, ok := out[k].(map[string]any); ok {
			if em, ok := v.(map[string]any); ok {
				out[k] = mergeMetadata(bm, em)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// parsePartialJSON decodes a possibly truncated JSON document. See repairJSON for how the
// truncated tail is treated.
func parsePartialJSON(text string) (any, bool) {
	if strings.TrimSpace(text) == "" {
		return nil, false
	}

	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v, true
	}

	repaired, ok := repairJSON(text)
	if !ok {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return nil, false
	}
	return v, true
}

// repairJSON turns a truncated JSON document into a complete one. A trailing string value is
// closed, a trailing literal is completed and a trailing number loses its dangling sign, point or
// exponent. Anything else that is incomplete, such as a key or a separator, is cut back to the last
// complete value. The arrays and objects still open are then closed.
func repairJSON(text string) (string, bool) {
	var (
		closers []byte
		// the last structural byte, or 'k' after a key and 'v' after a value
		prev byte
		// text[:safe] becomes valid by appending safeClose
		safe      = -1
		safeClose string
	)
	open := func() string {
		out := make([]byte, len(closers))
		for i, c := range closers {
			out[len(closers)-1-i] = c
		}
		return string(out)
	}
	mark := func(end int) {
		safe, safeClose = end, open()
	}

	i := 0
scan:
	for i < len(text) {
		c := text[i]
		switch c {
		case ' ', '\t', '\n', '\r':
			i++
		case '{', '[':
			if c == '{' {
				closers = append(closers, '}')
			} else {
				closers = append(closers, ']')
			}
			prev = c
			i++
			mark(i)
		case '}', ']':
			if len(closers) == 0 || closers[len(closers)-1] != c {
				return "", false
			}
			closers = closers[:len(closers)-1]
			prev = 'v'
			i++
			mark(i)
		case ',', ':':
			prev = c
			i++
		case '"':
			isKey := len(closers) > 0 && closers[len(closers)-1] == '}' && (prev == '{' || prev == ',')
			end, closed := scanString(text, i)
			if !closed {
				if isKey {
					break scan
				}
				return text[:i] + closeString(text[i:]) + open(), true
			}
			i = end
			if isKey {
				prev = 'k'
			} else {
				prev = 'v'
				mark(i)
			}
		default:
			start := i
			for i < len(text) && !isJSONDelim(text[i]) {
				i++
			}
			if i < len(text) {
				prev = 'v'
				mark(i)
				continue
			}

			tok := text[start:]
			if lit, ok := completeLiteral(tok); ok {
				return text[:start] + lit + open(), true
			}
			if num := trimNumber(tok); num != "" {
				return text[:start] + num + open(), true
			}
			break scan
		}
	}

	if safe < 0 {
		return "", false
	}
	return text[:safe] + safeClose, true
}

// scanString returns the end of the string starting at text[i] and whether it is terminated.
func scanString(text string, i int) (int, bool) {
	for j := i + 1; j < len(text); j++ {
		switch text[j] {
		case '\\':
			j++
		case '"':
			return j + 1, true
		}
	}
	return len(text), false
}

// closeString terminates an unterminated string, dropping an escape sequence cut in half.
func closeString(s string) string {
	if idx := strings.LastIndex(s, `\u`); idx >= 0 && len(s)-idx-2 < 4 && escapes(s, idx) {
		s = s[:idx]
	}
	if len(s) > 0 && s[len(s)-1] == '\\' && escapes(s, len(s)-1) {
		s = s[:len(s)-1]
	}
	return s + `"`
}

// escapes reports whether the backslash at s[idx] starts an escape sequence, that is whether it is
// preceded by an even run of backslashes.
func escapes(s string, idx int) bool {
	n := 0
	for j := idx - 1; j >= 0 && s[j] == '\\'; j-- {
		n++
	}
	return n%2 == 0
}

func isJSONDelim(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', ',', ':', '"', '{', '}', '[', ']':
		return true
	}
	return false
}

func completeLiteral(tok string) (string, bool) {
	for _, lit := range []string{"true", "false", "null"} {
		if strings.HasPrefix(lit, tok) {
			return lit, true
		}
	}
	return "", false
}

// trimNumber drops the characters a number cannot end with. A lone sign yields "".
func trimNumber(tok string) string {
	return strings.TrimRight(tok, ".eE+-")
}

// MessageBuilder folds a chunk stream into a message outside of a Chat, the way the engine does
// it. Providers that run several steps per response use it to keep the conversation they send back
// to the model.
type MessageBuilder struct {
	s *streamingMessage
}

func NewMessageBuilder(m UIMessage) *MessageBuilder {
	return &MessageBuilder{s: newStreamingMessage(cloneMessage(m))}
}

// Apply folds ch into the message. Error and abort chunks are reported as errors.
func (b *MessageBuilder) Apply(ch Chunk) error {
	_, err := b.s.apply(ch)
	return err
}

// SetToolResult records the outcome of a tool call. It reports whether the call was found.
func (b *MessageBuilder) SetToolResult(r ToolResult) bool {
	return b.s.applyToolResult(r)
}

// Message returns a copy of the message built so far.
func (b *MessageBuilder) Message() UIMessage {
	return cloneMessage(b.s.message)
}
