package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
)

// Step sends the conversation to the responses endpoint and streams the answer into out as UI
// message chunks.
func (m *Model) Step(ctx context.Context, in core.StepInput, out chan<- chat.Chunk) (core.StepResult, error) {
	input := fromUIMessages(in.System, in.Messages)
	if in.Final && len(in.Tools) > 0 {
		// Forbidding tools here would leave the model unaware of the calls it already made, so it
		// is told to answer instead. OpenAI accepts system messages mid conversation.
		input = append(input, newMsgContent("system", toolCallLimitReachedPrompt))
	}

	payload := requestBody{
		Input:  input,
		Model:  m.model,
		Store:  boolPtr(false),
		Stream: true,
		Tools:  fromCoreTools(in.Tools),
	}

	if m.reasoningEffort != "" {
		payload.Reasoning = &reasoningCfg{
			Effort:  m.reasoningEffort,
			Summary: "concise",
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return core.StepResult{}, errors.Wrap(err, "Model.Step: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return core.StepResult{}, errors.Wrap(err, "Model.Step: create request")
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", m.apiKey))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := m.client.Do(req)
	if err != nil {
		return core.StepResult{}, errors.Wrap(err, "Model.Step: send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if err != nil {
			return core.StepResult{}, errors.Errorf("openai responses api error: status=%s (failed to read body: %v)", resp.Status, err)
		}

		return core.StepResult{}, errors.Errorf("openai responses api error: status=%s, body=%s", resp.Status, string(body))
	}

	s := &stream{
		ctx:         ctx,
		out:         out,
		model:       m,
		callIDs:     make(map[string]string),
		toolNames:   make(map[string]string),
		openReasons: make(map[string]bool),
	}
	return s.consume(resp.Body)
}

// stream turns one responses API event stream into chunks.
type stream struct {
	ctx   context.Context
	out   chan<- chat.Chunk
	model *Model

	// item id to call id and tool name, since argument deltas only carry the item id
	callIDs   map[string]string
	toolNames map[string]string
	// reasoning items with an open reasoning part
	openReasons map[string]bool
	sources     int

	result core.StepResult
	done   bool
}

// errStopped is returned by dispatch when the consumer went away.
var errStopped = errors.New("openai: stream stopped")

func (s *stream) consume(body io.Reader) (core.StepResult, error) {
	// 10Kb buffer instead of 4Kb default since specially for etRespCompleted when we get a final
	// response of at least 2Kb even with nearly no output
	reader := bufio.NewReaderSize(body, 10*1024)

	// OpenAI currently sends a full JSON in a single `data:` line per event, but we accumulate
	// in case they ever break it up into multiple lines
	var buf bytes.Buffer

	for {
		// in SSE newlines are field delimiters, we're looking for `data:` fields and will ignore
		// the rest
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			if s.ctx.Err() != nil {
				return s.result, s.ctx.Err()
			}
			return s.result, errors.Wrap(err, "openai: read stream")
		}
		eof := err == io.EOF

		line = strings.TrimRight(line, "\n\r")

		// in SSE empty lines means the event is over
		if line == "" && buf.Len() > 0 {
			data := bytes.Clone(buf.Bytes())
			buf.Reset()

			if err := s.dispatch(data); err != nil {
				return s.result, err
			}
			if s.done {
				return s.result, nil
			}
		}

		if data, ok := strings.CutPrefix(line, "data:"); ok {
			buf.WriteString(data)
		}

		if eof {
			break
		}
	}

	// nothing else to read, let's check if we need to handle a last event
	if buf.Len() > 0 {
		if err := s.dispatch(buf.Bytes()); err != nil {
			return s.result, err
		}
	}

	if !s.done {
		return s.result, errors.New("openai: stream ended before the response completed")
	}
	return s.result, nil
}

func (s *stream) send(ch chat.Chunk) error {
	if !chat.SendChunk(s.ctx, s.out, ch) {
		return errStopped
	}
	return nil
}

func (s *stream) dispatch(data []byte) error {
	var event eventRaw
	if err := json.Unmarshal(data, &event); err != nil {
		return errors.Wrap(err, "openai: decode event")
	}

	switch event.Type {
	case etRespCreated, etRespProgress:
		s.result.Model = event.Response.Model
	case etRespCompleted:
		s.finish(event.Response, "stop")
	case etRespIncomplete:
		s.finish(event.Response, "incomplete: "+event.Response.IncompleteDetails.Reason)
	case etRespFailed:
		return errors.Errorf("openai response failed: %s", event.Response.Error.Message)
	case etError:
		return errors.Errorf("openai error: %s", event.Message)

	case etItemAdded:
		return s.itemAdded(event.Item)
	case etItemDone:
		return s.itemDone(event.Item)

	case etTextDelta:
		return s.send(chat.NewChunkTextDelta(event.ItemID, event.Delta))
	case etAnnotationAdded:
		a := event.Annotation
		if !s.model.sendSources || a.Type != "url_citation" {
			return nil
		}
		s.sources++
		return s.send(chat.NewChunkSourceURL(fmt.Sprintf("%s-%d", event.ItemID, s.sources), a.URL, a.Title))

	case etToolCallDelta:
		callID, ok := s.callIDs[event.ItemID]
		if !ok {
			return errors.Errorf("openai: arguments for unknown item %s", event.ItemID)
		}
		return s.send(chat.NewChunkToolInputDelta(callID, event.Delta))

	case etReasoningAdded:
		// summary parts of one item are joined into a single reasoning part
		if event.SummaryIndex > 0 && s.openReasons[event.ItemID] {
			return s.send(chat.NewChunkReasoningDelta(event.ItemID, "\n\n"))
		}
	case etReasoningDelta:
		if s.openReasons[event.ItemID] {
			return s.send(chat.NewChunkReasoningDelta(event.ItemID, event.Delta))
		}

	case etContentAdded, etContentDone, etTextDone, etToolCallDone, etReasoningDeltaDone, etReasoningDone:
	default:
		s.model.logger.Debug().Str("type", event.Type).Msg("unknown event type")
	}

	return nil
}

func (s *stream) itemAdded(it item) error {
	switch it.Type {
	case etfMessage:
		return s.send(chat.NewChunkTextStart(it.ID))
	case etfReasoning:
		if s.model.reasoningEffort == "" {
			return nil
		}
		s.openReasons[it.ID] = true
		return s.send(chat.NewChunkReasoningStart(it.ID))
	case etfFunctionCall:
		s.callIDs[it.ID] = it.CallID
		s.toolNames[it.ID] = it.Name
		return s.send(chat.NewChunkToolInputStart(it.CallID, it.Name))
	}
	return nil
}

func (s *stream) itemDone(it item) error {
	switch it.Type {
	case etfMessage:
		return s.send(chat.NewChunkTextEnd(it.ID))
	case etfReasoning:
		if !s.openReasons[it.ID] {
			return nil
		}
		delete(s.openReasons, it.ID)
		return s.send(chat.NewChunkReasoningEnd(it.ID))
	case etfFunctionCall:
		var input any
		if err := json.Unmarshal([]byte(it.Arguments), &input); err != nil {
			// hand the raw text over, the tool will reject it with a proper error
			input = it.Arguments
		}
		return s.send(chat.NewChunkToolInputAvailable(it.CallID, it.Name, input))
	}
	return nil
}

func (s *stream) finish(r response, reason string) {
	s.done = true
	s.result = core.StepResult{
		Model: r.Model,
		Usage: core.Usage{
			Input:     r.Usage.Input,
			Cached:    r.Usage.InputDetails.Cached,
			Output:    r.Usage.Output,
			Reasoning: r.Usage.OutputDetails.Reasoning,
			Total:     r.Usage.Input + r.Usage.Output,
			Cost:      costFromUsage(s.model.model, r.Usage),
		},
		FinishReason: reason,
	}
}

// Response and SSE types from OpenAI API

// eventRaw is the raw event from the OpenAI API.
type eventRaw struct {
	Type         string     `json:"type"`
	Response     response   `json:"response"`
	Item         item       `json:"item"`
	ItemID       string     `json:"item_id"`
	SummaryIndex int        `json:"summary_index"`
	Delta        string     `json:"delta"`
	Text         string     `json:"text"`
	Annotation   annotation `json:"annotation"`
	Message      string     `json:"message"`
}

type response struct {
	Model             string `json:"model"`
	Output            []item `json:"output"`
	Usage             usage  `json:"usage"`
	IncompleteDetails struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// item represents a single item in the response.output array, this appears in the complete
// response but also can be received from etItemAdded and etItemDone events
type item struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Role      string `json:"role"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
}

type annotation struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type usage struct {
	Input        int64 `json:"input_tokens"`
	InputDetails struct {
		Cached int64 `json:"cached_tokens"`
	} `json:"input_tokens_details"`
	Output        int64 `json:"output_tokens"`
	OutputDetails struct {
		Reasoning int64 `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

// Event types from the OpenAI API
const (
	etRespCreated        = "response.created"
	etRespProgress       = "response.in_progress"
	etRespCompleted      = "response.completed"
	etRespIncomplete     = "response.incomplete"
	etRespFailed         = "response.failed"
	etItemAdded          = "response.output_item.added"
	etItemDone           = "response.output_item.done"
	etContentAdded       = "response.content_part.added"
	etContentDone        = "response.content_part.done"
	etTextDelta          = "response.output_text.delta"
	etTextDone           = "response.output_text.done"
	etAnnotationAdded    = "response.output_text.annotation.added"
	etToolCallDelta      = "response.function_call_arguments.delta"
	etToolCallDone       = "response.function_call_arguments.done"
	etReasoningAdded     = "response.reasoning_summary_part.added"
	etReasoningDelta     = "response.reasoning_summary_text.delta"
	etReasoningDeltaDone = "response.reasoning_summary_text.done"
	etReasoningDone      = "response.reasoning_summary_part.done"
	etError              = "error"
)

// Event type field values from the OpenAI API
const (
	etfReasoning    = "reasoning"
	etfMessage      = "message"
	etfFunctionCall = "function_call"
)

const (
	responsesEndpoint = "https://api.openai.com/v1/responses"

	toolCallLimitReachedPrompt = `You have reached the maximum number of sequential tool call turns
without an user interaction. Generate a user message this turn. If you need to make further tool
calls, just let the user know and once they respond, you can continue making more tool calls.`
)
