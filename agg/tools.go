package agg

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
)

type Tool struct {
	Handler ToolHandler
	Spec    core.Tool
}

func NewTool[T any](f ToolCallable[T], spec core.Tool) Tool {
	return Tool{
		Handler: createHandler(f),
		Spec:    spec,
	}
}

type ToolCallable[T any] func(context.Context, T) (string, error)
type ToolHandler func(context.Context, json.RawMessage) (string, error)

type ToolRegistry struct {
	m     map[string]ToolHandler
	specs map[string]core.Tool
}

func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{
		m:     make(map[string]ToolHandler),
		specs: make(map[string]core.Tool),
	}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func (r *ToolRegistry) Register(t Tool) {
	name := t.Spec.Name
	if _, ok := r.m[name]; ok {
		panic(errors.Errorf("ToolRegistry.Register: tool %s already registered", name))
	}

	r.m[name] = t.Handler
	r.specs[name] = t.Spec
}

func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.m[name]
	return ok
}

// Specs returns the registered tool specs sorted by name.
func (r *ToolRegistry) Specs() []core.Tool {
	specs := make([]core.Tool, 0, len(r.specs))
	for _, s := range r.specs {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func (r *ToolRegistry) Call(ctx context.Context, name string, args []byte) (string, error) {
	h, ok := r.m[name]
	if !ok {
		return "", errors.Errorf("ToolRegistry.Call: tool %s not found", name)
	}

	out, err := h(ctx, json.RawMessage(args))
	if err != nil {
		return "", errors.Wrap(err, "ToolRegistry.Call: error calling handler")
	}

	return out, nil
}

// Resolve runs a tool call coming out of a chat stream and turns the outcome into the result the
// chat expects. Failures become error results so the model gets to see them.
func (r *ToolRegistry) Resolve(ctx context.Context, call chat.ToolCall) chat.ToolResult {
	args, err := json.Marshal(call.Input)
	if err != nil {
		return chat.ToolResult{ToolCallID: call.ToolCallID, ErrorText: err.Error()}
	}
	if call.Input == nil {
		args = []byte("{}")
	}

	out, err := r.Call(ctx, call.ToolName, args)
	if err != nil {
		return chat.ToolResult{ToolCallID: call.ToolCallID, ErrorText: err.Error()}
	}
	return chat.ToolResult{ToolCallID: call.ToolCallID, Output: out}
}

func createHandler[T any](f ToolCallable[T]) ToolHandler {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args T

		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields() // let's catch problems early
		if err := dec.Decode(&args); err != nil {
			return "", errors.Wrap(err, "handler: invalid args")
		}

		if dec.More() {
			// make sure there's no trailing junk
			return "", errors.Errorf("handler: invalid args: extra JSON values: %s", raw)
		}

		return f(ctx, args)
	}
}
