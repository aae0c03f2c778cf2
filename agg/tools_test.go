package agg

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func newAddTool() Tool {
	return NewTool(func(ctx context.Context, args addArgs) (string, error) {
		return fmt.Sprintf("%d", args.A+args.B), nil
	}, core.Tool{Name: "add", Desc: "adds two numbers"})
}

func TestToolRegistryCall(t *testing.T) {
	r := NewToolRegistry(newAddTool())

	tests := []struct {
		name    string
		tool    string
		args    string
		want    string
		wantErr string
	}{
		{"ok", "add", `{"a": 2, "b": 3}`, "5", ""},
		{"unknown field", "add", `{"a": 2, "c": 3}`, "", "unknown field"},
		{"trailing junk", "add", `{"a": 2} {}`, "", "extra JSON values"},
		{"missing tool", "sub", `{}`, "", "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Call(context.Background(), tt.tool, []byte(tt.args))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestToolRegistryResolve(t *testing.T) {
	r := NewToolRegistry(newAddTool())

	res := r.Resolve(context.Background(), chat.ToolCall{
		ToolCallID: "c1",
		ToolName:   "add",
		Input:      map[string]any{"a": 1.0, "b": 41.0},
	})
	if res.ErrorText != "" {
		t.Fatalf("unexpected error result: %s", res.ErrorText)
	}
	if res.Output != "42" || res.ToolCallID != "c1" {
		t.Fatalf("expected output 42 for c1, got %+v", res)
	}

	res = r.Resolve(context.Background(), chat.ToolCall{ToolCallID: "c2", ToolName: "nope"})
	if res.ErrorText == "" {
		t.Fatalf("expected an error result for an unknown tool")
	}
}

func TestToolRegistryDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()

	r := NewToolRegistry(newAddTool())
	r.Register(newAddTool())
}

func TestToolRegistrySpecsSorted(t *testing.T) {
	r := NewToolRegistry(
		NewTool(func(context.Context, struct{}) (string, error) { return "", nil }, core.Tool{Name: "zeta"}),
		newAddTool(),
	)

	specs := r.Specs()
	if len(specs) != 2 || specs[0].Name != "add" || specs[1].Name != "zeta" {
		t.Fatalf("expected [add zeta], got %+v", specs)
	}
	if !r.Has("zeta") || r.Has("beta") {
		t.Fatalf("unexpected Has results")
	}
}
