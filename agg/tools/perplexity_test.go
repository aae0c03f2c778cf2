package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/victhorio/opachat/agg/core"
)

func newPerplexityServer(t *testing.T, status int, response string, seen map[string]any) *Perplexity {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer pplx-key" {
			t.Errorf("expected bearer pplx-key, got %q", got)
		}
		if seen != nil {
			raw, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(raw, &seen); err != nil {
				t.Errorf("failed to decode request body: %v", err)
			}
			seen["path"] = r.URL.Path
		}
		w.WriteHeader(status)
		io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)

	return NewPerplexity("pplx-key", WithBaseURL(srv.URL+"/"), WithHTTPClient(srv.Client()))
}

func TestWebSearchTool(t *testing.T) {
	seen := map[string]any{}
	p := newPerplexityServer(t, http.StatusOK,
		`{"results":[{"title":"Go","url":"https://go.dev","snippet":"The Go language","date":"2025-01-01"}]}`, seen)

	tool := p.WebSearchTool(core.Tool{Name: "WebSearch"})
	out, err := tool.Handler(context.Background(), json.RawMessage(`{"query":"golang"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `[{"title":"Go","url":"https://go.dev","snippet":"The Go language","date":"2025-01-01"}]`
	if out != expected {
		t.Errorf("expected %s, got %s", expected, out)
	}
	if seen["path"] != "/search" || seen["query"] != "golang" || seen["max_results"] != float64(5) {
		t.Errorf("unexpected request %v", seen)
	}
}

func TestWebSearchToolFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response string
		args     string
		expected string
	}{
		{"bad status", http.StatusTooManyRequests, `{}`, `{"query":"x"}`, "[WebSearch API returned status code 429]"},
		{"no results", http.StatusOK, `{}`, `{"query":"x"}`, "[WebSearch API returned response without results]"},
		{"empty query", http.StatusOK, `{}`, `{"query":"  "}`, "<error>query cannot be empty</error>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPerplexityServer(t, tt.status, tt.response, nil)
			out, err := p.WebSearchTool(core.Tool{Name: "WebSearch"}).Handler(context.Background(), json.RawMessage(tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, out)
			}
		})
	}

	p := newPerplexityServer(t, http.StatusOK, `not json`, nil)
	if _, err := p.WebSearchTool(core.Tool{Name: "WebSearch"}).Handler(context.Background(), json.RawMessage(`{"query":"x"}`)); err == nil {
		t.Error("expected an error for a malformed response")
	}
}

func TestAgenticSearchTool(t *testing.T) {
	seen := map[string]any{}
	p := newPerplexityServer(t, http.StatusOK, `{
		"choices":[{"message":{"role":"assistant","content":"<think>hmm</think>\nParis [1]"}}],
		"search_results":[{"title":"France","url":"https://fr.example"}],
		"usage":{"cost":{"total_cost":0.01}}
	}`, seen)

	tool := p.AgenticSearchTool(core.Tool{Name: "AgenticWebSearch"})
	out, err := tool.Handler(context.Background(), json.RawMessage(`{"prompt":"capital of France","reasoning":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := "<result>\nParis [1]\n</result>\n\n<references>\n- [1] France (N/A) [https://fr.example]\n</references>"
	if out != expected {
		t.Errorf("expected %q, got %q", expected, out)
	}
	if seen["path"] != "/chat/completions" || seen["model"] != "sonar-reasoning-pro" {
		t.Errorf("unexpected request %v", seen)
	}
}

func TestStripThinkTags(t *testing.T) {
	if got := stripThinkTags("no tags here"); got != "no tags here" {
		t.Errorf("expected content untouched, got %q", got)
	}
	if got := stripThinkTags("<think>a</think>answer"); got != "answer" {
		t.Errorf("expected answer, got %q", got)
	}
	if !strings.HasSuffix(truncate([]byte(strings.Repeat("x", 600))), "...") {
		t.Error("expected long bodies to be truncated")
	}
}
