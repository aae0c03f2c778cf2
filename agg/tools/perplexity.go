// Package tools holds server tools backed by outside services.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/victhorio/opachat/agg"
	"github.com/victhorio/opachat/agg/core"
)

const (
	perplexityBaseURL = "https://api.perplexity.ai"

	webSearchTimeout        = 10 * time.Second
	agenticSearchTimeout    = 30 * time.Second
	agenticSearchTimeoutExt = 60 * time.Second
)

// Perplexity calls the Perplexity search and Sonar APIs on behalf of the web search tools.
type Perplexity struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

type Option func(*Perplexity)

// WithBaseURL points the tools at another host, mostly for tests.
func WithBaseURL(url string) Option {
	return func(p *Perplexity) { p.baseURL = strings.TrimRight(url, "/") }
}

func WithHTTPClient(client *http.Client) Option {
	return func(p *Perplexity) { p.client = client }
}

func NewPerplexity(apiKey string, opts ...Option) *Perplexity {
	p := &Perplexity{
		apiKey:  apiKey,
		baseURL: perplexityBaseURL,
		client:  http.DefaultClient,
		logger:  log.Logger.With().Str("component", "perplexity").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WebSearchTool returns up to 5 results with content snippets (max 1024 tokens per page), as JSON.
func (p *Perplexity) WebSearchTool(spec core.Tool) agg.Tool {
	handler := func(ctx context.Context, args struct {
		Query string `json:"query"`
	}) (string, error) {
		if strings.TrimSpace(args.Query) == "" {
			return "<error>query cannot be empty</error>", nil
		}

		reqBody := webSearchRequest{
			Query:            args.Query,
			MaxResults:       5,
			MaxTokensPerPage: 1024,
		}

		respBody, status, err := p.post(ctx, "/search", reqBody, webSearchTimeout)
		if err != nil {
			return "", errors.Wrap(err, "WebSearch")
		}
		if status != http.StatusOK {
			return fmt.Sprintf("[WebSearch API returned status code %d]", status), nil
		}

		var resp webSearchResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return "", errors.Wrap(err, "WebSearch: parse response")
		}
		if resp.Results == nil {
			p.logger.Warn().Str("body", truncate(respBody)).Msg("search response without results")
			return "[WebSearch API returned response without results]", nil
		}

		resultsJSON, err := json.Marshal(resp.Results)
		if err != nil {
			return "", errors.Wrap(err, "WebSearch: marshal results")
		}
		return string(resultsJSON), nil
	}

	return agg.NewTool(handler, spec)
}

// AgenticSearchTool has a Sonar model answer a prompt grounded in search results, which are listed
// as numbered references after the answer.
func (p *Perplexity) AgenticSearchTool(spec core.Tool) agg.Tool {
	handler := func(ctx context.Context, args struct {
		Prompt    string `json:"prompt"`
		Reasoning bool   `json:"reasoning"`
	}) (string, error) {
		if strings.TrimSpace(args.Prompt) == "" {
			return "<error>prompt cannot be empty</error>", nil
		}

		model := "sonar-pro"
		contextSize := "low"
		timeout := agenticSearchTimeout
		if args.Reasoning {
			model = "sonar-reasoning-pro"
			contextSize = "medium"
			timeout = agenticSearchTimeoutExt
		}

		reqBody := agenticSearchRequest{
			Model:            model,
			Messages:         []agenticSearchMessage{{Role: "user", Content: args.Prompt}},
			WebSearchOptions: &agenticSearchWebSearchOpt{SearchContextSize: contextSize},
		}

		respBody, status, err := p.post(ctx, "/chat/completions", reqBody, timeout)
		if err != nil {
			return "", errors.Wrap(err, "AgenticWebSearch")
		}
		if status != http.StatusOK {
			return fmt.Sprintf("[AgenticWebSearch API returned status code %d]", status), nil
		}

		var resp agenticSearchResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return "", errors.Wrap(err, "AgenticWebSearch: parse response")
		}
		if len(resp.Choices) == 0 {
			return "[AgenticWebSearch API returned no choices]", nil
		}

		content := resp.Choices[0].Message.Content
		if args.Reasoning {
			content = stripThinkTags(content)
		}
		if resp.Usage != nil && resp.Usage.Cost != nil {
			p.logger.Debug().Float64("cost", resp.Usage.Cost.TotalCost).Str("model", model).Msg("agentic search")
		}

		return formatAgenticSearchResponse(content, resp.SearchResults), nil
	}

	return agg.NewTool(handler, spec)
}

// WebSearch API types

type webSearchRequest struct {
	Query            string `json:"query"`
	MaxResults       int    `json:"max_results"`
	MaxTokensPerPage int    `json:"max_tokens_per_page"`
}

type webSearchResponse struct {
	Results []webSearchResult `json:"results"`
}

type webSearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Date    string `json:"date"`
}

// AgenticWebSearch API types

type agenticSearchRequest struct {
	Model            string                     `json:"model"`
	Messages         []agenticSearchMessage     `json:"messages"`
	WebSearchOptions *agenticSearchWebSearchOpt `json:"web_search_options"`
}

type agenticSearchMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type agenticSearchWebSearchOpt struct {
	SearchContextSize string `json:"search_context_size"`
}

type agenticSearchResponse struct {
	Choices       []agenticSearchChoice `json:"choices"`
	SearchResults []agenticSearchSource `json:"search_results"`
	Usage         *agenticSearchUsage   `json:"usage,omitempty"`
}

type agenticSearchChoice struct {
	Message agenticSearchMessage `json:"message"`
}

type agenticSearchSource struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Date  string `json:"date"`
}

type agenticSearchUsage struct {
	Cost *agenticSearchCost `json:"cost,omitempty"`
}

type agenticSearchCost struct {
	TotalCost float64 `json:"total_cost"`
}

// post sends reqBody to path and returns the response body and status code.
func (p *Perplexity) post(ctx context.Context, path string, reqBody any, timeout time.Duration) ([]byte, int, error) {
	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return nil, 0, errors.Wrap(err, "marshal request")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(reqJSON))
	if err != nil {
		return nil, 0, errors.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "read response body")
	}

	event := p.logger.Debug()
	if resp.StatusCode != http.StatusOK {
		event = p.logger.Warn().Str("body", truncate(body))
	}
	event.Str("path", path).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("perplexity request")

	return body, resp.StatusCode, nil
}

func truncate(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// stripThinkTags removes everything up to and including the </think> marker in reasoning mode.
// If no </think> marker is found, returns the content as-is.
func stripThinkTags(content string) string {
	_, after, ok := strings.Cut(content, "</think>")
	if !ok {
		return content
	}
	return strings.TrimLeft(after, "\n")
}

func formatAgenticSearchResponse(content string, sources []agenticSearchSource) string {
	var sb strings.Builder

	sb.WriteString("<result>\n")
	sb.WriteString(content)
	sb.WriteString("\n</result>\n\n<references>\n")

	for i, source := range sources {
		date := source.Date
		if date == "" {
			date = "N/A"
		}
		// Citations are 1-based indices: [1], [2], etc.
		fmt.Fprintf(&sb, "- [%d] %s (%s) [%s]\n", i+1, source.Title, date, source.URL)
	}

	sb.WriteString("</references>")

	return sb.String()
}
