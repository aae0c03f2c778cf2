package anthropic

import (
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Model holds Anthropic-specific configuration for making API requests. It implements core.Model
// and completion.Streamer.
type Model struct {
	model        ModelID
	maxTok       int
	maxTokReason int
	shouldCache  bool

	completionSystem string

	endpoint string
	apiKey   string
	client   *http.Client

	logger zerolog.Logger
}

type Option func(*Model)

// WithEndpoint points the model at another Messages API compatible endpoint.
func WithEndpoint(url string) Option {
	return func(m *Model) { m.endpoint = url }
}

// WithAPIKey overrides the key read from ANTHROPIC_API_KEY.
func WithAPIKey(key string) Option {
	return func(m *Model) { m.apiKey = key }
}

func WithHTTPClient(client *http.Client) Option {
	return func(m *Model) { m.client = client }
}

// WithCompletionSystem sets the system prompt used by StreamCompletion.
func WithCompletionSystem(prompt string) Option {
	return func(m *Model) { m.completionSystem = prompt }
}

// NewModel creates a new Anthropic Model. Extended thinking is enabled when maxTokReason is at
// least 1024; it has to stay below maxTok. With shouldCache the conversation prefix is marked for
// prompt caching.
func NewModel(model ModelID, maxTok int, maxTokReason int, shouldCache bool, opts ...Option) *Model {
	m := &Model{
		model:        model,
		maxTok:       maxTok,
		maxTokReason: maxTokReason,
		shouldCache:  shouldCache,
		endpoint:     messagesEndpoint,
		apiKey:       os.Getenv("ANTHROPIC_API_KEY"),
		client:       http.DefaultClient,
		logger:       log.Logger.With().Str("component", "anthropic").Str("model", string(model)).Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Model) thinking() bool {
	return m.maxTokReason >= 1024
}

type ModelID string

const (
	Haiku  ModelID = "claude-haiku-4-5-20251001"
	Sonnet ModelID = "claude-sonnet-4-5-20250929"
	Opus   ModelID = "claude-opus-4-5-20251101"
)

// unit is thousandth of a millionth of a dollar per token, same as core.Usage.Cost; cache writes
// are priced for the 5m TTL
type modelCost struct {
	In           int64
	InCacheWrite int64
	InCacheRead  int64
	Out          int64
}

var modelCosts = map[ModelID]modelCost{
	Haiku: {
		In:           1000, // $1.000 per 1M
		InCacheWrite: 1250, // $1.250 per 1M
		InCacheRead:  100,  // $0.100 per 1M
		Out:          5000, // $5.000 per 1M
	},
	Sonnet: {
		In:           3000,  // $3.000 per 1M
		InCacheWrite: 3750,  // $3.750 per 1M
		InCacheRead:  300,   // $0.300 per 1M
		Out:          15000, // $15.000 per 1M
	},
	Opus: {
		In:           5000,  // $5.000 per 1M
		InCacheWrite: 6250,  // $6.250 per 1M
		InCacheRead:  500,   // $0.500 per 1M
		Out:          25000, // $25.000 per 1M
	},
}

func costFromUsage(model ModelID, u usage) int64 {
	costs, ok := modelCosts[model]
	if !ok {
		log.Warn().Str("model", string(model)).Msg("cannot compute costs: unknown model")
		return 0
	}

	return costs.In*u.In +
		costs.InCacheWrite*u.InCacheWrite +
		costs.InCacheRead*u.InCacheRead +
		costs.Out*u.Out
}
