package openai

import (
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Model holds OpenAI-specific configuration for making API requests. It implements core.Model.
type Model struct {
	model           ModelID
	reasoningEffort string

	endpoint    string
	apiKey      string
	client      *http.Client
	sendSources bool

	logger zerolog.Logger
}

type Option func(*Model)

// WithEndpoint points the model at another Responses API compatible endpoint.
func WithEndpoint(url string) Option {
	return func(m *Model) { m.endpoint = url }
}

// WithAPIKey overrides the key read from OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(m *Model) { m.apiKey = key }
}

func WithHTTPClient(client *http.Client) Option {
	return func(m *Model) { m.client = client }
}

// WithSources streams url citations back as source parts.
func WithSources(send bool) Option {
	return func(m *Model) { m.sendSources = send }
}

// NewModel creates a new OpenAI Model with the given configuration.
func NewModel(model ModelID, reasoningEffort string, opts ...Option) *Model {
	m := &Model{
		model:           model,
		reasoningEffort: reasoningEffort,
		endpoint:        responsesEndpoint,
		apiKey:          os.Getenv("OPENAI_API_KEY"),
		client:          http.DefaultClient,
		logger:          log.Logger.With().Str("component", "openai").Str("model", string(model)).Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type ModelID string

const (
	GPT51     ModelID = "gpt-5.1"
	GPT5Mini  ModelID = "gpt-5-mini"
	GPT5Nano  ModelID = "gpt-5-nano"
	GPT41     ModelID = "gpt-4.1"
	GPT41Mini ModelID = "gpt-4.1-mini"
)

// unit is thousandth of a millionth of a dollar per token, same as core.Usage.Cost
type modelCost struct {
	In          int64
	InCacheRead int64
	Out         int64
}

var modelCosts = map[ModelID]modelCost{
	GPT51: {
		In:          1250,  // $1.250 per 1M
		InCacheRead: 125,   // $0.125 per 1M
		Out:         10000, // $10.000 per 1M
	},
	GPT5Mini: {
		In:          250,  // $0.250 per 1M
		InCacheRead: 25,   // $0.025 per 1M
		Out:         2000, // $2.000 per 1M
	},
	GPT5Nano: {
		In:          50,  // $0.050 per 1M
		InCacheRead: 5,   // $0.005 per 1M
		Out:         400, // $0.400 per 1M
	},
	GPT41: {
		In:          2000, // $2.000 per 1M
		InCacheRead: 500,  // $0.500 per 1M
		Out:         8000, // $8.000 per 1M
	},
	GPT41Mini: {
		In:          400,  // $0.400 per 1M
		InCacheRead: 100,  // $0.100 per 1M
		Out:         1600, // $1.600 per 1M
	},
}

// costFromUsage prices a response. Input tokens include the cached ones, which are billed at the
// cache read rate instead.
func costFromUsage(model ModelID, u usage) int64 {
	costs, ok := modelCosts[model]
	if !ok {
		log.Warn().Str("model", string(model)).Msg("cannot compute costs: unknown model")
		return 0
	}

	cached := u.InputDetails.Cached
	return costs.In*(u.Input-cached) +
		costs.InCacheRead*cached +
		costs.Out*u.Output
}
