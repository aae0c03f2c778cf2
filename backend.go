package main

import (
	"context"
	"os"
	"time"

	"github.com/atotto/clipboard"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/victhorio/opachat/agg"
	"github.com/victhorio/opachat/agg/anthropic"
	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/agg/echo"
	"github.com/victhorio/opachat/agg/openai"
	"github.com/victhorio/opachat/agg/tools"
	"github.com/victhorio/opachat/chat"
	"github.com/victhorio/opachat/completion"
	"github.com/victhorio/opachat/notes"
	"github.com/victhorio/opachat/prompts"
	"github.com/victhorio/opachat/relay"
)

const notesDebounce = 500 * time.Millisecond

// backend is what a command needs to talk to a model: the chat transport, the completion
// streamer and the tools answered on this side of the transport.
type backend struct {
	transport   chat.Transport
	completer   completion.Streamer
	clientTools *agg.ToolRegistry
}

func newModel(cfg Config) (core.Model, completion.Streamer, error) {
	switch cfg.Provider {
	case providerEcho:
		m := echo.New(cfg.EchoDelay)
		return m, m, nil
	case providerOpenAI:
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, nil, errors.New("newModel: OPENAI_API_KEY is not set")
		}

		opts := []openai.Option{openai.WithAPIKey(key), openai.WithSources(cfg.Sources)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithEndpoint(cfg.BaseURL+"/responses"))
		}

		id := openai.ModelID(cfg.Model)
		model := openai.NewModel(id, cfg.ReasoningEffort, opts...)
		completer := openai.NewCompleter(key, cfg.BaseURL, id, prompts.CompletionSysPrompt)
		return model, completer, nil
	case providerAnthropic:
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, nil, errors.New("newModel: ANTHROPIC_API_KEY is not set")
		}

		opts := []anthropic.Option{
			anthropic.WithAPIKey(key),
			anthropic.WithCompletionSystem(prompts.CompletionSysPrompt),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithEndpoint(cfg.BaseURL+"/messages"))
		}

		model := anthropic.NewModel(anthropic.ModelID(cfg.Model), cfg.MaxTokens, cfg.ThinkingBudget, cfg.PromptCache, opts...)
		return model, model, nil
	}
	return nil, nil, errors.Errorf("newModel: unknown provider %q", cfg.Provider)
}

// openNotes opens and watches the notes directory. A nil Dir means no notes are configured.
func openNotes(ctx context.Context, cfg Config) (*notes.Dir, error) {
	if cfg.NotesDir == "" {
		return nil, nil
	}

	dir, err := notes.Open(cfg.NotesDir)
	if err != nil {
		return nil, errors.Wrap(err, "openNotes")
	}
	if err := dir.Watch(ctx, notesDebounce); err != nil {
		log.Warn().Err(err).Msg("notes will not be refreshed on change")
	}
	return dir, nil
}

// newAgent builds the in-process agent with every server tool, announcing the client tools so the
// model can call them.
func newAgent(ctx context.Context, cfg Config, clientTools *agg.ToolRegistry) (*agg.Agent, completion.Streamer, error) {
	model, completer, err := newModel(cfg)
	if err != nil {
		return nil, nil, err
	}

	dir, err := openNotes(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	var clientSpecs []core.Tool
	if clientTools != nil {
		clientSpecs = clientTools.Specs()
	}

	var search *tools.Perplexity
	if key := os.Getenv("PERPLEXITY_API_KEY"); key != "" {
		search = tools.NewPerplexity(key)
	}

	agent := agg.NewAgent(prompts.ChatSysPrompt, model, serverTools(dir, search, time.Now), clientSpecs...)
	return agent, completer, nil
}

// newBackend talks to the relay when one is configured and runs the agent in process otherwise.
func newBackend(ctx context.Context, cfg Config) (*backend, error) {
	clientTools := newClientTools()

	if cfg.RelayURL != "" {
		var opts []relay.ClientOption
		if cfg.WebSocketResume {
			opts = append(opts, relay.WithWebSocketResume())
		}
		client := relay.NewClient(cfg.RelayURL, opts...)
		return &backend{transport: client, completer: client, clientTools: clientTools}, nil
	}

	agent, completer, err := newAgent(ctx, cfg, clientTools)
	if err != nil {
		return nil, err
	}
	return &backend{transport: agent, completer: completer, clientTools: clientTools}, nil
}

// newClientTools are the tools the terminal answers. A server announces the same set, so a
// terminal attached to it can answer them as well.
func newClientTools() *agg.ToolRegistry {
	return agg.NewToolRegistry(createCopyToClipboardTool(clipboard.WriteAll))
}

func openStore(cfg Config) (*agg.SQLiteStore, error) {
	store, err := agg.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, "openStore")
	}
	return store, nil
}
