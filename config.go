package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

const (
	providerOpenAI    = "openai"
	providerAnthropic = "anthropic"
	providerEcho      = "echo"
)

var defaultModels = map[string]string{
	providerOpenAI:    "gpt-5.1",
	providerAnthropic: "claude-haiku-4-5-20251001",
}

// Config is read from ~/.config/opachat/config.yaml unless --config says otherwise. Every field
// is optional.
type Config struct {
	// Provider is "openai", "anthropic" or "echo". Keys come from OPENAI_API_KEY and
	// ANTHROPIC_API_KEY.
	Provider        string        `yaml:"provider"`
	Model           string        `yaml:"model"`
	ReasoningEffort string        `yaml:"reasoning_effort"`
	Sources         bool          `yaml:"sources"`
	BaseURL         string        `yaml:"base_url"`
	EchoDelay       time.Duration `yaml:"echo_delay"`

	// Anthropic only. Thinking is enabled with a budget of at least 1024 tokens, which has to
	// stay below MaxTokens.
	MaxTokens      int  `yaml:"max_tokens"`
	ThinkingBudget int  `yaml:"thinking_budget"`
	PromptCache    bool `yaml:"prompt_cache"`

	DBPath   string `yaml:"db_path"`
	NotesDir string `yaml:"notes_dir"`

	// RelayURL makes the terminal client talk to an `opachat serve` instance instead of running
	// the provider in process.
	RelayURL        string `yaml:"relay_url"`
	WebSocketResume bool   `yaml:"websocket_resume"`

	Listen      string  `yaml:"listen"`
	KeepStreams bool    `yaml:"keep_streams"`
	RPS         float64 `yaml:"rps"`
	Burst       int     `yaml:"burst"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

func defaultConfig() Config {
	return Config{
		Provider:        providerOpenAI,
		ReasoningEffort: "low",
		EchoDelay:       30 * time.Millisecond,
		MaxTokens:       4096,
		PromptCache:     true,
		DBPath:          "~/.opachat/chats.db",
		Listen:          "127.0.0.1:8080",
		KeepStreams:     true,
		LogLevel:        "info",
	}
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "opachat", "config.yaml")
}

// loadConfig reads path over the defaults. A missing file is only an error when the path was
// given explicitly.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
				return Config{}, errors.Wrapf(err, "loadConfig: parse %s", path)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return Config{}, errors.Wrap(err, "loadConfig")
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, errors.Wrapf(err, "loadConfig: %s", path)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	switch c.Provider {
	case providerOpenAI, providerAnthropic, providerEcho:
	default:
		return errors.Errorf("unknown provider %q", c.Provider)
	}
	if c.Model == "" {
		c.Model = defaultModels[c.Provider]
	}

	if c.ThinkingBudget != 0 && (c.ThinkingBudget < 1024 || c.ThinkingBudget >= c.MaxTokens) {
		return errors.Errorf("thinking_budget must be at least 1024 and below max_tokens (%d)", c.MaxTokens)
	}

	if c.RPS < 0 || c.Burst < 0 {
		return errors.New("rps and burst cannot be negative")
	}

	var err error
	if c.DBPath, err = expandHome(c.DBPath); err != nil {
		return err
	}
	if c.LogFile, err = expandHome(c.LogFile); err != nil {
		return err
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
