package prompts

import (
	"embed"
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"

	"github.com/victhorio/opachat/agg/core"
)

//go:embed chat.txt
var ChatSysPrompt string

//go:embed completion.txt
var CompletionSysPrompt string

//go:embed tools/*.yaml
var toolSpecs embed.FS

// LoadToolSpec loads a tool specification from the embedded YAML files.
// The name should be the snake_case version of the tool name (e.g., "read_note", "search_notes").
// Returns an error if the spec file is missing or malformed.
func LoadToolSpec(name string) (core.Tool, error) {
	filename := fmt.Sprintf("tools/%s.yaml", name)
	data, err := toolSpecs.ReadFile(filename)
	if err != nil {
		return core.Tool{}, errors.Wrapf(err, "failed to read tool spec %s", filename)
	}

	var spec core.Tool
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return core.Tool{}, errors.Wrapf(err, "failed to unmarshal tool spec %s", filename)
	}
	if spec.Name == "" {
		return core.Tool{}, errors.Errorf("tool spec %s has no name", filename)
	}

	return spec, nil
}

// MustLoadToolSpec is LoadToolSpec for the specs shipped with the binary, which are covered by tests.
func MustLoadToolSpec(name string) core.Tool {
	spec, err := LoadToolSpec(name)
	if err != nil {
		panic(err)
	}
	return spec
}
