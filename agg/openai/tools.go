package openai

import (
	"sort"

	"github.com/victhorio/opachat/agg/core"
)

type tool struct {
	Type        string     `json:"type"` // always "function"
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  toolParams `json:"parameters"`
	Strict      bool       `json:"strict"`
}

type toolParams struct {
	Type                 core.JSType          `json:"type"` // always "object"
	Properties           map[string]paramProp `json:"properties"`
	Required             []string             `json:"required"`
	AdditionalProperties *bool                `json:"additionalProperties,omitempty"`
}

type paramProp struct {
	Type        any    `json:"type,omitempty"`
	Description string `json:"description,omitempty"`

	// structural
	Items *paramProp `json:"items,omitempty"`

	// validation / constraints
	Enum []string `json:"enum,omitempty"`
}

func fromCoreTools(tools []core.Tool) []tool {
	adapted := make([]tool, 0, len(tools))
	for _, tool := range tools {
		adapted = append(adapted, fromCoreTool(tool))
	}
	return adapted
}

// fromCoreTool builds a strict function tool. Strict mode wants every property listed as required,
// so optional ones are expressed as nullable types instead.
func fromCoreTool(x core.Tool) tool {
	r := tool{
		Type:        "function",
		Name:        x.Name,
		Description: x.Desc,
		Parameters: toolParams{
			Type:                 "object",
			Properties:           make(map[string]paramProp, len(x.Params)),
			Required:             make([]string, 0, len(x.Params)),
			AdditionalProperties: boolPtr(false),
		},
		Strict: true,
	}

	for paramName, param := range x.Params {
		r.Parameters.Required = append(r.Parameters.Required, paramName)
		r.Parameters.Properties[paramName] = fromCoreParam(param)
	}
	sort.Strings(r.Parameters.Required)

	return r
}

func fromCoreParam(p core.ToolParam) paramProp {
	prop := paramProp{
		Type:        p.Type,
		Description: p.Desc,
		Enum:        p.Enum,
	}
	if p.Nullable != nil && *p.Nullable {
		prop.Type = []core.JSType{p.Type, "null"}
	}
	if p.Items != nil {
		items := fromCoreParam(*p.Items)
		prop.Items = &items
	}
	return prop
}

func boolPtr(b bool) *bool {
	return &b
}
