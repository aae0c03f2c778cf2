package core

// Tool describes a function the model may call.
type Tool struct {
	Name   string               `json:"name"`
	Desc   string               `json:"desc"`
	Params map[string]ToolParam `json:"params"`
	// Client marks tools answered by the UI rather than by the server.
	Client bool `json:"client,omitempty"`
}

type ToolParam struct {
	Type JSType `json:"type"`
	Desc string `json:"description"`

	// we can tell that the type is nullable
	Nullable *bool `json:"nullable,omitempty"`

	// if Type == JSTArray, Items indicate the type of the items in the array
	Items *ToolParam `json:"items,omitempty"`

	// if Type == JSTString it can optionally be an enumerator with specific values
	Enum []string `json:"enum,omitempty"`
}

type JSType string

const (
	JSTString  JSType = "string"
	JSTNumber  JSType = "number"
	JSTInteger JSType = "integer"
	JSTBoolean JSType = "boolean"
	JSTArray   JSType = "array"
)
