package chat

import (
	"reflect"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type weather struct {
	City    string  `json:"city"`
	Celsius float64 `json:"celsius,omitempty"`
	Hidden  string  `json:"-"`
	Plain   int
	private int
}

func TestPurifyMessageFlattensStructs(t *testing.T) {
	m := UIMessage{
		ID:   "a1",
		Role: RoleAssistant,
		Parts: []Part{
			NewPartTool("c1", "weather", ToolOutputAvailable, weather{City: "Lisbon"}),
		},
	}
	m.Parts[0].Tool.Output = &weather{City: "Porto", Celsius: 21, Hidden: "x", Plain: 3, private: 4}

	got, err := purifyMessage(m)
	require.NoError(t, err)

	tool, ok := got.Parts[0].AsTool()
	require.True(t, ok)
	require.Equal(t, map[string]any{"city": "Lisbon", "celsius": float64(0), "Plain": 0}, tool.Input)
	require.Equal(t, map[string]any{"city": "Porto", "celsius": float64(21), "Plain": 3}, tool.Output)
}

func TestPurifyMessageDropsNonStringKeys(t *testing.T) {
	m := UIMessage{
		ID:   "u1",
		Role: RoleUser,
		Metadata: map[string]any{
			"nested": map[any]any{"keep": 1, 2: "drop", true: "drop"},
			"ints":   map[int]string{1: "drop"},
		},
	}

	got, err := purifyMessage(m)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"keep": 1}, got.Metadata["nested"])
	require.Equal(t, map[string]any{}, got.Metadata["ints"])
}

func TestPurifyMessageRejectsFunctions(t *testing.T) {
	cases := map[string]any{
		"func": func() {},
		"chan": make(chan int),
		"deep": map[string]any{"list": []any{1, func() {}}},
	}

	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := purifyMessage(UIMessage{ID: "m", Metadata: map[string]any{"v": v}})
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrNotPlainData))
		})
	}
}

func TestPurifyMessageKeepsCycles(t *testing.T) {
	cyclic := map[string]any{"name": "root"}
	cyclic["self"] = cyclic

	got, err := purifyMessage(UIMessage{ID: "m", Metadata: map[string]any{"c": cyclic}})
	require.NoError(t, err)

	c, ok := got.Metadata["c"].(map[string]any)
	require.True(t, ok)
	self, ok := c["self"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, reflect.ValueOf(c).Pointer(), reflect.ValueOf(self).Pointer())
	require.NotEqual(t, reflect.ValueOf(cyclic).Pointer(), reflect.ValueOf(c).Pointer())
}

func TestPurifyMessageDetachesFromInput(t *testing.T) {
	list := []any{"a", "b"}
	m := UIMessage{
		ID:       "m",
		Role:     RoleUser,
		Parts:    []Part{NewPartText("hi")},
		Metadata: map[string]any{"list": list, "raw": []byte("xy")},
	}

	got, err := purifyMessage(m)
	require.NoError(t, err)

	list[0] = "changed"
	m.Parts[0].Text.Text = "changed"
	m.Metadata["extra"] = true

	require.Equal(t, []any{"a", "b"}, got.Metadata["list"])
	require.Equal(t, []byte("xy"), got.Metadata["raw"])
	require.Equal(t, "hi", got.Text())
	require.NotContains(t, got.Metadata, "extra")
}
