package core

import (
	"encoding/json"
	"math"
)

type Usage struct {
	Input     int64
	Cached    int64
	Output    int64
	Reasoning int64
	Total     int64
	// unit here is thousandth of a millionth of a dollar
	// this means that a value of a billion equals 1 USD
	Cost int64
}

func (u *Usage) Inc(ou Usage) {
	u.Input += ou.Input
	u.Cached += ou.Cached
	u.Output += ou.Output
	u.Reasoning += ou.Reasoning
	u.Total += ou.Total
	u.Cost += ou.Cost
}

// Dollars returns the cost in USD.
func (u Usage) Dollars() float64 {
	return float64(u.Cost) / 1_000_000_000
}

// UsageKey is the message metadata key providers store a response's usage under.
const UsageKey = "usage"

// Metadata renders the usage as message metadata.
func (u Usage) Metadata() map[string]any {
	return map[string]any{
		UsageKey: map[string]any{
			"input":     u.Input,
			"cached":    u.Cached,
			"output":    u.Output,
			"reasoning": u.Reasoning,
			"total":     u.Total,
			"cost":      u.Cost,
		},
	}
}

// UsageFromMetadata reads back what Metadata wrote. The numbers may have been through JSON on the
// way, so float64 and json.Number are accepted as well.
func UsageFromMetadata(md map[string]any) (Usage, bool) {
	raw, ok := md[UsageKey].(map[string]any)
	if !ok {
		return Usage{}, false
	}

	return Usage{
		Input:     toInt64(raw["input"]),
		Cached:    toInt64(raw["cached"]),
		Output:    toInt64(raw["output"]),
		Reasoning: toInt64(raw["reasoning"]),
		Total:     toInt64(raw["total"]),
		Cost:      toInt64(raw["cost"]),
	}, true
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float64:
		return int64(math.Round(x))
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return int64(math.Round(f))
		}
	}
	return 0
}
