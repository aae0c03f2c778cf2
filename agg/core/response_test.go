package core

import (
	"encoding/json"
	"testing"
)

func TestUsageMetadataRoundTripThroughJSON(t *testing.T) {
	u := Usage{Input: 1024, Cached: 512, Output: 256, Reasoning: 64, Total: 1280, Cost: 3_500_000}

	raw, err := json.Marshal(u.Metadata())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var md map[string]any
	if err := json.Unmarshal(raw, &md); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := UsageFromMetadata(md)
	if !ok {
		t.Fatalf("expected usage in metadata")
	}
	if got != u {
		t.Fatalf("expected %+v, got %+v", u, got)
	}
}

func TestUsageFromMetadataMissing(t *testing.T) {
	if _, ok := UsageFromMetadata(nil); ok {
		t.Fatalf("expected no usage in nil metadata")
	}
	if _, ok := UsageFromMetadata(map[string]any{"usage": "nope"}); ok {
		t.Fatalf("expected no usage for malformed entry")
	}
}

func TestUsageInc(t *testing.T) {
	u := Usage{Input: 1, Output: 2, Total: 3, Cost: 10}
	u.Inc(Usage{Input: 10, Cached: 5, Output: 20, Total: 30, Cost: 1_000_000_000})

	expected := Usage{Input: 11, Cached: 5, Output: 22, Total: 33, Cost: 1_000_000_010}
	if u != expected {
		t.Fatalf("expected %+v, got %+v", expected, u)
	}
	if d := u.Dollars(); d < 1.0 || d > 1.0001 {
		t.Fatalf("expected about 1 USD, got %f", d)
	}
}
