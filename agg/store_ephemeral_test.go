package agg

import (
	"testing"
	"time"

	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
)

// sampleHistory is a short conversation that touches every part kind the stores need to keep.
func sampleHistory() []chat.UIMessage {
	return []chat.UIMessage{
		{ID: "u1", Role: chat.RoleUser, Parts: []chat.Part{chat.NewPartText("Hello!")}},
		{
			ID:   "a1",
			Role: chat.RoleAssistant,
			Parts: []chat.Part{
				chat.NewPartStepStart(),
				chat.NewPartReasoning("thinking..."),
				{
					Type: chat.PartTypeTool,
					Tool: &chat.ToolPart{
						ToolCallID: "1",
						ToolName:   "fn",
						State:      chat.ToolOutputAvailable,
						Input:      map[string]any{"q": "x"},
						Output:     "ok",
					},
				},
				chat.NewPartText("Done."),
			},
			Metadata: core.Usage{Input: 1024, Output: 256, Total: 1280}.Metadata(),
		},
	}
}

func TestEphemeralStore(t *testing.T) {
	s := NewEphemeralStore()

	// make sure we get valid empty values for non-existent keys
	msgs, err := s.Load("k1")
	if err != nil {
		t.Fatalf("got err on Load: %v", err)
	}
	usage, _ := s.Usage("k1")
	if n := len(msgs); n != 0 {
		t.Fatalf("expected empty k1 messages at beginning, got %d", n)
	}
	if tt := usage.Total; tt != 0 {
		t.Fatalf("expected 0 total tokens at beginning, got %d", tt)
	}

	usage = core.Usage{
		Input:  1024,
		Output: 256,
		Total:  1024 + 256,
	}

	if err := s.Save("k1", sampleHistory(), usage); err != nil {
		t.Fatalf("got err on Save: %v", err)
	}

	msgs, _ = s.Load("k1")
	usage, _ = s.Usage("k1")

	if n := len(msgs); n != 2 {
		t.Fatalf("expected 2 messages after initial entry, got %d", n)
	}
	if tt := usage.Total; tt != 1024+256 {
		t.Fatalf("expected 1280 total tokens after initial entry, got %d", tt)
	}

	// reading another key is still empty
	msgs, _ = s.Load("k2")
	usage, _ = s.Usage("k2")
	if n := len(msgs); n != 0 {
		t.Fatalf("expected empty messages for non-existent key, got %d", n)
	}
	if tt := usage.Total; tt != 0 {
		t.Fatalf("expected 0 total tokens for non-existent key, got %d", tt)
	}

	// a second save replaces the history and accumulates usage
	next := append(sampleHistory(), chat.UIMessage{
		ID: "u2", Role: chat.RoleUser, Parts: []chat.Part{chat.NewPartText("Can you repeat my name to me?")},
	})
	usage = core.Usage{
		Input:  1280,
		Cached: 1024,
		Output: 64,
		Total:  1280 + 64,
	}
	if err := s.Save("k1", next, usage); err != nil {
		t.Fatalf("got err on Save: %v", err)
	}

	msgs, _ = s.Load("k1")
	usage, _ = s.Usage("k1")

	if n := len(msgs); n != 3 {
		t.Fatalf("expected 3 messages after second save, got %d", n)
	}
	if it := usage.Input; it != 1024+1280 {
		t.Fatalf("expected 2304 input tokens after second save, got %d", it)
	}
	if ot := usage.Output; ot != 256+64 {
		t.Fatalf("expected 320 output tokens after second save, got %d", ot)
	}
	if ct := usage.Cached; ct != 1024 {
		t.Fatalf("expected 1024 cached tokens after second save, got %d", ct)
	}

	expectedIDs := []string{"u1", "a1", "u2"}
	for i, msg := range msgs {
		if msg.ID != expectedIDs[i] {
			t.Fatalf("expected message %s at index %d, got %s", expectedIDs[i], i, msg.ID)
		}
	}
}

func TestEphemeralStoreLoadIsDetached(t *testing.T) {
	s := NewEphemeralStore()
	if err := s.Save("k1", sampleHistory(), core.Usage{}); err != nil {
		t.Fatalf("got err on Save: %v", err)
	}

	msgs, _ := s.Load("k1")
	msgs[0] = chat.UIMessage{ID: "changed"}

	again, _ := s.Load("k1")
	if again[0].ID != "u1" {
		t.Fatalf("expected stored history to be unaffected, got %s", again[0].ID)
	}
}

func TestEphemeralStoreList(t *testing.T) {
	s := NewEphemeralStore()

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	if err := s.Save("older", sampleHistory(), core.Usage{Input: 10}); err != nil {
		t.Fatalf("got err on Save: %v", err)
	}
	clock = clock.Add(time.Minute)
	if err := s.Save("newer", sampleHistory()[:1], core.Usage{Input: 20}); err != nil {
		t.Fatalf("got err on Save: %v", err)
	}

	sessions, err := s.List()
	if err != nil {
		t.Fatalf("got err on List: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	if sessions[0].ID != "newer" || sessions[1].ID != "older" {
		t.Fatalf("expected most recent session first, got %s then %s", sessions[0].ID, sessions[1].ID)
	}
	if sessions[0].Messages != 1 || sessions[1].Messages != 2 {
		t.Fatalf("unexpected message counts: %d and %d", sessions[0].Messages, sessions[1].Messages)
	}
	if sessions[1].Title != "Hello!" {
		t.Fatalf("expected title to be the first user message, got %q", sessions[1].Title)
	}
	if sessions[0].Usage.Input != 20 {
		t.Fatalf("expected 20 input tokens for newer session, got %d", sessions[0].Usage.Input)
	}
}
