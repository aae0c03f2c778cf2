package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/victhorio/opachat/agg"
	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
)

func TestPrintHistory(t *testing.T) {
	color.NoColor = true

	store := agg.NewEphemeralStore()

	var out bytes.Buffer
	if err := printSessions(&out, store); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "no saved chats") {
		t.Fatalf("expected the empty notice, got %q", out.String())
	}

	answer := textMessage("a1", chat.RoleAssistant, "Hi!")
	answer.Parts = append(answer.Parts, chat.NewPartTool("c1", "CurrentTime", chat.ToolOutputAvailable, nil))
	msgs := []chat.UIMessage{textMessage("u1", chat.RoleUser, "What time is it?"), answer}
	usage := core.Usage{Input: 1200, Output: 300, Total: 1500, Cost: 4_500_000}
	if err := store.Save("s1", msgs, usage); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out.Reset()
	if err := printSessions(&out, store); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"s1", "What time is it?", "1,500", "$0.0045"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected listing to contain %q, got %q", want, out.String())
		}
	}

	out.Reset()
	if err := printSession(&out, store, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"You:", "Assistant:", "CurrentTime()", "Hi!", "1,200 tokens in"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected transcript to contain %q, got %q", want, out.String())
		}
	}

	if err := printSession(&out, store, "missing"); err == nil {
		t.Fatal("expected an error for an unknown session")
	}
}
