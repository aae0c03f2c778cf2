package agg

import (
	"time"

	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
)

// Store persists chat sessions. Save replaces the stored history, since a chat may rewrite it
// (regenerate, edit), and adds usage to the session's running total.
type Store interface {
	Load(chatID string) ([]chat.UIMessage, error)
	Save(chatID string, msgs []chat.UIMessage, usage core.Usage) error
	Usage(chatID string) (core.Usage, error)
	List() ([]Session, error)
}

type Session struct {
	ID        string
	Messages  int
	Usage     core.Usage
	UpdatedAt time.Time
	// Title is the text of the first user message.
	Title string
}

func sessionTitle(msgs []chat.UIMessage) string {
	for _, m := range msgs {
		if m.Role == chat.RoleUser {
			if t := m.Text(); t != "" {
				return t
			}
		}
	}
	return ""
}
