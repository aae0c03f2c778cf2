package chat

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/victhorio/opachat/reactive"
)

func textMessage(id string, role Role, text string) UIMessage {
	return UIMessage{ID: id, Role: role, Parts: []Part{NewPartText(text)}}
}

func TestReactiveStatePushKeepsOrder(t *testing.T) {
	s, err := NewReactiveState(nil)
	require.NoError(t, err)

	for i := range 4 {
		require.NoError(t, s.PushMessage(textMessage(fmt.Sprintf("m%d", i), RoleUser, "x")))
	}

	msgs := s.Messages()
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		require.Equal(t, fmt.Sprintf("m%d", i), m.ID)
	}
}

func TestReactiveStatePopOnEmptyIsNoop(t *testing.T) {
	s, err := NewReactiveState(nil)
	require.NoError(t, err)

	var changes []StateChange
	s.Watch(func(c StateChange) { changes = append(changes, c) })

	s.PopMessage()
	require.Empty(t, s.Messages())
	require.Empty(t, changes)

	require.NoError(t, s.PushMessage(textMessage("m1", RoleUser, "x")))
	s.PopMessage()
	require.Empty(t, s.Messages())
}

func TestReactiveStateReplaceOnlyTouchesOneMessage(t *testing.T) {
	s, err := NewReactiveState([]UIMessage{
		textMessage("u1", RoleUser, "hi"),
		textMessage("a1", RoleAssistant, "hel"),
	})
	require.NoError(t, err)
	before := s.Views()

	var changes []StateChange
	s.Watch(func(c StateChange) { changes = append(changes, c) })

	require.NoError(t, s.ReplaceMessage(1, textMessage("a1", RoleAssistant, "hello")))

	after := s.Views()
	require.Equal(t, before[0].Version, after[0].Version)
	require.Greater(t, after[1].Version, before[1].Version)
	require.Equal(t, "hello", after[1].Message.Text())

	require.Equal(t, []StateChange{{
		Cell:     CellMessages,
		Messages: reactive.Change{Kind: reactive.ChangeValue, Key: "a1", Index: 1, Len: 2},
	}}, changes)
}

func TestReactiveStateReplaceOutOfRange(t *testing.T) {
	s, err := NewReactiveState(nil)
	require.NoError(t, err)

	err = s.ReplaceMessage(0, textMessage("a1", RoleAssistant, "x"))
	require.Error(t, err)
	require.True(t, errors.Is(err, reactive.ErrOutOfRange))
}

func TestReactiveStateSetMessagesKeepsIdentity(t *testing.T) {
	s, err := NewReactiveState([]UIMessage{
		textMessage("u1", RoleUser, "one"),
		textMessage("a1", RoleAssistant, "two"),
	})
	require.NoError(t, err)
	before := s.Views()

	next := s.Messages()
	next = append(next, textMessage("u2", RoleUser, "three"))
	require.NoError(t, s.SetMessages(next))

	after := s.Views()
	require.Len(t, after, 3)
	require.Equal(t, before[0].Version, after[0].Version)
	require.Equal(t, before[1].Version, after[1].Version)
}

func TestReactiveStateRejectedWriteLeavesStateIntact(t *testing.T) {
	s, err := NewReactiveState([]UIMessage{textMessage("u1", RoleUser, "one")})
	require.NoError(t, err)

	bad := textMessage("a1", RoleAssistant, "x")
	bad.Metadata = map[string]any{"cb": func() {}}

	require.Error(t, s.PushMessage(bad))
	require.Error(t, s.ReplaceMessage(0, bad))
	require.Error(t, s.SetMessages([]UIMessage{bad}))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "one", msgs[0].Text())
}

func TestReactiveStateMessagesAreCopies(t *testing.T) {
	s, err := NewReactiveState([]UIMessage{textMessage("u1", RoleUser, "one")})
	require.NoError(t, err)

	msgs := s.Messages()
	msgs[0].Parts[0].Text.Text = "mutated"

	require.Equal(t, "one", s.Messages()[0].Text())
}

func TestReactiveStateCellsAreIndependent(t *testing.T) {
	s, err := NewReactiveState(nil)
	require.NoError(t, err)

	var changes []StateChange
	s.Watch(func(c StateChange) { changes = append(changes, c) })

	s.SetStatus(StatusSubmitted)
	s.SetStatus(StatusSubmitted)
	boom := errors.New("boom")
	s.SetError(boom)

	require.Equal(t, []StateChange{
		{Cell: CellStatus, Status: StatusSubmitted},
		{Cell: CellError, Err: boom},
	}, changes)
	require.Equal(t, StatusSubmitted, s.Status())
	require.Equal(t, boom, s.Error())
}

func TestReactiveStateSubscribeMessage(t *testing.T) {
	s, err := NewReactiveState([]UIMessage{
		textMessage("u1", RoleUser, "one"),
		textMessage("a1", RoleAssistant, "t"),
	})
	require.NoError(t, err)

	var seen []string
	unsub, ok := s.SubscribeMessage("a1", func(m UIMessage) { seen = append(seen, m.Text()) })
	require.True(t, ok)

	require.NoError(t, s.ReplaceMessage(1, textMessage("a1", RoleAssistant, "tw")))
	require.NoError(t, s.ReplaceMessage(0, textMessage("u1", RoleUser, "uno")))
	unsub()
	require.NoError(t, s.ReplaceMessage(1, textMessage("a1", RoleAssistant, "two")))

	require.Equal(t, []string{"tw"}, seen)

	_, ok = s.SubscribeMessage("missing", func(UIMessage) {})
	require.False(t, ok)
}
