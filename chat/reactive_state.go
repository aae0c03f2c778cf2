package chat

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/victhorio/opachat/reactive"
)

// Cell names the reactive cell a StateChange comes from.
type Cell int

const (
	CellMessages Cell = iota + 1
	CellStatus
	CellError
)

func (c Cell) String() string {
	switch c {
	case CellMessages:
		return "messages"
	case CellStatus:
		return "status"
	case CellError:
		return "error"
	default:
		return "unknown"
	}
}

type StateChange struct {
	Cell Cell
	// Messages is set for CellMessages.
	Messages reactive.Change
	Status   Status
	Err      error
}

// MessageView is a message together with the version of its reactive node. The version only moves
// when that message changed, so it can key render caches.
type MessageView struct {
	Message UIMessage
	Version uint64
}

// ReactiveState is the State backed by reactive cells: a keyed list for the messages and one
// signal each for status and error.
//
// Everything stored is a purified copy and everything handed out is a fresh copy, so neither the
// engine nor the UI ever holds a reference into the container.
type ReactiveState struct {
	messages *reactive.List[UIMessage]
	status   *reactive.Signal[Status]
	err      *reactive.Signal[error]
}

func NewReactiveState(initial []UIMessage) (*ReactiveState, error) {
	purified, err := purifyAll(initial)
	if err != nil {
		return nil, errors.Wrap(err, "NewReactiveState")
	}

	return &ReactiveState{
		messages: reactive.NewList(messageKey, messagesEqual, purified...),
		status:   reactive.NewSignal(StatusReady),
		err:      reactive.NewSignalFunc[error](nil, sameError),
	}, nil
}

func (s *ReactiveState) Messages() []UIMessage {
	values := s.messages.Values()
	out := make([]UIMessage, len(values))
	for i, v := range values {
		out[i] = cloneMessage(v)
	}
	return out
}

// SetMessages reconciles next into the list by message id. When any message fails to purify the
// whole write is rejected.
func (s *ReactiveState) SetMessages(next []UIMessage) error {
	purified, err := purifyAll(next)
	if err != nil {
		return errors.Wrap(err, "ReactiveState.SetMessages")
	}
	s.messages.Reconcile(purified)
	return nil
}

func (s *ReactiveState) Status() Status {
	return s.status.Get()
}

func (s *ReactiveState) SetStatus(status Status) {
	s.status.Set(status)
}

func (s *ReactiveState) Error() error {
	return s.err.Get()
}

func (s *ReactiveState) SetError(err error) {
	s.err.Set(err)
}

func (s *ReactiveState) PushMessage(m UIMessage) error {
	purified, err := purifyMessage(m)
	if err != nil {
		return errors.Wrap(err, "ReactiveState.PushMessage")
	}
	s.messages.Append(purified)
	return nil
}

func (s *ReactiveState) PopMessage() {
	s.messages.Pop()
}

func (s *ReactiveState) ReplaceMessage(index int, m UIMessage) error {
	purified, err := purifyMessage(m)
	if err != nil {
		return errors.Wrap(err, "ReactiveState.ReplaceMessage")
	}
	if err := s.messages.Set(index, purified); err != nil {
		return errors.Wrap(err, "ReactiveState.ReplaceMessage")
	}
	return nil
}

// Snapshot is the identity: values leaving this state are already detached copies.
func (s *ReactiveState) Snapshot(m UIMessage) UIMessage {
	return m
}

// LastMessage returns the id of the last message and the number of messages without copying
// any of them.
func (s *ReactiveState) LastMessage() (string, int) {
	items := s.messages.Items()
	if len(items) == 0 {
		return "", 0
	}
	return items[len(items)-1].Key(), len(items)
}

// Views returns copies of the messages with the versions of their nodes.
func (s *ReactiveState) Views() []MessageView {
	items := s.messages.Items()
	out := make([]MessageView, len(items))
	for i, it := range items {
		out[i] = MessageView{Message: cloneMessage(it.Value()), Version: it.Version()}
	}
	return out
}

// SubscribeMessage observes a single message. It reports false when no message has that id.
func (s *ReactiveState) SubscribeMessage(id string, fn func(UIMessage)) (func(), bool) {
	for _, it := range s.messages.Items() {
		if it.Key() == id {
			return it.Subscribe(func(m UIMessage) { fn(cloneMessage(m)) }), true
		}
	}
	return func() {}, false
}

// Watch observes every cell. fn runs synchronously on the writer's goroutine, so it should hand
// the change off rather than call back into the engine.
func (s *ReactiveState) Watch(fn func(StateChange)) func() {
	unsubs := []func(){
		s.messages.Subscribe(func(c reactive.Change) {
			fn(StateChange{Cell: CellMessages, Messages: c})
		}),
		s.messages.SubscribeValues(func(c reactive.Change) {
			fn(StateChange{Cell: CellMessages, Messages: c})
		}),
		s.status.Subscribe(func(st Status) {
			fn(StateChange{Cell: CellStatus, Status: st})
		}),
		s.err.Subscribe(func(err error) {
			fn(StateChange{Cell: CellError, Err: err})
		}),
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func purifyAll(msgs []UIMessage) ([]UIMessage, error) {
	out := make([]UIMessage, 0, len(msgs))
	for _, m := range msgs {
		p, err := purifyMessage(m)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func messageKey(m UIMessage) string {
	return m.ID
}

func messagesEqual(a, b UIMessage) bool {
	return reflect.DeepEqual(a, b)
}

// sameError compares errors by identity without panicking on uncomparable dynamic types.
func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
