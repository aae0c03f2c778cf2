package chat

type Status string

const (
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// State is the storage port the engine drives. The engine owns the transitions; the State owns the
// storage. Implementations decide how changes become visible to observers.
type State interface {
	Messages() []UIMessage
	SetMessages(next []UIMessage) error

	Status() Status
	SetStatus(s Status)

	Error() error
	SetError(err error)

	PushMessage(m UIMessage) error
	PopMessage()
	ReplaceMessage(index int, m UIMessage) error

	// Snapshot returns a value the engine can keep across later mutations of the state.
	Snapshot(m UIMessage) UIMessage
}
