package terminal

// Event names published by the registry.
const (
	EventData = "data"
	EventExit = "exit"
)

// EventSink receives session events. Implementations must be safe for
// concurrent use: every session's reader publishes from its own goroutine.
type EventSink interface {
	Publish(event string, payload any)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(event string, payload any)

func (f SinkFunc) Publish(event string, payload any) { f(event, payload) }

type discardSink struct{}

func (discardSink) Publish(string, any) {}

// DataEvent carries one decoded chunk of terminal output.
type DataEvent struct {
	TabID string `json:"tabId"`
	Data  string `json:"data"`
}

// ExitEvent is published once when a session's output stream ends.
type ExitEvent struct {
	TabID string `json:"tabId"`
}
