package events

// EventSink is a destination for run events. The step controller publishes
// every event of a run to its sinks, in order, from a single goroutine.
type EventSink interface {
	// PublishEvent publishes an event to the sink.
	// Returns an error if the event could not be published.
	PublishEvent(event Event) error
}

// SinkFunc adapts a plain function to the EventSink interface.
type SinkFunc func(event Event) error

func (f SinkFunc) PublishEvent(event Event) error {
	return f(event)
}

var _ EventSink = SinkFunc(nil)
