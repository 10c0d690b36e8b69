package stream

import (
	"iter"

	"github.com/go-go-golems/stepwise/pkg/events"
)

// Filter yields only the events of sub matching pred.
func Filter(sub *Subscription, pred func(events.Event) bool) iter.Seq[events.Event] {
	return func(yield func(events.Event) bool) {
		for e := range sub.Seq() {
			if !pred(e) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// OfType is a Filter predicate matching any of the given event types.
func OfType(types ...events.EventType) func(events.Event) bool {
	return func(e events.Event) bool {
		for _, t := range types {
			if e.Type() == t {
				return true
			}
		}
		return false
	}
}

// Text yields the text deltas of sub in order.
func Text(sub *Subscription) iter.Seq[string] {
	return func(yield func(string) bool) {
		for e := range Filter(sub, OfType(events.EventTypeTextDelta)) {
			if !yield(e.(*events.EventTextDelta).Delta) {
				return
			}
		}
	}
}

// Forward copies every event of sub into sink until the sequence ends.
// It returns the first error reported by the sink.
func Forward(sub *Subscription, sink events.EventSink) error {
	for e := range sub.Seq() {
		if err := sink.PublishEvent(e); err != nil {
			sub.Close()
			return err
		}
	}
	return nil
}
