package toolloop

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/stepwise/pkg/events"
)

// emitter publishes the events of one run. It is owned by the run's
// goroutine and assigns the per-run sequence numbers.
type emitter struct {
	info   RunInfo
	sinks  []events.EventSink
	seq    uint64
	closed bool
}

func newEmitter(info RunInfo, sinks []events.EventSink) *emitter {
	return &emitter{info: info, sinks: sinks}
}

func (e *emitter) meta(step int) events.EventMetadata {
	e.seq++
	return events.EventMetadata{
		ID:        uuid.New(),
		RunID:     e.info.RunID,
		SessionID: e.info.SessionID,
		Step:      step,
		Seq:       e.seq,
		Extra:     e.info.Extra,
	}
}

func (e *emitter) publish(ev events.Event) {
	if e.closed {
		log.Trace().Str("event_type", string(ev.Type())).Msg("toolloop: dropping event after terminal event")
		return
	}
	for _, s := range e.sinks {
		if err := s.PublishEvent(ev); err != nil {
			log.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("toolloop: sink rejected event")
		}
	}
	if ev.Type().IsTerminal() {
		e.closed = true
	}
}
