package events

import (
	"encoding/json"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

const (
	MetadataKeyRunID     = "run_id"
	MetadataKeySeq       = "seq"
	MetadataKeyEventType = "event_type"
)

// WatermillSink publishes events as JSON messages to a watermill topic.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{
		publisher: publisher,
		topic:     topic,
	}
}

// PublishEvent serializes the event and publishes it. The run ID, sequence
// number and event type are copied into the message metadata so that
// handlers can route without decoding the payload.
func (w *WatermillSink) PublishEvent(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("events: failed to marshal event to JSON")
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	meta := event.Metadata()
	msg.Metadata.Set(MetadataKeyRunID, meta.RunID)
	msg.Metadata.Set(MetadataKeySeq, strconv.FormatUint(meta.Seq, 10))
	msg.Metadata.Set(MetadataKeyEventType, string(event.Type()))

	err = w.publisher.Publish(w.topic, msg)
	if err != nil {
		log.Error().Err(err).Str("topic", w.topic).Msg("events: failed to publish event to watermill")
		return err
	}

	log.Trace().Str("topic", w.topic).Str("event_type", string(event.Type())).Msg("events: published event to watermill")
	return nil
}

var _ EventSink = (*WatermillSink)(nil)

