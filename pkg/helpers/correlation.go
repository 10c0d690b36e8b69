package helpers

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lithammer/shortuuid/v3"
	"github.com/rs/zerolog/log"
)

const CorrelationIDMetadataKey = "correlation_id"

type correlationIDKeyType string

const correlationIDKey correlationIDKeyType = "correlation_id"

func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(correlationIDKey).(string)
	return v, ok && v != ""
}

// CorrelationPublisherDecorator stamps a correlation id on every outgoing
// message that does not carry one yet. The id comes from the message
// context, then from the FromMetadata key, and is generated otherwise.
type CorrelationPublisherDecorator struct {
	message.Publisher
	FromMetadata string
}

func (c CorrelationPublisherDecorator) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if msg.Metadata.Get(CorrelationIDMetadataKey) != "" {
			continue
		}
		msg.Metadata.Set(CorrelationIDMetadataKey, c.correlationID(msg))
	}
	return c.Publisher.Publish(topic, messages...)
}

func (c CorrelationPublisherDecorator) correlationID(msg *message.Message) string {
	if id, ok := CorrelationIDFromContext(msg.Context()); ok {
		return id
	}
	if c.FromMetadata != "" {
		if id := msg.Metadata.Get(c.FromMetadata); id != "" {
			return id
		}
	}
	// the gen_ prefix makes ids that were not propagated easy to spot
	id := "gen_" + shortuuid.New()
	log.Warn().Str("correlation_id", id).Str("message_uuid", msg.UUID).Msg("helpers: no correlation id for message, generated one")
	return id
}
