package helpers

import (
	"context"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	published []*message.Message
}

func (c *capturePublisher) Publish(topic string, messages ...*message.Message) error {
	c.published = append(c.published, messages...)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func TestCorrelationPublisherDecorator(t *testing.T) {
	inner := &capturePublisher{}
	pub := CorrelationPublisherDecorator{Publisher: inner, FromMetadata: "run_id"}

	fromCtx := message.NewMessage(watermill.NewUUID(), nil)
	fromCtx.SetContext(ContextWithCorrelationID(context.Background(), "ctx-id"))

	fromMeta := message.NewMessage(watermill.NewUUID(), nil)
	fromMeta.Metadata.Set("run_id", "run-1")

	preset := message.NewMessage(watermill.NewUUID(), nil)
	preset.Metadata.Set(CorrelationIDMetadataKey, "keep")

	generated := message.NewMessage(watermill.NewUUID(), nil)

	require.NoError(t, pub.Publish("events", fromCtx, fromMeta, preset, generated))
	require.Len(t, inner.published, 4)

	require.Equal(t, "ctx-id", fromCtx.Metadata.Get(CorrelationIDMetadataKey))
	require.Equal(t, "run-1", fromMeta.Metadata.Get(CorrelationIDMetadataKey))
	require.Equal(t, "keep", preset.Metadata.Get(CorrelationIDMetadataKey))
	require.True(t, strings.HasPrefix(generated.Metadata.Get(CorrelationIDMetadataKey), "gen_"))
}

func TestCorrelationIDFromContext_Missing(t *testing.T) {
	_, ok := CorrelationIDFromContext(context.Background())
	require.False(t, ok)
}
