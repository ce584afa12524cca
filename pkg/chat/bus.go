package chat

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
)

// topicForConv computes the event topic for a conversation.
func topicForConv(convID string) string { return "chat:" + convID }

// StreamBackend is the in-process pub/sub transport between the streaming
// coordinator and the per-conversation websocket readers. The coordinator
// publishes client-visible frames to the conversation topic; readers
// subscribe and broadcast to the attached connections. A single topic has a
// single publisher goroutine per cycle, so frame order is preserved end to
// end.
type StreamBackend struct {
	pubsub *gochannel.GoChannel
}

func NewStreamBackend(logger zerolog.Logger) *StreamBackend {
	return &StreamBackend{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			newWatermillLogger(logger),
		),
	}
}

// Publish sends one frame to the conversation topic.
func (b *StreamBackend) Publish(convID string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	return b.pubsub.Publish(topicForConv(convID), message.NewMessage(watermill.NewUUID(), payload))
}

// Subscribe opens a subscription on the conversation topic. The channel
// closes when ctx is cancelled or the backend shuts down.
func (b *StreamBackend) Subscribe(ctx context.Context, convID string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topicForConv(convID))
}

func (b *StreamBackend) Close() error {
	return b.pubsub.Close()
}

// watermillLogger adapts zerolog to watermill's LoggerAdapter.
type watermillLogger struct {
	logger zerolog.Logger
}

func newWatermillLogger(logger zerolog.Logger) watermill.LoggerAdapter {
	return watermillLogger{logger: logger.With().Str("component", "stream-backend").Logger()}
}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(l.logger.Error().Err(err), msg, fields)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), msg, fields)
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), msg, fields)
}

func (l watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.event(l.logger.Trace(), msg, fields)
}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	logger := l.logger
	for k, v := range fields {
		logger = logger.With().Interface(k, v).Logger()
	}
	return watermillLogger{logger: logger}
}

func (l watermillLogger) event(ev *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
