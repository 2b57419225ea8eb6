package events

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// TopicForSession computes the event topic for a session.
func TopicForSession(sessionID string) string { return "chat:" + sessionID }

// Bus carries session events from the session to presentation adapters.
type Bus struct {
	settings   Settings
	logger     watermill.LoggerAdapter
	publisher  message.Publisher
	subscriber message.Subscriber
	client     *redis.Client
}

// NewBus constructs a bus backed by Redis Streams when enabled, and by an
// in-memory go channel otherwise.
func NewBus(s Settings) (*Bus, error) {
	b := &Bus{
		settings: s,
		logger:   NewWatermillLogger(log.Logger),
	}

	if !s.Redis.Enabled {
		buf := s.BufferSize
		if buf <= 0 {
			buf = DefaultSettings().BufferSize
		}
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: buf,
			// keeps events of one session in publish order
			BlockPublishUntilSubscriberAck: true,
		}, b.logger)
		b.publisher = ch
		b.subscriber = ch
		return b, nil
	}

	b.client = redis.NewClient(&redis.Options{Addr: s.Redis.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     b.client,
		Marshaller: marshaler,
	}, b.logger)
	if err != nil {
		_ = b.client.Close()
		return nil, errors.Wrap(err, "create redis stream publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        b.client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Redis.Group,
		Consumer:      s.Redis.Consumer,
	}, b.logger)
	if err != nil {
		_ = pub.Close()
		_ = b.client.Close()
		return nil, errors.Wrap(err, "create redis stream subscriber")
	}

	b.publisher = pub
	b.subscriber = sub
	log.Info().Str("addr", s.Redis.Addr).Str("group", s.Redis.Group).Msg("session events use redis streams")
	return b, nil
}

func (b *Bus) Publisher() message.Publisher { return b.publisher }

// Subscribe returns the raw message channel of one session's topic. It is
// closed when ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan *message.Message, error) {
	topic := TopicForSession(sessionID)
	if b.client != nil {
		if err := EnsureGroupAtTail(ctx, b.client, topic, b.settings.Redis.Group); err != nil {
			return nil, err
		}
	}
	ch, err := b.subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe to %s", topic)
	}
	return ch, nil
}

func (b *Bus) Close() error {
	var firstErr error
	if err := b.publisher.Close(); err != nil {
		firstErr = errors.Wrap(err, "close publisher")
	}
	if b.client == nil {
		// publisher and subscriber are the same go channel
		return firstErr
	}
	if err := b.subscriber.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "close subscriber")
	}
	if err := b.client.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "close redis client")
	}
	return firstErr
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
