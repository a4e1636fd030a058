// Package notify builds the pub/sub bus carrying offline notifications.
// Without a Redis address the bus lives in-process.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
)

type Settings struct {
	RedisAddr     string
	ConsumerGroup string
	Consumer      string
	Topic         string
	BufferSize    int64
}

// Bus pairs a publisher and a subscriber on the same transport.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	client     redis.UniversalClient
}

func NewBus(ctx context.Context, log *slog.Logger, s Settings) (*Bus, error) {
	logger := watermill.NewSlogLogger(log)
	if s.RedisAddr == "" {
		pubSub := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: s.BufferSize,
			Persistent:          false,
		}, logger)
		log.Info("Notification bus is in-process")
		return &Bus{Publisher: pubSub, Subscriber: pubSub}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", s.RedisAddr, err)
	}
	if err := ensureGroupAtTail(ctx, client, s.Topic, s.ConsumerGroup); err != nil {
		_ = client.Close()
		return nil, err
	}

	marshaller := redisstream.DefaultMarshallerUnmarshaller{}
	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaller,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis stream publisher: %w", err)
	}
	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaller,
		ConsumerGroup: s.ConsumerGroup,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("redis stream subscriber: %w", err)
	}
	log.Info("Notification bus is on Redis Streams", "addr", s.RedisAddr, "topic", s.Topic)
	return &Bus{Publisher: pub, Subscriber: sub, client: client}, nil
}

// ensureGroupAtTail creates the consumer group at "$" so a fresh deployment
// does not replay the whole stream.
func ensureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (b *Bus) Close() error {
	var errs []error
	if err := b.Publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	// gochannel is both ends at once
	if b.client != nil {
		if err := b.Subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := b.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
