package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/agentboard/agentboard/pkg/logging"
)

// Settings holds Redis Streams transport configuration.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// DefaultSettings returns the local development defaults.
func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "agentboard",
		Consumer: "engine-1",
	}
}

// BuildSubscriber returns a Redis Streams subscriber bound to the given
// consumer group/name. Each query stream gets its own subscriber so
// closing one subscription never tears down another's transport.
func BuildSubscriber(s Settings, consumer string) (message.Subscriber, error) {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if consumer == "" {
		consumer = s.Consumer
	}
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      consumer,
	}, logging.Watermill(log.Logger))
}

// BuildPublisher returns a Redis Streams publisher, used by the replay
// tooling to feed recorded events into a live stream.
func BuildPublisher(s Settings) (message.Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	return rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logging.Watermill(log.Logger))
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail
// ($) if it doesn't exist, so first subscribe does not replay history.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists.
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created consumer group at tail")
	return nil
}
