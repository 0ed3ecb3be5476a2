package eventbus

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"agentfleet/internal/model"
)

// Bus publishes worker lifecycle events. Delivery is at-least-once; readers
// must tolerate duplicates.
type Bus interface {
	PublishWorkerEvent(ctx context.Context, event model.WorkerEvent) error
	Close() error
}

// NoopBus is used when no redis url is configured; publishing succeeds and
// goes nowhere.
type NoopBus struct{}

func (NoopBus) PublishWorkerEvent(context.Context, model.WorkerEvent) error { return nil }
func (NoopBus) Close() error                                                { return nil }

// RedisBus publishes worker events onto a redis stream.
type RedisBus struct {
	topic     string
	client    redis.UniversalClient
	publisher *redisstream.Publisher
	logger    *log.Logger
}

// New returns a RedisBus when redisURL is set, a NoopBus otherwise.
func New(redisURL string, topic string, logger *log.Logger) (Bus, error) {
	if strings.TrimSpace(redisURL) == "" {
		return NoopBus{}, nil
	}
	return NewRedisBus(redisURL, topic, logger)
}

func NewRedisBus(redisURL string, topic string, logger *log.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = "agentfleet.workers"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)

	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client:     client,
			Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
		},
		watermill.NewStdLogger(false, false),
	)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create stream publisher")
	}
	return &RedisBus{topic: topic, client: client, publisher: publisher, logger: logger}, nil
}

func (b *RedisBus) PublishWorkerEvent(_ context.Context, event model.WorkerEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal worker event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("worker_id", event.WorkerID)
	msg.Metadata.Set("event_type", event.EventType)
	if err := b.publisher.Publish(b.topic, msg); err != nil {
		return errors.Wrapf(err, "publish worker event to %s", b.topic)
	}
	b.logger.Printf("eventbus: published %s for worker %s", event.EventType, event.WorkerID)
	return nil
}

func (b *RedisBus) Close() error {
	pubErr := b.publisher.Close()
	clientErr := b.client.Close()
	if pubErr != nil {
		return pubErr
	}
	return clientErr
}

// NewSubscriber creates a consumer-group subscriber on the same stream, for
// readers that tail the lifecycle feed.
func NewSubscriber(redisURL string, consumerGroup string) (message.Subscriber, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	subscriber, err := redisstream.NewSubscriber(
		redisstream.SubscriberConfig{
			Client:        client,
			Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
			ConsumerGroup: consumerGroup,
		},
		watermill.NewStdLogger(false, false),
	)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create stream subscriber")
	}
	return subscriber, nil
}
