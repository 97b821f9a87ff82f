package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
)

// WatermillTransport adapts a watermill publisher and subscriber pair.
type WatermillTransport struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewWatermillTransport wraps pub and sub. Closing the transport closes both.
func NewWatermillTransport(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *WatermillTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WatermillTransport{pub: pub, sub: sub, logger: logger}
}

// NewGoChannelTransport returns an in-process transport. Every party sharing
// it sees the same channels.
func NewGoChannelTransport(logger *slog.Logger) *WatermillTransport {
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NewSlogLogger(logger))
	return NewWatermillTransport(pubsub, pubsub, logger)
}

// RedisStreamConfig configures the Redis Streams transport.
type RedisStreamConfig struct {
	Addr     string
	Password string
	// ConsumerGroup keeps unread entries for a device across restarts.
	// Empty means fan-out reads from the stream tail.
	ConsumerGroup string
	Consumer      string
}

// NewRedisStreamTransport returns a transport backed by Redis Streams.
func NewRedisStreamTransport(cfg RedisStreamConfig, logger *slog.Logger) (*WatermillTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	wlog := watermill.NewSlogLogger(logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wlog)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis stream publisher: %w", err)
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: cfg.ConsumerGroup,
		Consumer:      cfg.Consumer,
	}, wlog)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("redis stream subscriber: %w", err)
	}
	return NewWatermillTransport(pub, sub, logger), nil
}

// Subscribe delivers messages published to channel until the subscription
// is closed. Each message is acked after the handler returns.
func (t *WatermillTransport) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	msgs, err := t.sub.Subscribe(subCtx, channel)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watermill subscribe %s: %w", channel, err)
	}
	s := &watermillSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for msg := range msgs {
			h(subCtx, msg.Payload)
			msg.Ack()
		}
	}()
	return s, nil
}

// Publish sends payload on channel.
func (t *WatermillTransport) Publish(_ context.Context, channel string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := t.pub.Publish(channel, msg); err != nil {
		return fmt.Errorf("watermill publish %s: %w", channel, err)
	}
	return nil
}

// Close closes the publisher and subscriber.
func (t *WatermillTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	subErr := t.sub.Close()
	if same, ok := t.pub.(message.Subscriber); ok && same == t.sub {
		return subErr
	}
	if err := t.pub.Close(); err != nil {
		return err
	}
	return subErr
}

type watermillSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *watermillSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
