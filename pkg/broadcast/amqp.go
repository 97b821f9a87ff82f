package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultExchange = "chatsync.inbox"

// AMQPConfig configures the RabbitMQ transport.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPTransport implements Transport on a direct exchange. Each subscription
// binds an exclusive auto-delete queue, so nothing is kept while a party is
// offline.
type AMQPTransport struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

// NewAMQPTransport dials the broker and declares the exchange.
func NewAMQPTransport(cfg AMQPConfig, logger *slog.Logger) (*AMQPTransport, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, false, true, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare exchange: %w", err)
	}
	return &AMQPTransport{conn: conn, exchange: exchange, logger: logger, pubCh: ch}, nil
}

// Subscribe binds a private queue to channel and consumes it.
func (t *AMQPTransport) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	if t.conn.IsClosed() {
		return nil, ErrClosed
	}
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, channel, t.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp bind %s: %w", channel, err)
	}
	tag := "chatsync-" + uuid.NewString()
	deliveries, err := ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp consume %s: %w", channel, err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &amqpSubscription{ch: ch, tag: tag, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for d := range deliveries {
			h(runCtx, d.Body)
		}
	}()
	return sub, nil
}

// Publish routes payload to the queues bound to channel.
func (t *AMQPTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	err := t.pubCh.PublishWithContext(ctx, t.exchange, channel, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", channel, err)
	}
	return nil
}

// Close closes the connection, which ends every subscription.
func (t *AMQPTransport) Close() error {
	if t.conn.IsClosed() {
		return nil
	}
	return t.conn.Close()
}

type amqpSubscription struct {
	ch     *amqp.Channel
	tag    string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *amqpSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if cerr := s.ch.Cancel(s.tag, false); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = cerr
		}
		_ = s.ch.Close()
		<-s.done
	})
	return err
}
