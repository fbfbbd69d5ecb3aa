package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"storyfill-server/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DefaultExchange - fanout exchange событий комнат.
const DefaultExchange = "storyfill.events"

const publishAttempts = 3

// RabbitMQBroadcaster рассылает события через fanout exchange:
// каждый инстанс получает свою эксклюзивную очередь.
type RabbitMQBroadcaster struct {
	conn     *amqp.Connection
	exchange string
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	channel *amqp.Channel
}

var (
	_ Broadcaster = (*RabbitMQBroadcaster)(nil)
	_ Subscriber  = (*RabbitMQBroadcaster)(nil)
)

// NewRabbitMQBroadcaster открывает канал публикации и объявляет exchange.
func NewRabbitMQBroadcaster(conn *amqp.Connection, exchange string, logger *zap.Logger) (*RabbitMQBroadcaster, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq broadcaster: failed to open channel: %w", err)
	}
	if err := declareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &RabbitMQBroadcaster{
		conn:     conn,
		exchange: exchange,
		logger:   logger.Named("RabbitMQBroadcaster"),
		now:      time.Now,
		channel:  ch,
	}, nil
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("rabbitmq broadcaster: failed to declare exchange '%s': %w", exchange, err)
	}
	return nil
}

func (b *RabbitMQBroadcaster) PublishSnapshot(ctx context.Context, event SnapshotEvent) error {
	raw, err := encodeSnapshot(event, b.now())
	if err != nil {
		return err
	}
	return b.publish(ctx, models.EventRoomSnapshot, raw)
}

func (b *RabbitMQBroadcaster) PublishExpired(ctx context.Context, roomCode, roundID, reason string) error {
	raw, err := encodeExpired(roomCode, roundID, reason, b.now())
	if err != nil {
		return err
	}
	return b.publish(ctx, models.EventRoomExpired, raw)
}

func (b *RabbitMQBroadcaster) publish(ctx context.Context, eventType string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if b.channel == nil || b.channel.IsClosed() {
			if err = b.reopen(); err != nil {
				continue
			}
		}
		err = b.channel.PublishWithContext(ctx,
			b.exchange,
			"",    // routing key не нужен для fanout
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType: "application/json",
				Body:        body,
				Timestamp:   b.now(),
				Type:        eventType,
				AppId:       "storyfill-server",
			},
		)
		if err == nil {
			break
		}
		b.logger.Warn("Publish attempt failed", zap.String("type", eventType), zap.Int("attempt", attempt), zap.Error(err))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			break
		}
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	observePublish("rabbitmq", eventType, err)
	if err != nil {
		return fmt.Errorf("failed to publish %s to exchange %s: %w", eventType, b.exchange, err)
	}
	return nil
}

// reopen вызывается под b.mu.
func (b *RabbitMQBroadcaster) reopen() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to reopen channel: %w", err)
	}
	b.channel = ch
	return nil
}

// Subscribe объявляет эксклюзивную auto-delete очередь, привязанную к exchange.
func (b *RabbitMQBroadcaster) Subscribe(ctx context.Context) (*Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubscribeUnavailable, err)
	}
	q, err := ch.QueueDeclare(
		"",    // имя генерирует брокер
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: failed to declare queue: %v", ErrSubscribeUnavailable, err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: failed to bind queue: %v", ErrSubscribeUnavailable, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: failed to consume: %v", ErrSubscribeUnavailable, err)
	}

	out := make(chan Message, subscriptionBuffer)
	done := make(chan struct{})
	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			close(done)
			_ = ch.Close()
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				closeFn()
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				decoded, err := decodeMessage(d.Body)
				if err != nil {
					b.logger.Debug("Skipping undecodable event", zap.Error(err))
					continue
				}
				select {
				case out <- decoded:
				case <-done:
					return
				case <-ctx.Done():
					closeFn()
					return
				}
			}
		}
	}()

	return newSubscription(out, closeFn), nil
}

// Close закрывает канал публикации. Соединением управляет вызывающий.
func (b *RabbitMQBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel == nil {
		return nil
	}
	err := b.channel.Close()
	b.channel = nil
	return err
}
