package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"storyfill-server/internal/models"
	"storyfill-server/internal/storage"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const subscriptionBuffer = 64

// RedisBroadcaster публикует события в канал storyfill:events через PUBLISH.
type RedisBroadcaster struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.Logger
	now     func() time.Time
}

var (
	_ Broadcaster = (*RedisBroadcaster)(nil)
	_ Subscriber  = (*RedisBroadcaster)(nil)
)

func NewRedisBroadcaster(client redis.UniversalClient, logger *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:  client,
		channel: storage.EventChannel,
		logger:  logger.Named("RedisBroadcaster"),
		now:     time.Now,
	}
}

func (b *RedisBroadcaster) PublishSnapshot(ctx context.Context, event SnapshotEvent) error {
	raw, err := encodeSnapshot(event, b.now())
	if err != nil {
		return err
	}
	return b.publish(ctx, models.EventRoomSnapshot, raw)
}

func (b *RedisBroadcaster) PublishExpired(ctx context.Context, roomCode, roundID, reason string) error {
	raw, err := encodeExpired(roomCode, roundID, reason, b.now())
	if err != nil {
		return err
	}
	return b.publish(ctx, models.EventRoomExpired, raw)
}

func (b *RedisBroadcaster) publish(ctx context.Context, eventType string, raw []byte) error {
	err := b.client.Publish(ctx, b.channel, raw).Err()
	observePublish("redis", eventType, err)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return nil
}

// Subscribe подписывается на канал и ждет подтверждения от Redis,
// так что недоступный Redis дает ошибку сразу.
func (b *RedisBroadcaster) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: %v", ErrSubscribeUnavailable, err)
	}

	out := make(chan Message, subscriptionBuffer)
	done := make(chan struct{})
	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		in := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				closeFn()
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				decoded, err := decodeMessage([]byte(msg.Payload))
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
