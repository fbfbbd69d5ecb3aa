// Package messaging рассылает события комнат всем инстансам сервиса
// и доставляет их подписчикам (WebSocket шлюзу).
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storyfill-server/internal/models"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrSubscribeUnavailable - транспорт не умеет или не может подписаться.
// WebSocket шлюз в этом случае работает без живых обновлений.
var ErrSubscribeUnavailable = errors.New("event subscription unavailable")

// SnapshotEvent - данные для события room.snapshot.
type SnapshotEvent struct {
	RoomCode     string
	RoundID      string
	StateVersion int64
	Snapshot     models.RoomSnapshot
	Progress     models.RoomProgress
}

// Broadcaster публикует события в общий канал. Ошибка публикации
// не должна откатывать мутацию: вызывающий только логирует ее.
type Broadcaster interface {
	PublishSnapshot(ctx context.Context, event SnapshotEvent) error
	PublishExpired(ctx context.Context, roomCode, roundID, reason string) error
}

// Message - сырое событие из канала с уже извлеченным кодом комнаты.
type Message struct {
	RoomCode string
	Data     []byte
}

// Subscriber доставляет события всех комнат; фильтрация по коду на стороне получателя.
type Subscriber interface {
	Subscribe(ctx context.Context) (*Subscription, error)
}

// Subscription - активная подписка. C закрывается после Close
// или при отмене контекста подписки.
type Subscription struct {
	C     <-chan Message
	close func()
}

// newSubscription ожидает идемпотентный closeFn.
func newSubscription(c <-chan Message, closeFn func()) *Subscription {
	return &Subscription{C: c, close: closeFn}
}

func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
	}
}

// encodeSnapshot строит конверт room.snapshot.
func encodeSnapshot(event SnapshotEvent, now time.Time) ([]byte, error) {
	return encodeEvent(models.RoomEvent{
		Type:         models.EventRoomSnapshot,
		RequestID:    uuid.NewString(),
		RoomCode:     event.RoomCode,
		RoundID:      event.RoundID,
		StateVersion: event.StateVersion,
		Timestamp:    now.UTC(),
		Payload: models.SnapshotPayload{
			RoomSnapshot: event.Snapshot,
			Progress:     event.Progress,
		},
	})
}

// EncodeSnapshot строит тот же конверт для начального снимка WebSocket шлюза.
func EncodeSnapshot(event SnapshotEvent, now time.Time) ([]byte, error) {
	return encodeSnapshot(event, now)
}

// encodeExpired строит конверт room.expired.
func encodeExpired(roomCode, roundID, reason string, now time.Time) ([]byte, error) {
	return encodeEvent(models.RoomEvent{
		Type:      models.EventRoomExpired,
		RequestID: uuid.NewString(),
		RoomCode:  roomCode,
		RoundID:   roundID,
		Timestamp: now.UTC(),
		Payload:   models.ExpiredPayload{Reason: reason},
	})
}

func encodeEvent(event models.RoomEvent) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", event.Type, err)
	}
	return raw, nil
}

// decodeMessage извлекает room_code, не разбирая payload.
func decodeMessage(raw []byte) (Message, error) {
	var head struct {
		RoomCode string `json:"room_code"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Message{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if head.RoomCode == "" {
		return Message{}, errors.New("event without room_code")
	}
	return Message{RoomCode: head.RoomCode, Data: raw}, nil
}

// NopBroadcaster ничего не публикует и не поддерживает подписку.
type NopBroadcaster struct{}

var (
	_ Broadcaster = NopBroadcaster{}
	_ Subscriber  = NopBroadcaster{}
)

func (NopBroadcaster) PublishSnapshot(context.Context, SnapshotEvent) error { return nil }

func (NopBroadcaster) PublishExpired(context.Context, string, string, string) error { return nil }

func (NopBroadcaster) Subscribe(context.Context) (*Subscription, error) {
	return nil, ErrSubscribeUnavailable
}
