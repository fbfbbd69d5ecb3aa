package messaging

import (
	"context"
	"sync"
	"time"

	"storyfill-server/internal/models"
)

// MemoryBroadcaster - шина событий внутри одного процесса.
// Используется с STORE_BACKEND=memory и в тестах.
type MemoryBroadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan Message
	nextID int
	now    func() time.Time
}

var (
	_ Broadcaster = (*MemoryBroadcaster)(nil)
	_ Subscriber  = (*MemoryBroadcaster)(nil)
)

func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{subs: make(map[int]chan Message), now: time.Now}
}

func (b *MemoryBroadcaster) PublishSnapshot(_ context.Context, event SnapshotEvent) error {
	raw, err := encodeSnapshot(event, b.now())
	if err != nil {
		return err
	}
	b.fanOut(Message{RoomCode: event.RoomCode, Data: raw})
	observePublish("memory", models.EventRoomSnapshot, nil)
	return nil
}

func (b *MemoryBroadcaster) PublishExpired(_ context.Context, roomCode, roundID, reason string) error {
	raw, err := encodeExpired(roomCode, roundID, reason, b.now())
	if err != nil {
		return err
	}
	b.fanOut(Message{RoomCode: roomCode, Data: raw})
	observePublish("memory", models.EventRoomExpired, nil)
	return nil
}

// fanOut не блокируется: медленный подписчик теряет событие.
func (b *MemoryBroadcaster) fanOut(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (b *MemoryBroadcaster) Subscribe(ctx context.Context) (*Subscription, error) {
	ch := make(chan Message, subscriptionBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			closeFn()
		case <-done:
		}
	}()
	return newSubscription(ch, closeFn), nil
}

// Subscribers returns the number of active subscriptions.
func (b *MemoryBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
