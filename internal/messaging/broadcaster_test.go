package messaging

import (
	"context"
	"fmt"
	"testing"
	"time"

	"storyfill-server/internal/models"

	"github.com/docker/docker/client"
	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func sampleSnapshot(code string) SnapshotEvent {
	return SnapshotEvent{
		RoomCode:     code,
		RoundID:      "round_1",
		StateVersion: 7,
		Snapshot: models.RoomSnapshot{
			RoomID:       "room_1",
			RoomCode:     code,
			RoundID:      "round_1",
			StateVersion: 7,
			RoomState:    models.RoomStateLobbyOpen,
			Players:      []models.PlayerSnapshot{{ID: "player_1", DisplayName: "Ann", IsHost: true, Connected: true}},
		},
		Progress: models.RoomProgress{ConnectedTotal: 1},
	}
}

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
	return Message{}
}

func TestEnvelope(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("snapshot", func(t *testing.T) {
		raw, err := encodeSnapshot(sampleSnapshot("ABCDEF"), now)
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, models.EventRoomSnapshot, decoded["type"])
		assert.Equal(t, "ABCDEF", decoded["room_code"])
		assert.Equal(t, "round_1", decoded["round_id"])
		assert.EqualValues(t, 7, decoded["state_version"])
		assert.NotEmpty(t, decoded["request_id"])
		payload := decoded["payload"].(map[string]any)
		assert.Contains(t, payload, "room_snapshot")
		assert.Contains(t, payload, "progress")

		msg, err := decodeMessage(raw)
		require.NoError(t, err)
		assert.Equal(t, "ABCDEF", msg.RoomCode)
	})

	t.Run("expired", func(t *testing.T) {
		raw, err := encodeExpired("ABCDEF", "round_1", "ended", now)
		require.NoError(t, err)
		var ev struct {
			Type    string `json:"type"`
			Payload struct {
				Reason string `json:"reason"`
			} `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(raw, &ev))
		assert.Equal(t, models.EventRoomExpired, ev.Type)
		assert.Equal(t, "ended", ev.Payload.Reason)
	})

	t.Run("request ids are unique", func(t *testing.T) {
		a, _ := encodeExpired("ABCDEF", "r", "expired", now)
		b, _ := encodeExpired("ABCDEF", "r", "expired", now)
		var ea, eb models.RoomEvent
		require.NoError(t, json.Unmarshal(a, &ea))
		require.NoError(t, json.Unmarshal(b, &eb))
		assert.NotEqual(t, ea.RequestID, eb.RequestID)
	})

	t.Run("invalid messages", func(t *testing.T) {
		_, err := decodeMessage([]byte("not json"))
		assert.Error(t, err)
		_, err = decodeMessage([]byte(`{"type":"room.snapshot"}`))
		assert.Error(t, err)
	})
}

func TestMemoryBroadcaster(t *testing.T) {
	b := NewMemoryBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers())

	require.NoError(t, b.PublishSnapshot(ctx, sampleSnapshot("ABCDEF")))
	msg := receive(t, sub)
	assert.Equal(t, "ABCDEF", msg.RoomCode)

	require.NoError(t, b.PublishExpired(ctx, "ABCDEF", "round_1", "expired"))
	msg = receive(t, sub)
	assert.Contains(t, string(msg.Data), models.EventRoomExpired)

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.Subscribers())
	_, ok := <-sub.C
	assert.False(t, ok)

	t.Run("context cancel closes subscription", func(t *testing.T) {
		subCtx, subCancel := context.WithCancel(context.Background())
		sub, err := b.Subscribe(subCtx)
		require.NoError(t, err)
		subCancel()
		assert.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
		_, ok := <-sub.C
		assert.False(t, ok)
	})
}

func TestNopBroadcaster(t *testing.T) {
	var b NopBroadcaster
	ctx := context.Background()
	assert.NoError(t, b.PublishSnapshot(ctx, sampleSnapshot("ABCDEF")))
	assert.NoError(t, b.PublishExpired(ctx, "ABCDEF", "r", "expired"))
	_, err := b.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrSubscribeUnavailable)
}

func TestRedisBroadcaster_Unavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	b := NewRedisBroadcaster(rdb, zap.NewNop())
	ctx := context.Background()

	assert.Error(t, b.PublishSnapshot(ctx, sampleSnapshot("ABCDEF")))
	_, err := b.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrSubscribeUnavailable)
}

func dockerAvailable(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skipf("Docker client init error: %v", err)
	}
	defer cli.Close()
	if _, err := cli.Ping(context.Background()); err != nil {
		t.Skipf("Docker daemon is not running or accessible: %v", err)
	}
}

func TestRedisBroadcaster_Integration(t *testing.T) {
	dockerAvailable(t)
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "docker.io/redis:7-alpine",
		testcontainers.WithWaitStrategy(wait.ForLog("* Ready to accept connections").WithStartupTimeout(time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })
	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = rdb.Close() })

	b := NewRedisBroadcaster(rdb, zap.NewNop())
	sub, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.PublishSnapshot(ctx, sampleSnapshot("QWERTY")))
	msg := receive(t, sub)
	assert.Equal(t, "QWERTY", msg.RoomCode)

	// мусор в канале пропускается
	require.NoError(t, rdb.Publish(ctx, "storyfill:events", "garbage").Err())
	require.NoError(t, b.PublishExpired(ctx, "QWERTY", "round_1", "ended"))
	msg = receive(t, sub)
	assert.Contains(t, string(msg.Data), `"reason":"ended"`)
}

func TestRabbitMQBroadcaster_Integration(t *testing.T) {
	dockerAvailable(t)
	ctx := context.Background()

	container, err := tcrabbitmq.Run(ctx,
		"rabbitmq:3-management-alpine",
		testcontainers.WithWaitStrategy(wait.ForLog("Server startup complete").WithStartupTimeout(2*time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })
	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	b, err := NewRabbitMQBroadcaster(conn, "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	first, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer first.Close()
	second, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, b.PublishSnapshot(ctx, sampleSnapshot("ZXCVBN")))
	assert.Equal(t, "ZXCVBN", receive(t, first).RoomCode)
	assert.Equal(t, "ZXCVBN", receive(t, second).RoomCode)
}
