package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"storyfill-server/internal/models"

	"github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func TestRedisStore_Unavailable(t *testing.T) {
	// Порт 1 заведомо закрыт: ошибка соединения должна стать ErrStorageUnavailable.
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()
	s := NewRedisStore(rdb, zap.NewNop())
	ctx := context.Background()

	_, _, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.ErrorIs(t, s.Put(ctx, "k", []byte("v"), time.Minute), models.ErrStorageUnavailable)
	assert.ErrorIs(t, s.Delete(ctx, "k"), models.ErrStorageUnavailable)

	_, err = collect(t, s, "p:")
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
}

// dockerAvailable пропускает интеграционные тесты в -short режиме и без Docker.
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

func TestRedisStore_Integration(t *testing.T) {
	dockerAvailable(t)
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"docker.io/redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("* Ready to accept connections").
				WithOccurrence(1).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err, "Failed to start redis container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewRedisStore(rdb, zap.NewNop())

	t.Run("put many shares ttl", func(t *testing.T) {
		require.NoError(t, s.PutMany(ctx, []Entry{
			{Key: RoomStateKey("room_a"), Value: []byte(`{"id":"room_a"}`)},
			{Key: RoomCodeKey("ABCDEF"), Value: []byte("room_a")},
		}, time.Hour))

		ttl1, err := rdb.TTL(ctx, RoomStateKey("room_a")).Result()
		require.NoError(t, err)
		ttl2, err := rdb.TTL(ctx, RoomCodeKey("ABCDEF")).Result()
		require.NoError(t, err)
		assert.InDelta(t, ttl1.Seconds(), ttl2.Seconds(), 1)
		assert.Greater(t, ttl1, 59*time.Minute)
	})

	t.Run("get missing", func(t *testing.T) {
		_, ok, err := s.Get(ctx, "storyfill:nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("scan prefix pages through cursor", func(t *testing.T) {
		for i := 0; i < scanBatchSize*2+5; i++ {
			require.NoError(t, s.Put(ctx, fmt.Sprintf("storyfill:scan:%d", i), []byte("x"), time.Minute))
		}
		seen := map[string]struct{}{}
		for k, err := range s.ScanPrefix(ctx, "storyfill:scan:") {
			require.NoError(t, err)
			seen[k] = struct{}{}
		}
		assert.Len(t, seen, scanBatchSize*2+5)
	})
}
