package ratelimit

import (
	"context"
	"errors"
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

func TestBuckets(t *testing.T) {
	assert.Equal(t, "ip:10.0.0.1:create_room", IPBucket("10.0.0.1", CreateRoom))
	assert.Equal(t, "ip:unknown:join_room", IPBucket("", JoinRoom))
	assert.Equal(t, "room:ABCDEF:player:player_1:submit_prompt", PlayerBucket("ABCDEF", "player_1", SubmitPrompt))
	assert.Equal(t, "room:ABCDEF:tts_request", RoomBucket("ABCDEF", TTSRequest))
}

func TestLimiter_Local(t *testing.T) {
	ctx := context.Background()
	l := New(nil, zap.NewNop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	bucket := RoomBucket("ABCDEF", TTSRequest)
	for i := 0; i < TTSRequest.Limit; i++ {
		require.NoError(t, l.Allow(ctx, bucket, TTSRequest), "request %d", i)
	}

	err := l.Allow(ctx, bucket, TTSRequest)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRateLimited)
	var rl *models.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, TTSRequest.Message, rl.Message)
	assert.GreaterOrEqual(t, rl.RetryAfter, time.Second)

	// другой bucket не затронут
	assert.NoError(t, l.Allow(ctx, RoomBucket("ZZZZZZ", TTSRequest), TTSRequest))

	// после полного окна токены восстановлены
	now = now.Add(TTSRequest.Window)
	assert.NoError(t, l.Allow(ctx, bucket, TTSRequest))
}

func TestLimiter_RedisDownFallsBack(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	l := New(rdb, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < CreateRoom.Limit; i++ {
		require.NoError(t, l.Allow(ctx, IPBucket("1.2.3.4", CreateRoom), CreateRoom))
	}
	assert.ErrorIs(t, l.Allow(ctx, IPBucket("1.2.3.4", CreateRoom), CreateRoom), models.ErrRateLimited)
}

func TestLimiter_RedisIntegration(t *testing.T) {
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

	l := New(rdb, zap.NewNop())
	bucket := PlayerBucket("ABCDEF", "player_1", SubmitPrompt)
	for i := 0; i < SubmitPrompt.Limit; i++ {
		require.NoError(t, l.Allow(ctx, bucket, SubmitPrompt))
	}
	err = l.Allow(ctx, bucket, SubmitPrompt)
	var rl *models.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.LessOrEqual(t, rl.RetryAfter, SubmitPrompt.Window)

	ttl, err := rdb.TTL(ctx, "storyfill:rate:"+bucket).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
