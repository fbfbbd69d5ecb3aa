package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"storyfill-server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, store KeyedStore, prefix string) ([]string, error) {
	t.Helper()
	var keys []string
	for k, err := range store.ScanPrefix(context.Background(), prefix) {
		if err != nil {
			return keys, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("put get delete", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Put(ctx, "a", []byte("1"), time.Minute))

		v, ok, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("1"), v)

		require.NoError(t, s.Delete(ctx, "a", "missing"))
		_, ok, err = s.Get(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		s := NewMemoryStore()
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		s.SetClock(func() time.Time { return now })

		require.NoError(t, s.PutMany(ctx, []Entry{{Key: "x", Value: []byte("1")}, {Key: "y", Value: []byte("2")}}, time.Minute))
		require.NoError(t, s.Put(ctx, "forever", []byte("3"), 0))
		assert.Equal(t, 3, s.Len())

		now = now.Add(time.Minute)
		_, ok, err := s.Get(ctx, "x")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, _ = s.Get(ctx, "forever")
		assert.True(t, ok)
		assert.Equal(t, 1, s.Len())
	})

	t.Run("scan prefix is sorted and stoppable", func(t *testing.T) {
		s := NewMemoryStore()
		for _, k := range []string{"p:b", "p:a", "q:z", "p:c"} {
			require.NoError(t, s.Put(ctx, k, nil, 0))
		}
		keys, err := collect(t, s, "p:")
		require.NoError(t, err)
		assert.Equal(t, []string{"p:a", "p:b", "p:c"}, keys)

		var first []string
		for k := range s.ScanPrefix(ctx, "p:") {
			first = append(first, k)
			break
		}
		assert.Equal(t, []string{"p:a"}, first)
	})

	t.Run("delete during scan", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Put(ctx, "p:1", nil, 0))
		require.NoError(t, s.Put(ctx, "p:2", nil, 0))
		for k, err := range s.ScanPrefix(ctx, "p:") {
			require.NoError(t, err)
			require.NoError(t, s.Delete(ctx, k))
		}
		assert.Equal(t, 0, s.Len())
	})

	t.Run("failure is propagated", func(t *testing.T) {
		s := NewMemoryStore()
		boom := models.NewStorageError("get", errors.New("down"))
		s.SetFailure(boom)

		_, _, err := s.Get(ctx, "a")
		assert.ErrorIs(t, err, models.ErrStorageUnavailable)
		assert.ErrorIs(t, s.Put(ctx, "a", nil, 0), models.ErrStorageUnavailable)
		_, err = collect(t, s, "")
		assert.ErrorIs(t, err, models.ErrStorageUnavailable)

		s.SetFailure(nil)
		assert.NoError(t, s.Put(ctx, "a", nil, 0))
	})
}

func TestMemoryObjectStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryObjectStore()

	require.NoError(t, s.Put(ctx, "room/ABC/round/r1/k.mp3", []byte("audio"), "audio/mpeg"))
	ok, err := s.Exists(ctx, "room/ABC/round/r1/k.mp3")
	require.NoError(t, err)
	assert.True(t, ok)

	obj, err := s.Get(ctx, "room/ABC/round/r1/k.mp3")
	require.NoError(t, err)
	body, _ := io.ReadAll(obj.Body)
	assert.Equal(t, "audio", string(body))
	assert.Equal(t, "audio/mpeg", obj.ContentType)
	assert.Equal(t, int64(5), obj.Size)
	assert.Equal(t, []string{"room/ABC/round/r1/k.mp3"}, s.Keys("room/ABC/"))

	require.NoError(t, s.Delete(ctx, "room/ABC/round/r1/k.mp3"))
	_, err = s.Get(ctx, "room/ABC/round/r1/k.mp3")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "storyfill:room:room_1:state", RoomStateKey("room_1"))
	assert.Equal(t, "storyfill:room_code:ABCDEF", RoomCodeKey("abcdef"))
	assert.Equal(t, "storyfill:room:room_1:presence", RoomPresenceKey("room_1"))
	assert.Equal(t, "storyfill:rate:ip:1:create_room", RateLimitKey("ip:1:create_room"))

	id, ok := RoomIDFromStateKey(RoomStateKey("room_1"))
	assert.True(t, ok)
	assert.Equal(t, "room_1", id)

	_, ok = RoomIDFromStateKey(RoomPresenceKey("room_1"))
	assert.False(t, ok)
	_, ok = RoomIDFromStateKey("storyfill:room_code:ABC")
	assert.False(t, ok)
}
