package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storyfill-server/internal/models"
	"storyfill-server/internal/repository"
	"storyfill-server/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingExpirer struct {
	mu      sync.Mutex
	rooms   *repository.RoomRepository
	expired []string
	reasons []string
}

func (e *recordingExpirer) ExpireRoom(ctx context.Context, room *models.Room, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expired = append(e.expired, room.Code)
	e.reasons = append(e.reasons, reason)
	if e.rooms != nil {
		_ = e.rooms.Delete(ctx, room)
	}
}

func (e *recordingExpirer) codes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.expired...)
}

type failingScanner struct {
	rooms []*models.Room
	err   error
}

func (s failingScanner) Scan(_ context.Context, fn func(*models.Room) error) error {
	for _, r := range s.rooms {
		if err := fn(r); err != nil {
			return err
		}
	}
	return s.err
}

func (failingScanner) TTL() time.Duration { return models.RoomTTL }

func saveRoom(t *testing.T, repo *repository.RoomRepository, id, code string, updatedAt time.Time) *models.Room {
	t.Helper()
	room := &models.Room{
		ID:           id,
		Code:         code,
		RoundID:      "round_" + id,
		StateVersion: 1,
		State:        models.RoomStateLobbyOpen,
		CreatedAt:    updatedAt,
		UpdatedAt:    updatedAt,
		Players:      []models.Player{},
		Prompts:      []models.PromptAssignment{},
	}
	require.NoError(t, repo.Save(context.Background(), room))
	return room
}

func TestSweeper_SweepOnce(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	now := time.Now()

	store := storage.NewMemoryStore()
	repo := repository.NewRoomRepository(store, 0, logger)
	saveRoom(t, repo, "room_fresh", "FRESH1", now.Add(-10*time.Minute))
	saveRoom(t, repo, "room_stale", "STALE1", now.Add(-models.RoomTTL-time.Second))
	saveRoom(t, repo, "room_edge", "EDGE01", now.Add(-models.RoomTTL))

	expirer := &recordingExpirer{rooms: repo}
	sweeper := NewSweeper(repo, expirer, 0, logger)
	sweeper.SetClock(func() time.Time { return now })

	assert.Equal(t, DefaultSweepInterval, sweeper.interval)
	assert.Equal(t, 2, sweeper.SweepOnce(ctx))
	assert.ElementsMatch(t, []string{"STALE1", "EDGE01"}, expirer.codes())
	assert.Equal(t, []string{"expired", "expired"}, expirer.reasons)

	_, err := repo.GetByCode(ctx, "STALE1")
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
	_, err = repo.GetByCode(ctx, "FRESH1")
	assert.NoError(t, err)

	t.Run("second pass finds nothing", func(t *testing.T) {
		assert.Equal(t, 0, sweeper.SweepOnce(ctx))
	})
}

func TestSweeper_ScanErrorStillExpiresFound(t *testing.T) {
	now := time.Now()
	stale := &models.Room{Code: "STALE2", UpdatedAt: now.Add(-2 * models.RoomTTL)}
	fresh := &models.Room{Code: "FRESH2", UpdatedAt: now}

	expirer := &recordingExpirer{}
	sweeper := NewSweeper(failingScanner{rooms: []*models.Room{stale, fresh}, err: errors.New("redis down")}, expirer, time.Second, zap.NewNop())
	sweeper.SetClock(func() time.Time { return now })

	assert.Equal(t, 1, sweeper.SweepOnce(context.Background()))
	assert.Equal(t, []string{"STALE2"}, expirer.codes())
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	now := time.Now()
	stale := &models.Room{Code: "STALE3", UpdatedAt: now.Add(-2 * models.RoomTTL)}
	expirer := &recordingExpirer{}
	sweeper := NewSweeper(failingScanner{rooms: []*models.Room{stale}}, expirer, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(expirer.codes()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
