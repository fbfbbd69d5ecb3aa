package service

import (
	"fmt"
	"testing"
	"time"

	"storyfill-server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var assignNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func connectedPlayer(id string) models.Player {
	return models.Player{ID: id, Connected: true}
}

func disconnectedPlayer(id string, ago time.Duration) models.Player {
	at := assignNow.Add(-ago)
	return models.Player{ID: id, DisconnectedAt: &at}
}

// assignmentRoom выдает каждому игроку по PromptsPerPlayer промптов prompt_1..prompt_N.
func assignmentRoom(players ...models.Player) *models.Room {
	room := &models.Room{State: models.RoomStateCollectingPrompts, Players: players}
	n := 0
	for _, p := range players {
		for i := 0; i < models.PromptsPerPlayer; i++ {
			n++
			room.Prompts = append(room.Prompts, models.PromptAssignment{
				ID:               fmt.Sprintf("prompt_%d", n),
				OriginalAssignee: p.ID,
				AssignedTo:       p.ID,
			})
		}
	}
	return room
}

func markSubmitted(t *testing.T, room *models.Room, promptIDs ...string) {
	t.Helper()
	for _, id := range promptIDs {
		prompt := room.Prompt(id)
		require.NotNil(t, prompt, id)
		value := "done"
		prompt.Value = &value
		prompt.SubmittedAt = &assignNow
	}
}

func assignees(room *models.Room) []string {
	out := make([]string, 0, len(room.Prompts))
	for _, p := range room.Prompts {
		out = append(out, p.AssignedTo)
	}
	return out
}

func TestReassignDisconnected(t *testing.T) {
	t.Run("grace period keeps prompts", func(t *testing.T) {
		room := assignmentRoom(connectedPlayer("a"), disconnectedPlayer("c", models.DisconnectGrace-time.Second))
		assert.False(t, ReassignDisconnected(room, assignNow))
		assert.Equal(t, []string{"a", "a", "a", "c", "c", "c"}, assignees(room))
	})

	t.Run("fewest outstanding wins and submitted stay", func(t *testing.T) {
		room := assignmentRoom(connectedPlayer("a"), connectedPlayer("b"), disconnectedPlayer("c", models.DisconnectGrace))
		markSubmitted(t, room, "prompt_4", "prompt_5", "prompt_7")

		assert.True(t, ReassignDisconnected(room, assignNow))
		assert.Equal(t, []string{"a", "a", "a", "b", "b", "b", "c", "b", "b"}, assignees(room))
		assert.Equal(t, "c", room.Prompt("prompt_7").OriginalAssignee)
		assert.Equal(t, "c", room.Prompt("prompt_8").OriginalAssignee)
	})

	t.Run("ties go to the earlier player", func(t *testing.T) {
		room := assignmentRoom(connectedPlayer("a"), connectedPlayer("b"), disconnectedPlayer("c", time.Minute))
		assert.True(t, ReassignDisconnected(room, assignNow))
		assert.Equal(t, []string{"a", "a", "a", "b", "b", "b", "a", "b", "a"}, assignees(room))
	})

	t.Run("nobody connected uses players still in grace", func(t *testing.T) {
		room := assignmentRoom(
			disconnectedPlayer("a", time.Minute),
			disconnectedPlayer("b", 5*time.Second),
			disconnectedPlayer("c", 10*time.Second),
		)
		assert.True(t, ReassignDisconnected(room, assignNow))
		assert.Equal(t, []string{"b", "c", "b", "b", "b", "b", "c", "c", "c"}, assignees(room))
	})

	t.Run("everyone stale", func(t *testing.T) {
		room := assignmentRoom(disconnectedPlayer("a", time.Minute), disconnectedPlayer("b", time.Minute))
		assert.False(t, ReassignDisconnected(room, assignNow))
		assert.Equal(t, []string{"a", "a", "a", "b", "b", "b"}, assignees(room))
	})

	t.Run("no prompts", func(t *testing.T) {
		room := &models.Room{Players: []models.Player{disconnectedPlayer("a", time.Minute)}}
		assert.False(t, ReassignDisconnected(room, assignNow))
	})
}

func TestReclaimPrompts(t *testing.T) {
	room := assignmentRoom(connectedPlayer("a"), connectedPlayer("b"), disconnectedPlayer("c", time.Minute))
	require.True(t, ReassignDisconnected(room, assignNow))
	// b успел отправить один из промптов c
	markSubmitted(t, room, "prompt_8")

	room.Players[2].Connected = true
	room.Players[2].DisconnectedAt = nil
	assert.True(t, ReclaimPrompts(room, "c"))
	assert.Equal(t, []string{"a", "a", "a", "b", "b", "b", "c", "b", "c"}, assignees(room))

	assert.False(t, ReclaimPrompts(room, "c"), "nothing left to reclaim")
	assert.False(t, ReclaimPrompts(room, "a"))
}

func TestRemovePlayer(t *testing.T) {
	t.Run("connected players take the prompts", func(t *testing.T) {
		room := assignmentRoom(connectedPlayer("a"), disconnectedPlayer("b", time.Second), connectedPlayer("c"))
		markSubmitted(t, room, "prompt_2")

		require.NoError(t, RemovePlayer(room, "a"))
		require.Len(t, room.Players, 2)
		assert.Nil(t, room.Player("a"))
		assert.Equal(t, []string{"c", "a", "c", "b", "b", "b", "c", "c", "c"}, assignees(room))
	})

	t.Run("nobody connected", func(t *testing.T) {
		room := assignmentRoom(
			disconnectedPlayer("a", time.Second),
			disconnectedPlayer("b", time.Second),
			disconnectedPlayer("c", time.Second),
		)
		require.NoError(t, RemovePlayer(room, "b"))
		assert.Equal(t, []string{"a", "a", "a", "a", "c", "a", "c", "c", "c"}, assignees(room))
	})

	t.Run("last player", func(t *testing.T) {
		room := assignmentRoom(connectedPlayer("a"))
		require.NoError(t, RemovePlayer(room, "a"))
		assert.Empty(t, room.Players)
		assert.Equal(t, []string{"a", "a", "a"}, assignees(room))
	})

	t.Run("unknown player", func(t *testing.T) {
		room := assignmentRoom(connectedPlayer("a"))
		assert.ErrorIs(t, RemovePlayer(room, "zz"), models.ErrPlayerNotFound)
	})
}

func TestProgressAndReadiness(t *testing.T) {
	empty := &models.Room{Players: []models.Player{connectedPlayer("a")}}
	assert.False(t, IsReadyToReveal(empty), "no prompts is never ready")

	room := assignmentRoom(connectedPlayer("a"), disconnectedPlayer("b", time.Second))
	markSubmitted(t, room, "prompt_1", "prompt_2", "prompt_3", "prompt_4", "prompt_5")
	progress := Progress(room)
	assert.Equal(t, models.RoomProgress{
		AssignedTotal:     6,
		SubmittedTotal:    5,
		ConnectedTotal:    1,
		DisconnectedTotal: 1,
	}, progress)
	assert.False(t, IsReadyToReveal(room))

	markSubmitted(t, room, "prompt_6")
	assert.True(t, IsReadyToReveal(room))
}
