package service

import (
	"storyfill-server/internal/models"
)

// allowedTransitions - таблица допустимых переходов состояния комнаты.
// Closed и Expired конечные.
var allowedTransitions = map[models.RoomState]map[models.RoomState]bool{
	models.RoomStateLobbyOpen: {
		models.RoomStateCollectingPrompts: true,
		models.RoomStateClosed:            true,
		models.RoomStateExpired:           true,
	},
	models.RoomStateCollectingPrompts: {
		models.RoomStateAllSubmitted:      true,
		models.RoomStateRevealed:          true,
		models.RoomStateCollectingPrompts: true,
		models.RoomStateClosed:            true,
		models.RoomStateExpired:           true,
	},
	models.RoomStateAllSubmitted: {
		models.RoomStateRevealed:          true,
		models.RoomStateCollectingPrompts: true,
		models.RoomStateClosed:            true,
		models.RoomStateExpired:           true,
	},
	models.RoomStateRevealed: {
		models.RoomStateCollectingPrompts: true,
		models.RoomStateClosed:            true,
		models.RoomStateExpired:           true,
	},
	models.RoomStateClosed:  {},
	models.RoomStateExpired: {},
}

// CanTransition сообщает, допустим ли переход from -> to. Переход в то же состояние всегда допустим.
func CanTransition(from, to models.RoomState) bool {
	if from == to {
		return true
	}
	return allowedTransitions[from][to]
}

// Transition переводит комнату в состояние to.
// Недопустимый переход возвращает *models.InvalidTransitionError и не меняет комнату.
func Transition(room *models.Room, to models.RoomState) error {
	if room.State == to {
		return nil
	}
	if !CanTransition(room.State, to) {
		return &models.InvalidTransitionError{From: room.State, To: to}
	}
	room.State = to
	return nil
}
