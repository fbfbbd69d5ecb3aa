package models

import "time"

// Типы событий реального времени.
const (
	EventRoomSnapshot = "room.snapshot"
	EventRoomExpired  = "room.expired"
)

// RoomEvent - конверт события в общем канале. Подписчики фильтруют по RoomCode.
type RoomEvent struct {
	Type         string      `json:"type"`
	RequestID    string      `json:"request_id"`
	RoomCode     string      `json:"room_code"`
	RoundID      string      `json:"round_id,omitempty"`
	StateVersion int64       `json:"state_version,omitempty"`
	Timestamp    time.Time   `json:"ts"`
	Payload      interface{} `json:"payload,omitempty"`
}

// SnapshotPayload - полный снимок комнаты плюс прогресс раунда.
type SnapshotPayload struct {
	RoomSnapshot RoomSnapshot `json:"room_snapshot"`
	Progress     RoomProgress `json:"progress"`
}

// ExpiredPayload - причина закрытия комнаты ("expired" или "ended").
type ExpiredPayload struct {
	Reason string `json:"reason"`
}

// Поля записи аудита модерации.
const (
	ModerationScopePrompt = "prompt"
	ModerationScopeStory  = "story"

	ModerationResultPass  = "pass"
	ModerationResultBlock = "block"

	ModerationReasonBlockedLanguage = "blocked_language"
	ModerationReasonEmptyStory      = "empty_story"
)

// ModerationEvent - запись аудита модерации.
type ModerationEvent struct {
	Scope      string  `json:"scope"`
	Result     string  `json:"result"`
	ReasonCode *string `json:"reason_code"`
}
