package models

import (
	"time"
)

// Константы жизненного цикла комнаты. RoomStoreGrace - сколько ключи комнаты
// живут в хранилище сверх RoomTTL, пока их не закроет sweeper или ленивая проверка.
const (
	RoomTTL                = time.Hour
	RoomStoreGrace         = 5 * time.Minute
	DisconnectGrace        = 30 * time.Second
	PromptsPerPlayer       = 3
	MaxPlayers             = 6
	MinPlayersToStart      = 2
	MaxDisplayNameLength   = 30
	RoomCodeLength         = 6
	DefaultMissingSlotText = "something"
)

// RoomState - состояние комнаты.
type RoomState string

const (
	RoomStateLobbyOpen         RoomState = "LobbyOpen"
	RoomStateCollectingPrompts RoomState = "CollectingPrompts"
	RoomStateAllSubmitted      RoomState = "AllSubmitted"
	RoomStateRevealed          RoomState = "Revealed"
	RoomStateClosed            RoomState = "Closed"
	RoomStateExpired           RoomState = "Expired"
)

// IsTerminal сообщает, является ли состояние конечным.
func (s RoomState) IsTerminal() bool {
	return s == RoomStateClosed || s == RoomStateExpired
}

// Player - участник комнаты. Token - единственный credential игрока.
type Player struct {
	ID             string     `json:"id"`
	Token          string     `json:"token"`
	DisplayName    string     `json:"display_name"`
	JoinedAt       time.Time  `json:"joined_at"`
	Connected      bool       `json:"connected"`
	DisconnectedAt *time.Time `json:"disconnected_at"`
}

// PromptAssignment - один слот шаблона, выданный игроку в текущем раунде.
// Промпт считается отправленным, если Value != nil; после этого он не меняется.
type PromptAssignment struct {
	ID               string     `json:"id"`
	SlotID           string     `json:"slot_id"`
	Label            string     `json:"label"`
	Type             string     `json:"type"`
	OriginalAssignee string     `json:"original_assignee"`
	AssignedTo       string     `json:"assigned_to"`
	Value            *string    `json:"value"`
	SubmittedAt      *time.Time `json:"submitted_at"`
}

// IsSubmitted - значение уже сохранено.
func (p *PromptAssignment) IsSubmitted() bool {
	return p.Value != nil
}

// Room - агрегат игровой сессии. Сохраняется в хранилище целиком одним документом.
type Room struct {
	ID             string             `json:"id"`
	Code           string             `json:"code"`
	RoundID        string             `json:"round_id"`
	RoundIndex     int                `json:"round_index"`
	StateVersion   int64              `json:"state_version"`
	State          RoomState          `json:"state"`
	HostToken      string             `json:"host_token"`
	Locked         bool               `json:"locked"`
	TemplateID     string             `json:"template_id"`
	RevealedStory  *string            `json:"revealed_story"`
	RevealedAt     *time.Time         `json:"revealed_at"`
	TTSJobID       *string            `json:"tts_job_id"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	Players        []Player           `json:"players"`
	Prompts        []PromptAssignment `json:"prompts"`
	AuditSessionID *string            `json:"db_session_id"`
	AuditRoundID   *string            `json:"db_round_id"`
}

// Touch обновляет updated_at, продлевая жизнь комнаты.
func (r *Room) Touch(now time.Time) {
	r.UpdatedAt = now
}

// RecordMutation увеличивает state_version и продлевает жизнь комнаты.
func (r *Room) RecordMutation(now time.Time) {
	r.StateVersion++
	r.Touch(now)
}

// ExpiresAt - момент истечения: updated_at + ttl.
func (r *Room) ExpiresAt(ttl time.Duration) time.Time {
	return r.UpdatedAt.Add(ttl)
}

// IsExpired проверяет, истек ли TTL неактивности.
func (r *Room) IsExpired(now time.Time, ttl time.Duration) bool {
	return !r.ExpiresAt(ttl).After(now)
}

// Player возвращает указатель в r.Players или nil.
func (r *Room) Player(playerID string) *Player {
	for i := range r.Players {
		if r.Players[i].ID == playerID {
			return &r.Players[i]
		}
	}
	return nil
}

// Prompt возвращает указатель в r.Prompts или nil.
func (r *Room) Prompt(promptID string) *PromptAssignment {
	for i := range r.Prompts {
		if r.Prompts[i].ID == promptID {
			return &r.Prompts[i]
		}
	}
	return nil
}

// PlayerPrompts возвращает промпты, которые сейчас назначены игроку.
func (r *Room) PlayerPrompts(playerID string) []PromptAssignment {
	result := make([]PromptAssignment, 0, PromptsPerPlayer)
	for _, p := range r.Prompts {
		if p.AssignedTo == playerID {
			result = append(result, p)
		}
	}
	return result
}

// HostPlayerID - первый вошедший игрок считается хостом.
func (r *Room) HostPlayerID() string {
	if len(r.Players) == 0 {
		return ""
	}
	return r.Players[0].ID
}

// RoomProgress - счетчики прогресса раунда.
type RoomProgress struct {
	AssignedTotal     int  `json:"assigned_total"`
	SubmittedTotal    int  `json:"submitted_total"`
	ConnectedTotal    int  `json:"connected_total"`
	DisconnectedTotal int  `json:"disconnected_total"`
	ReadyToReveal     bool `json:"ready_to_reveal"`
}

// PlayerSnapshot - публичное представление игрока (без токена).
type PlayerSnapshot struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	IsHost      bool   `json:"is_host"`
	Connected   bool   `json:"connected"`
}

// RoomSnapshot - публичный снимок комнаты для клиентов.
type RoomSnapshot struct {
	RoomID       string           `json:"room_id"`
	RoomCode     string           `json:"room_code"`
	RoundID      string           `json:"round_id"`
	RoundIndex   int              `json:"round_index"`
	StateVersion int64            `json:"state_version"`
	RoomState    RoomState        `json:"room_state"`
	Locked       bool             `json:"locked"`
	TemplateID   string           `json:"template_id"`
	Players      []PlayerSnapshot `json:"players"`
}

// Snapshot строит RoomSnapshot.
func (r *Room) Snapshot() RoomSnapshot {
	players := make([]PlayerSnapshot, 0, len(r.Players))
	for i, p := range r.Players {
		players = append(players, PlayerSnapshot{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			IsHost:      i == 0,
			Connected:   p.Connected,
		})
	}
	return RoomSnapshot{
		RoomID:       r.ID,
		RoomCode:     r.Code,
		RoundID:      r.RoundID,
		RoundIndex:   r.RoundIndex,
		StateVersion: r.StateVersion,
		RoomState:    r.State,
		Locked:       r.Locked,
		TemplateID:   r.TemplateID,
		Players:      players,
	}
}

// PromptSummary - промпт глазами игрока.
type PromptSummary struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Type      string `json:"type"`
	Submitted bool   `json:"submitted"`
}

// Summaries превращает назначения в то, что видит игрок.
func Summaries(prompts []PromptAssignment) []PromptSummary {
	out := make([]PromptSummary, 0, len(prompts))
	for _, p := range prompts {
		out = append(out, PromptSummary{ID: p.ID, Label: p.Label, Type: p.Type, Submitted: p.IsSubmitted()})
	}
	return out
}

// ShareArtifact - публичная ссылка на раскрытую историю.
type ShareArtifact struct {
	Token         string    `json:"token"`
	RoomCode      string    `json:"room_code"`
	RoundID       string    `json:"round_id"`
	RenderedStory string    `json:"rendered_story"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}
