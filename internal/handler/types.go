package handler

import (
	"storyfill-server/internal/models"
)

// ErrorResponse - тело любого ответа с ошибкой.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Коды ошибок API.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeValidation         = "validation_failed"
	ErrCodeModerationBlocked  = "moderation_blocked"
	ErrCodeNotFound           = "not_found"
	ErrCodeForbidden          = "forbidden"
	ErrCodeConflict           = "conflict"
	ErrCodeRoomExpired        = "room_expired"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeStorageUnavailable = "storage_unavailable"
	ErrCodeInternal           = "internal_error"
)

// --- Requests ---

type createRoomRequest struct {
	TemplateID  string `json:"template_id"`
	DisplayName string `json:"display_name"`
}

type joinRoomRequest struct {
	DisplayName string `json:"display_name"`
}

type hostActionRequest struct {
	HostToken string `json:"host_token"`
}

type setTemplateRequest struct {
	HostToken  string `json:"host_token"`
	TemplateID string `json:"template_id"`
}

type leaveRoomRequest struct {
	PlayerID    string `json:"player_id"`
	PlayerToken string `json:"player_token"`
}

type playerTokenRequest struct {
	PlayerToken string `json:"player_token"`
}

type submitPromptRequest struct {
	PlayerID    string `json:"player_id"`
	PlayerToken string `json:"player_token"`
	Value       string `json:"value"`
}

type ttsRequest struct {
	HostToken string `json:"host_token"`
	Model     string `json:"model"`
	VoiceID   string `json:"voice_id"`
}

type playbackRequest struct {
	Action string `json:"action" binding:"required"`
}

type soloPolishRequest struct {
	Story     string `json:"story" binding:"required"`
	SessionID string `json:"session_id"`
	RoundID   string `json:"round_id"`
}

// --- Responses ---

type createRoomResponse struct {
	RoomCode          string              `json:"room_code"`
	RoomID            string              `json:"room_id"`
	RoundID           string              `json:"round_id"`
	PlayerID          string              `json:"player_id"`
	PlayerToken       string              `json:"player_token"`
	PlayerDisplayName string              `json:"player_display_name"`
	HostToken         string              `json:"host_token"`
	WSURL             string              `json:"ws_url"`
	TemplateID        string              `json:"template_id"`
	RoomSnapshot      models.RoomSnapshot `json:"room_snapshot"`
}

type joinRoomResponse struct {
	PlayerID          string              `json:"player_id"`
	PlayerToken       string              `json:"player_token"`
	PlayerDisplayName string              `json:"player_display_name"`
	RoomSnapshot      models.RoomSnapshot `json:"room_snapshot"`
}

type reconnectResponse struct {
	PlayerID          string                 `json:"player_id"`
	PlayerToken       string                 `json:"player_token"`
	PlayerDisplayName string                 `json:"player_display_name"`
	RoomSnapshot      models.RoomSnapshot    `json:"room_snapshot"`
	Prompts           []models.PromptSummary `json:"prompts"`
}

type statusResponse struct {
	Status string `json:"status"`
}

var statusOK = statusResponse{Status: "ok"}

type promptListResponse struct {
	Prompts []models.PromptSummary `json:"prompts"`
}

type storyResponse struct {
	RoomID        string `json:"room_id"`
	RoundID       string `json:"round_id"`
	RenderedStory string `json:"rendered_story"`
}

type replayResponse struct {
	RoomID  string `json:"room_id"`
	RoundID string `json:"round_id"`
}

type shareResponse struct {
	ShareToken string `json:"share_token"`
	ShareURL   string `json:"share_url"`
	ExpiresAt  string `json:"expires_at"`
}

type shareArtifactResponse struct {
	ShareToken    string `json:"share_token"`
	RoomCode      string `json:"room_code"`
	RoundID       string `json:"round_id"`
	RenderedStory string `json:"rendered_story"`
	ExpiresAt     string `json:"expires_at"`
}
