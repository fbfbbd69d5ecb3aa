package models

import (
	"errors"
	"fmt"
	"time"
)

// Общие ошибки домена. Хендлеры маппят их в HTTP статусы через errors.Is.
var (
	ErrInvalidTransition   = errors.New("invalid room state transition")
	ErrStorageUnavailable  = errors.New("storage temporarily unavailable")
	ErrNotFound            = errors.New("not found")
	ErrValidationFailed    = errors.New("validation failed")
	ErrModerationBlocked   = errors.New("content blocked by moderation")
	ErrRateLimited         = errors.New("rate limited")
	ErrSynthesisFailed     = errors.New("narration synthesis failed")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("conflict")
	ErrInvalidPlayback     = errors.New("unknown playback action")
	ErrUnknownTemplate     = errors.New("unknown template")
	ErrRoomExpired         = errors.New("room expired")
)

// Частные случаи NotFound.
var (
	ErrRoomNotFound     = fmt.Errorf("room %w", ErrNotFound)
	ErrRoundNotFound    = fmt.Errorf("room or round %w", ErrNotFound)
	ErrPlayerNotFound   = fmt.Errorf("player %w", ErrNotFound)
	ErrPromptNotFound   = fmt.Errorf("prompt for player %w", ErrNotFound)
	ErrJobNotFound      = fmt.Errorf("narration job %w", ErrNotFound)
	ErrShareNotFound    = fmt.Errorf("share link %w", ErrNotFound)
	ErrTemplateNotFound = fmt.Errorf("template %w", ErrNotFound)
)

// Частные случаи Conflict (409) и Forbidden (403).
var (
	ErrGameAlreadyStarted     = fmt.Errorf("game already started: %w", ErrConflict)
	ErrGameNotStarted         = fmt.Errorf("game has not started yet: %w", ErrConflict)
	ErrNotEnoughPlayers       = fmt.Errorf("need at least %d players to start: %w", MinPlayersToStart, ErrConflict)
	ErrRoomFull               = fmt.Errorf("room is full (max %d players): %w", MaxPlayers, ErrConflict)
	ErrCollectionClosed       = fmt.Errorf("prompt collection is closed: %w", ErrConflict)
	ErrPromptAlreadySubmitted = fmt.Errorf("prompt already submitted: %w", ErrConflict)
	ErrNotReadyToReveal       = fmt.Errorf("all prompts must be submitted before reveal: %w", ErrConflict)
	ErrStoryNotRevealed       = fmt.Errorf("story not revealed yet: %w", ErrConflict)
	ErrStoryAlreadyRevealed   = fmt.Errorf("story already revealed: %w", ErrConflict)
	ErrRoomLocked             = fmt.Errorf("room locked: %w", ErrForbidden)
	ErrHostTokenRequired      = fmt.Errorf("host token required: %w", ErrForbidden)
	ErrPlayerTokenRequired    = fmt.Errorf("player token required: %w", ErrForbidden)
)

// InvalidTransitionError называет недопустимую пару from/to.
type InvalidTransitionError struct {
	From RoomState
	To   RoomState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid room state transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError несет сообщение для пользователя.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// NewValidationError создает *ValidationError.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ModerationBlockedError несет дружелюбную причину блокировки.
type ModerationBlockedError struct {
	Reason string
}

func (e *ModerationBlockedError) Error() string { return e.Reason }

func (e *ModerationBlockedError) Unwrap() error { return ErrModerationBlocked }

// RateLimitedError несет подсказку Retry-After.
type RateLimitedError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// StorageError оборачивает сбой бэкенда в ErrStorageUnavailable, сохраняя причину.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageUnavailable.Error(), e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageUnavailable, e.Err} }

// NewStorageError оборачивает err операции op. nil остается nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
