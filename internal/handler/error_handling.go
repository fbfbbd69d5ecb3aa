package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"storyfill-server/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func handleServiceError(c *gin.Context, err error) {
	var statusCode int
	var errResp ErrorResponse

	var validationErr *models.ValidationError
	var moderationErr *models.ModerationBlockedError
	var rateErr *models.RateLimitedError

	switch {
	case errors.As(err, &rateErr):
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(rateErr)))
		statusCode = http.StatusTooManyRequests
		errResp = ErrorResponse{Code: ErrCodeRateLimited, Message: rateErr.Error()}
	case errors.Is(err, models.ErrStorageUnavailable):
		statusCode = http.StatusServiceUnavailable
		errResp = ErrorResponse{Code: ErrCodeStorageUnavailable, Message: "Storage temporarily unavailable."}
	case errors.Is(err, models.ErrRoomExpired):
		statusCode = http.StatusGone
		errResp = ErrorResponse{Code: ErrCodeRoomExpired, Message: "Room expired."}
	case errors.As(err, &validationErr):
		statusCode = http.StatusBadRequest
		errResp = ErrorResponse{Code: ErrCodeValidation, Message: validationErr.Message}
	case errors.As(err, &moderationErr):
		statusCode = http.StatusBadRequest
		errResp = ErrorResponse{Code: ErrCodeModerationBlocked, Message: moderationErr.Reason}
	case errors.Is(err, models.ErrUnknownTemplate):
		statusCode = http.StatusBadRequest
		errResp = ErrorResponse{Code: ErrCodeBadRequest, Message: "Unknown template."}
	case errors.Is(err, models.ErrInvalidPlayback):
		statusCode = http.StatusBadRequest
		errResp = ErrorResponse{Code: ErrCodeBadRequest, Message: "Invalid playback action or job not found."}
	case errors.Is(err, models.ErrNotFound):
		statusCode = http.StatusNotFound
		errResp = ErrorResponse{Code: ErrCodeNotFound, Message: notFoundMessage(err)}
	case errors.Is(err, models.ErrForbidden):
		statusCode = http.StatusForbidden
		errResp = ErrorResponse{Code: ErrCodeForbidden, Message: forbiddenMessage(err)}
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrInvalidTransition):
		statusCode = http.StatusConflict
		errResp = ErrorResponse{Code: ErrCodeConflict, Message: conflictMessage(err)}
	default:
		zap.L().Error("Unhandled internal error in handleServiceError", zap.Error(err))
		statusCode = http.StatusInternalServerError
		errResp = ErrorResponse{Code: ErrCodeInternal, Message: "An unexpected internal error occurred"}
	}

	errorResponsesTotal.WithLabelValues(strconv.Itoa(statusCode), errResp.Code).Inc()
	c.AbortWithStatusJSON(statusCode, errResp)
}

func abortBadRequest(c *gin.Context, message string) {
	errorResponsesTotal.WithLabelValues(strconv.Itoa(http.StatusBadRequest), ErrCodeBadRequest).Inc()
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: ErrCodeBadRequest, Message: message})
}

// retryAfterSeconds округляет вверх, минимум секунда.
func retryAfterSeconds(err *models.RateLimitedError) int {
	seconds := int(math.Ceil(err.RetryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func notFoundMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrRoomNotFound):
		return "Room not found."
	case errors.Is(err, models.ErrRoundNotFound):
		return "Room or round not found."
	case errors.Is(err, models.ErrPlayerNotFound):
		return "Player not found."
	case errors.Is(err, models.ErrPromptNotFound):
		return "Prompt not found for player."
	case errors.Is(err, models.ErrJobNotFound):
		return "TTS job not found."
	case errors.Is(err, models.ErrShareNotFound):
		return "Share link not found."
	case errors.Is(err, models.ErrTemplateNotFound):
		return "Template not found."
	}
	return "Not found."
}

func forbiddenMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrRoomLocked):
		return "Room locked."
	case errors.Is(err, models.ErrHostTokenRequired):
		return "Host token required."
	case errors.Is(err, models.ErrPlayerTokenRequired):
		return "Player token required."
	}
	return "Forbidden."
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrGameAlreadyStarted):
		return "Game already started."
	case errors.Is(err, models.ErrGameNotStarted):
		return "Game has not started yet."
	case errors.Is(err, models.ErrNotEnoughPlayers):
		return "Need at least 2 players to start."
	case errors.Is(err, models.ErrRoomFull):
		return "Room is full (max 6 players)."
	case errors.Is(err, models.ErrCollectionClosed):
		return "Prompt collection is closed."
	case errors.Is(err, models.ErrStoryAlreadyRevealed):
		return "Story already revealed."
	case errors.Is(err, models.ErrPromptAlreadySubmitted):
		return "Prompt already submitted."
	case errors.Is(err, models.ErrNotReadyToReveal):
		return "All prompts must be submitted before reveal."
	case errors.Is(err, models.ErrStoryNotRevealed):
		return "Story not revealed yet."
	}
	return "Conflict."
}
