package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"storyfill-server/internal/messaging"
	"storyfill-server/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthCheck проверяет одну внешнюю зависимость.
type HealthCheck func(ctx context.Context) error

const healthCheckTimeout = 3 * time.Second

// RoomHandler - HTTP и WebSocket поверхность комнат.
type RoomHandler struct {
	rooms  *service.RoomService
	events messaging.Subscriber
	checks map[string]HealthCheck
	logger *zap.Logger
}

// NewRoomHandler создает обработчик. events может быть nil: тогда WebSocket
// отдает только начальный снимок и держит соединение.
func NewRoomHandler(rooms *service.RoomService, events messaging.Subscriber, checks map[string]HealthCheck, logger *zap.Logger) *RoomHandler {
	return &RoomHandler{
		rooms:  rooms,
		events: events,
		checks: checks,
		logger: logger.Named("RoomHandler"),
	}
}

func (h *RoomHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.HEAD("/health", h.health)
	router.GET("/health/live", h.live)

	v1 := router.Group("/v1")
	{
		v1.POST("/rooms", h.createRoom)
		v1.GET("/ws", h.serveWS)
		v1.GET("/templates", h.listTemplates)
		v1.GET("/templates/:template", h.getTemplate)
		v1.GET("/shares/:token", h.getShare)
		v1.POST("/solo/polish", h.soloPolish)
	}

	room := v1.Group("/rooms/:code")
	{
		room.POST("/join", h.joinRoom)
		room.POST("/start", h.startRoom)
		room.POST("/end", h.endRoom)
		room.POST("/leave", h.leaveRoom)
		room.GET("/snapshot", h.snapshot)
		room.POST("/lock", h.lockRoom)
		room.POST("/unlock", h.unlockRoom)
		room.POST("/template", h.setTemplate)
		room.POST("/reveal", h.reveal)
		room.POST("/replay", h.replay)

		room.POST("/players/:player/kick", h.kickPlayer)
		room.POST("/players/:player/disconnect", h.disconnectPlayer)
		room.POST("/players/:player/reconnect", h.reconnectPlayer)

		room.GET("/rounds/:round/prompts", h.listPrompts)
		room.POST("/rounds/:round/prompts/:prompt/submit", h.submitPrompt)
		room.GET("/rounds/:round/progress", h.progress)
		room.GET("/rounds/:round/story", h.story)
		room.GET("/rounds/:round/tts", h.ttsStatus)
		room.POST("/rounds/:round/tts", h.requestTTS)
		room.POST("/rounds/:round/share", h.shareStory)
	}

	tts := v1.Group("/tts/jobs/:job")
	{
		tts.GET("", h.ttsJob)
		tts.POST("/playback", h.ttsPlayback)
		tts.GET("/audio", h.ttsAudio)
	}
}

// bindJSON разбирает тело запроса. Пустое тело допустимо, если allowEmpty.
func bindJSON(c *gin.Context, dst any, allowEmpty bool) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		abortBadRequest(c, "Invalid request data: "+err.Error())
		return false
	}
	return true
}

// health опрашивает все зависимости; любая ошибка дает 503 "degraded".
func (h *RoomHandler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	deps := make(gin.H, len(h.checks))
	ok := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			ok = false
			deps[name] = gin.H{"status": "error", "error": err.Error()}
			h.logger.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		deps[name] = gin.H{"status": "ok"}
	}

	status := http.StatusOK
	state := "ok"
	if !ok {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":       state,
		"ts":           time.Now().UTC().Format(time.RFC3339),
		"dependencies": deps,
	})
}

func (h *RoomHandler) live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "live", "ts": time.Now().UTC().Format(time.RFC3339)})
}
