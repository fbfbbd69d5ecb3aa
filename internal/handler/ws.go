package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storyfill-server/internal/messaging"
	"storyfill-server/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Время, разрешенное для записи сообщения клиенту.
	writeWait = 10 * time.Second
	// Время ожидания следующего pong от клиента.
	pongWait = 60 * time.Second
	// Период пингов. Должен быть меньше pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Клиент ничего полезного не шлет, сообщения только читаются и отбрасываются.
	maxMessageSize = 512
	sendBuffer     = 64
)

// Коды закрытия WebSocket при отказе в подключении.
const (
	CloseBadRequest         = 4400
	CloseUnauthorized       = 4403
	CloseRoomNotFound       = 4404
	CloseRoomExpired        = 4410
	CloseStorageUnavailable = 4503
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsCloseFor переводит ошибку авторизации потока в код закрытия.
func wsCloseFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrStorageUnavailable):
		return CloseStorageUnavailable, "storage temporarily unavailable"
	case errors.Is(err, models.ErrRoomNotFound):
		return CloseRoomNotFound, "room not found"
	case errors.Is(err, models.ErrRoomExpired):
		return CloseRoomExpired, "room expired"
	case errors.Is(err, models.ErrForbidden):
		return CloseUnauthorized, "unauthorized"
	}
	return CloseStorageUnavailable, "storage temporarily unavailable"
}

// serveWS: GET /v1/ws?room_code=...&token=... Сначала начальный снимок комнаты,
// затем все события этой комнаты из общего канала.
func (h *RoomHandler) serveWS(c *gin.Context) {
	roomCode := strings.ToUpper(strings.TrimSpace(c.Query("room_code")))
	token := strings.TrimSpace(c.Query("token"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader уже ответил клиенту
		h.logger.Warn("Failed to upgrade connection", zap.String("roomCode", roomCode), zap.Error(err))
		return
	}

	if roomCode == "" || token == "" {
		h.rejectWS(conn, CloseBadRequest, "room_code and token are required")
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	room, progress, err := h.rooms.AuthorizeStream(ctx, roomCode, token)
	if err != nil {
		code, reason := wsCloseFor(err)
		if code == CloseStorageUnavailable {
			h.logger.Warn("Room stream rejected", zap.String("roomCode", roomCode), zap.Error(err))
		}
		h.rejectWS(conn, code, reason)
		return
	}

	logger := h.logger.With(zap.String("roomCode", roomCode))
	client := &wsClient{
		conn:     conn,
		roomCode: roomCode,
		send:     make(chan []byte, sendBuffer),
		logger:   logger,
	}

	initial, err := messaging.EncodeSnapshot(messaging.SnapshotEvent{
		RoomCode:     room.Code,
		RoundID:      room.RoundID,
		StateVersion: room.StateVersion,
		Snapshot:     room.Snapshot(),
		Progress:     progress,
	}, time.Now())
	if err != nil {
		logger.Warn("Failed to encode initial snapshot", zap.Error(err))
	} else {
		client.send <- initial
	}

	var sub *messaging.Subscription
	if h.events != nil {
		sub, err = h.events.Subscribe(ctx)
		if err != nil {
			logger.Warn("Event subscription unavailable, connection stays keepalive-only", zap.Error(err))
			sub = nil
		}
	}

	wsConnectionsActive.Inc()
	defer wsConnectionsActive.Dec()
	logger.Debug("WebSocket connection established")

	writeDone := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(writeDone)
	}()
	if sub != nil {
		defer sub.Close()
		go client.forward(ctx, sub)
	}

	client.readPump()
	cancel()
	<-writeDone
	logger.Debug("WebSocket connection closed")
}

func (h *RoomHandler) rejectWS(conn *websocket.Conn, code int, reason string) {
	wsRejectedTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		h.logger.Debug("Failed to send close frame", zap.Int("code", code), zap.Error(err))
	}
	_ = conn.Close()
}

// wsClient - одно соединение. Писать в conn может только writePump.
type wsClient struct {
	conn     *websocket.Conn
	roomCode string
	send     chan []byte
	logger   *zap.Logger
}

// readPump читает до ошибки или закрытия; входящие сообщения игнорируются.
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump отправляет очередь send и пинги до отмены ctx.
func (c *wsClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// forward пересылает события своей комнаты. При полной очереди событие отбрасывается.
func (c *wsClient) forward(ctx context.Context, sub *messaging.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if msg.RoomCode != c.roomCode {
				continue
			}
			select {
			case c.send <- msg.Data:
			default:
				c.logger.Warn("WebSocket send queue full, dropping event")
			}
		}
	}
}
