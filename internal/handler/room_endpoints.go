package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *RoomHandler) createRoom(c *gin.Context) {
	var req createRoomRequest
	if !bindJSON(c, &req, true) {
		return
	}

	room, host, err := h.rooms.CreateRoom(c.Request.Context(), c.ClientIP(), req.TemplateID, req.DisplayName)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, createRoomResponse{
		RoomCode:          room.Code,
		RoomID:            room.ID,
		RoundID:           room.RoundID,
		PlayerID:          host.ID,
		PlayerToken:       host.Token,
		PlayerDisplayName: host.DisplayName,
		HostToken:         room.HostToken,
		WSURL:             h.rooms.WSURL(),
		TemplateID:        room.TemplateID,
		RoomSnapshot:      room.Snapshot(),
	})
}

func (h *RoomHandler) joinRoom(c *gin.Context) {
	var req joinRoomRequest
	if !bindJSON(c, &req, true) {
		return
	}

	room, player, err := h.rooms.JoinRoom(c.Request.Context(), c.Param("code"), c.ClientIP(), req.DisplayName)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, joinRoomResponse{
		PlayerID:          player.ID,
		PlayerToken:       player.Token,
		PlayerDisplayName: player.DisplayName,
		RoomSnapshot:      room.Snapshot(),
	})
}

func (h *RoomHandler) startRoom(c *gin.Context) {
	var req hostActionRequest
	if !bindJSON(c, &req, false) {
		return
	}
	room, err := h.rooms.StartRoom(c.Request.Context(), c.Param("code"), req.HostToken)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, room.Snapshot())
}

func (h *RoomHandler) endRoom(c *gin.Context) {
	var req hostActionRequest
	if !bindJSON(c, &req, false) {
		return
	}
	if err := h.rooms.EndRoom(c.Request.Context(), c.Param("code"), req.HostToken); err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusOK)
}

func (h *RoomHandler) leaveRoom(c *gin.Context) {
	var req leaveRoomRequest
	if !bindJSON(c, &req, false) {
		return
	}
	if err := h.rooms.LeaveRoom(c.Request.Context(), c.Param("code"), req.PlayerID, req.PlayerToken); err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusOK)
}

func (h *RoomHandler) snapshot(c *gin.Context) {
	room, err := h.rooms.Snapshot(c.Request.Context(), c.Param("code"), c.Query("host_token"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, room.Snapshot())
}

func (h *RoomHandler) lockRoom(c *gin.Context) {
	h.setLocked(c, true)
}

func (h *RoomHandler) unlockRoom(c *gin.Context) {
	h.setLocked(c, false)
}

func (h *RoomHandler) setLocked(c *gin.Context, locked bool) {
	var req hostActionRequest
	if !bindJSON(c, &req, false) {
		return
	}
	room, err := h.rooms.SetLocked(c.Request.Context(), c.Param("code"), req.HostToken, locked)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, room.Snapshot())
}

func (h *RoomHandler) setTemplate(c *gin.Context) {
	var req setTemplateRequest
	if !bindJSON(c, &req, false) {
		return
	}
	room, err := h.rooms.SetTemplate(c.Request.Context(), c.Param("code"), req.HostToken, req.TemplateID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, room.Snapshot())
}

func (h *RoomHandler) kickPlayer(c *gin.Context) {
	var req hostActionRequest
	if !bindJSON(c, &req, false) {
		return
	}
	room, err := h.rooms.KickPlayer(c.Request.Context(), c.Param("code"), req.HostToken, c.Param("player"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, room.Snapshot())
}

func (h *RoomHandler) disconnectPlayer(c *gin.Context) {
	var req playerTokenRequest
	if !bindJSON(c, &req, false) {
		return
	}
	if err := h.rooms.DisconnectPlayer(c.Request.Context(), c.Param("code"), c.Param("player"), req.PlayerToken); err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusOK)
}

func (h *RoomHandler) reconnectPlayer(c *gin.Context) {
	var req playerTokenRequest
	if !bindJSON(c, &req, false) {
		return
	}
	room, player, prompts, err := h.rooms.ReconnectPlayer(c.Request.Context(), c.Param("code"), c.Param("player"), req.PlayerToken)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, reconnectResponse{
		PlayerID:          player.ID,
		PlayerToken:       player.Token,
		PlayerDisplayName: player.DisplayName,
		RoomSnapshot:      room.Snapshot(),
		Prompts:           prompts,
	})
}
