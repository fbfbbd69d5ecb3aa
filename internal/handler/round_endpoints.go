package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (h *RoomHandler) listPrompts(c *gin.Context) {
	prompts, err := h.rooms.PlayerPrompts(c.Request.Context(),
		c.Param("code"), c.Param("round"), c.Query("player_id"), c.Query("player_token"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, promptListResponse{Prompts: prompts})
}

func (h *RoomHandler) submitPrompt(c *gin.Context) {
	var req submitPromptRequest
	if !bindJSON(c, &req, false) {
		return
	}
	err := h.rooms.SubmitPrompt(c.Request.Context(),
		c.Param("code"), c.Param("round"), c.Param("prompt"), req.PlayerID, req.PlayerToken, req.Value)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusOK)
}

func (h *RoomHandler) progress(c *gin.Context) {
	progress, err := h.rooms.Progress(c.Request.Context(), c.Param("code"), c.Param("round"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (h *RoomHandler) reveal(c *gin.Context) {
	var req hostActionRequest
	if !bindJSON(c, &req, false) {
		return
	}
	room, story, err := h.rooms.Reveal(c.Request.Context(), c.Param("code"), req.HostToken)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, storyResponse{RoomID: room.ID, RoundID: room.RoundID, RenderedStory: story})
}

func (h *RoomHandler) story(c *gin.Context) {
	room, err := h.rooms.Story(c.Request.Context(), c.Param("code"), c.Param("round"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, storyResponse{RoomID: room.ID, RoundID: room.RoundID, RenderedStory: *room.RevealedStory})
}

func (h *RoomHandler) replay(c *gin.Context) {
	var req hostActionRequest
	if !bindJSON(c, &req, false) {
		return
	}
	room, err := h.rooms.Replay(c.Request.Context(), c.Param("code"), req.HostToken)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, replayResponse{RoomID: room.ID, RoundID: room.RoundID})
}

func (h *RoomHandler) shareStory(c *gin.Context) {
	var req hostActionRequest
	if !bindJSON(c, &req, false) {
		return
	}
	share, err := h.rooms.ShareStory(c.Request.Context(), c.Param("code"), c.Param("round"), req.HostToken)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, shareResponse{
		ShareToken: share.Token,
		ShareURL:   h.rooms.ShareURL(share.Token),
		ExpiresAt:  share.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
