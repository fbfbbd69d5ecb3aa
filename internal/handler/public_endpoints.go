package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (h *RoomHandler) listTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, h.rooms.Templates())
}

func (h *RoomHandler) getTemplate(c *gin.Context) {
	def, err := h.rooms.Template(c.Param("template"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *RoomHandler) getShare(c *gin.Context) {
	share, err := h.rooms.GetShare(c.Request.Context(), c.Param("token"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, shareArtifactResponse{
		ShareToken:    share.Token,
		RoomCode:      share.RoomCode,
		RoundID:       share.RoundID,
		RenderedStory: share.RenderedStory,
		ExpiresAt:     share.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *RoomHandler) soloPolish(c *gin.Context) {
	var req soloPolishRequest
	if !bindJSON(c, &req, false) {
		return
	}
	result, err := h.rooms.SoloPolish(c.Request.Context(), c.ClientIP(), req.Story)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
