package handler

import (
	"errors"
	"net/http"

	"storyfill-server/internal/models"
	"storyfill-server/internal/narration"

	"github.com/gin-gonic/gin"
)

const audioFilename = "storyfill-narration"

func (h *RoomHandler) ttsStatus(c *gin.Context) {
	job, err := h.rooms.NarrationStatus(c.Request.Context(), c.Param("code"), c.Param("round"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.StatusView(job))
}

func (h *RoomHandler) requestTTS(c *gin.Context) {
	var req ttsRequest
	if !bindJSON(c, &req, false) {
		return
	}
	job, err := h.rooms.RequestNarration(c.Request.Context(),
		c.Param("code"), c.Param("round"), req.HostToken, req.Model, req.VoiceID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.StatusView(job))
}

func (h *RoomHandler) ttsJob(c *gin.Context) {
	job, err := h.rooms.Job(c.Param("job"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.StatusView(job))
}

// ttsPlayback: неизвестное действие и неизвестная задача дают один и тот же 400.
func (h *RoomHandler) ttsPlayback(c *gin.Context) {
	var req playbackRequest
	if !bindJSON(c, &req, false) {
		return
	}
	job, err := h.rooms.Playback(c.Request.Context(), c.Param("job"), req.Action)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			err = models.ErrInvalidPlayback
		}
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.StatusView(job))
}

func (h *RoomHandler) ttsAudio(c *gin.Context) {
	job, obj, err := h.rooms.Audio(c.Request.Context(), c.Param("job"))
	if err != nil {
		errorResponsesTotal.WithLabelValues("404", ErrCodeNotFound).Inc()
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Code: ErrCodeNotFound, Message: "Audio not available."})
		return
	}
	defer obj.Body.Close()

	filename := audioFilename
	if job.AudioKey != nil {
		if ext := narration.Extension(*job.AudioKey); ext != "" {
			filename += "." + ext
		}
	}
	size := obj.Size
	if size <= 0 {
		size = -1
	}
	c.DataFromReader(http.StatusOK, size, obj.ContentType, obj.Body, map[string]string{
		"Content-Disposition": "attachment; filename=" + filename,
	})
}
