package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/janiluuk/vimage-api/internal/pkg/response"
	"github.com/janiluuk/vimage-api/internal/service"
)

type ModelsHandler struct {
	videoJobService *service.VideoJobService
}

func NewModelsHandler(videoJobService *service.VideoJobService) *ModelsHandler {
	return &ModelsHandler{videoJobService: videoJobService}
}

// List 获取可用模型
// GET /api/v1/models
func (h *ModelsHandler) List(c *gin.Context) {
	models, err := h.videoJobService.Models()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list models")
		response.ServerError(c, "")
		return
	}

	response.Success(c, gin.H{
		"models": models,
	})
}
