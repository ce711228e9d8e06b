package handler

import (
	"errors"
	"mime/multipart"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/janiluuk/vimage-api/internal/api/middleware"
	"github.com/janiluuk/vimage-api/internal/model/dto"
	"github.com/janiluuk/vimage-api/internal/pkg/response"
	"github.com/janiluuk/vimage-api/internal/service"
)

type VideoJobHandler struct {
	videoJobService *service.VideoJobService
}

func NewVideoJobHandler(videoJobService *service.VideoJobService) *VideoJobHandler {
	return &VideoJobHandler{
		videoJobService: videoJobService,
	}
}

// Create 上传素材创建任务
// POST /api/v1/video-jobs
func (h *VideoJobHandler) Create(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.CreateVideoJobRequest
	if err := c.ShouldBind(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		response.ParamError(c, "请上传文件")
		return
	}
	file, err := fh.Open()
	if err != nil {
		response.ServerError(c, "文件读取失败")
		return
	}
	defer file.Close()

	var soundtrack *service.UploadFile
	if sh, err := c.FormFile("soundtrack"); err == nil {
		sf, err := sh.Open()
		if err != nil {
			response.ServerError(c, "文件读取失败")
			return
		}
		defer sf.Close()
		soundtrack = uploadFile(sh, sf)
	}

	resp, err := h.videoJobService.Create(c.Request.Context(), userID, req.Type, *uploadFile(fh, file), soundtrack)
	if err != nil {
		h.handleError(c, err)
		return
	}

	response.Success(c, resp)
}

// Submit 提交预览渲染
// POST /api/v1/video-jobs/:id/submit
func (h *VideoJobHandler) Submit(c *gin.Context) {
	userID, jobID, ok := h.parseIDs(c)
	if !ok {
		return
	}

	var req dto.SubmitVideoJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	resp, err := h.videoJobService.Submit(c.Request.Context(), userID, jobID, &req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	response.Success(c, resp)
}

// Approve 确认预览，排入完整渲染
// POST /api/v1/video-jobs/:id/approve
func (h *VideoJobHandler) Approve(c *gin.Context) {
	userID, jobID, ok := h.parseIDs(c)
	if !ok {
		return
	}

	var req dto.ApproveVideoJobRequest
	// body 可以为空
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, err.Error())
			return
		}
	}

	resp, err := h.videoJobService.Approve(c.Request.Context(), userID, jobID, &req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	response.Success(c, resp)
}

// Cancel 取消任务
// POST /api/v1/video-jobs/:id/cancel
func (h *VideoJobHandler) Cancel(c *gin.Context) {
	userID, jobID, ok := h.parseIDs(c)
	if !ok {
		return
	}

	resp, err := h.videoJobService.Cancel(c.Request.Context(), userID, jobID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	response.Success(c, resp)
}

// Status 任务状态
// GET /api/v1/video-jobs/:id
func (h *VideoJobHandler) Status(c *gin.Context) {
	userID, jobID, ok := h.parseIDs(c)
	if !ok {
		return
	}

	resp, err := h.videoJobService.Status(c.Request.Context(), userID, jobID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	response.Success(c, resp)
}

// Revisions 历次渲染产物
// GET /api/v1/video-jobs/:id/revisions
func (h *VideoJobHandler) Revisions(c *gin.Context) {
	userID, jobID, ok := h.parseIDs(c)
	if !ok {
		return
	}

	revisions, err := h.videoJobService.Revisions(userID, jobID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	response.Success(c, gin.H{"revisions": revisions})
}

// Queue 当前用户的渲染队列
// GET /api/v1/video-jobs/queue
func (h *VideoJobHandler) Queue(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	snap, err := h.videoJobService.QueueSnapshot(c.Request.Context(), userID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	response.Success(c, snap)
}

// List 任务列表
// GET /api/v1/video-jobs
func (h *VideoJobHandler) List(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	items, total, err := h.videoJobService.List(userID, page, pageSize)
	if err != nil {
		h.handleError(c, err)
		return
	}

	response.SuccessPage(c, total, page, pageSize, items)
}

func (h *VideoJobHandler) parseIDs(c *gin.Context) (int64, int64, bool) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return 0, 0, false
	}

	jobID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || jobID <= 0 {
		response.ParamError(c, "无效的任务ID")
		return 0, 0, false
	}
	return userID, jobID, true
}

func (h *VideoJobHandler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrVideoJobNotFound), errors.Is(err, service.ErrMediaNotFound):
		response.NotFoundError(c, err.Error())
	case errors.Is(err, service.ErrPermission):
		response.PermissionError(c, err.Error())
	case errors.Is(err, service.ErrInvalidTransition):
		response.StateError(c, err.Error())
	case errors.Is(err, service.ErrInvalidParameters),
		errors.Is(err, service.ErrGeneratorMismatch),
		errors.Is(err, service.ErrUnsupportedFormat),
		errors.Is(err, service.ErrUploadTooLarge),
		errors.Is(err, service.ErrProbeFailed):
		response.ParamError(c, err.Error())
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Video job request failed")
		response.ServerError(c, "")
	}
}

func uploadFile(fh *multipart.FileHeader, f multipart.File) *service.UploadFile {
	return &service.UploadFile{
		Name:   fh.Filename,
		Size:   fh.Size,
		Reader: f,
	}
}
