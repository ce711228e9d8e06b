package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/janiluuk/vimage-api/config"
	"github.com/janiluuk/vimage-api/internal/model"
	"github.com/janiluuk/vimage-api/internal/model/dto"
	"github.com/janiluuk/vimage-api/internal/pkg/ffmpeg"
	"github.com/janiluuk/vimage-api/internal/pkg/oss"
	"github.com/janiluuk/vimage-api/internal/pkg/queue"
	"github.com/janiluuk/vimage-api/internal/render"
	"github.com/janiluuk/vimage-api/internal/repository"
)

var (
	ErrVideoJobNotFound  = errors.New("视频任务不存在")
	ErrPermission        = errors.New("无权操作此视频任务")
	ErrGeneratorMismatch = errors.New("渲染器类型与任务不一致")
	ErrInvalidTransition = errors.New("当前状态不允许此操作")
	ErrInvalidParameters = errors.New("渲染参数无效")
	ErrUnsupportedFormat = errors.New("不支持的文件格式")
	ErrUploadTooLarge    = errors.New("上传文件过大")
	ErrProbeFailed       = errors.New("无法读取视频信息")
	ErrMediaNotFound     = errors.New("媒体文件不存在")
)

const (
	defaultPerFrameSeconds = 10
	defaultDeforumFps      = 24
	defaultDeforumLength   = 4
	defaultDeforumFrames   = 90
	maxSeed                = 4294967295
)

var soundtrackExtensions = []string{".mp3", ".aac", ".wav"}

// Prober 读取上传素材的媒体信息
type Prober interface {
	Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error)
}

// JobQueue 渲染请求的投递端
type JobQueue interface {
	Push(ctx context.Context, lane string, msg *queue.JobMessage) (bool, error)
}

// UploadFile 上传的文件
type UploadFile struct {
	Name   string
	Size   int64
	Reader io.Reader
}

type VideoJobService struct {
	jobRepo   *repository.VideoJobRepository
	modelRepo *repository.ModelFileRepository
	media     *MediaService
	jobs      JobQueue
	router    *queue.Router
	prober    Prober
	paths     *render.Paths
	cfg       *config.Config
}

func NewVideoJobService(
	jobRepo *repository.VideoJobRepository,
	modelRepo *repository.ModelFileRepository,
	media *MediaService,
	jobs JobQueue,
	router *queue.Router,
	prober Prober,
	paths *render.Paths,
	cfg *config.Config,
) *VideoJobService {
	return &VideoJobService{
		jobRepo:   jobRepo,
		modelRepo: modelRepo,
		media:     media,
		jobs:      jobs,
		router:    router,
		prober:    prober,
		paths:     paths,
		cfg:       cfg,
	}
}

// Create 保存上传的素材并创建 pending 任务
func (s *VideoJobService) Create(ctx context.Context, userID int64, generator string, file UploadFile, soundtrack *UploadFile) (*dto.CreateVideoJobResponse, error) {
	if generator == "" {
		generator = model.GeneratorVid2Vid
	}
	if generator != model.GeneratorVid2Vid && generator != model.GeneratorDeforum {
		return nil, fmt.Errorf("%w: generator %q", ErrInvalidParameters, generator)
	}

	ext := strings.ToLower(filepath.Ext(file.Name))
	if !containsString(s.cfg.Upload.AllowedExtensions, ext) {
		return nil, ErrUnsupportedFormat
	}
	if s.cfg.Upload.MaxSize > 0 && file.Size > s.cfg.Upload.MaxSize {
		return nil, ErrUploadTooLarge
	}
	if soundtrack != nil && !containsString(soundtrackExtensions, strings.ToLower(filepath.Ext(soundtrack.Name))) {
		return nil, ErrUnsupportedFormat
	}

	stem := uuid.NewString()
	filename := stem + ext
	path := filepath.Join(s.paths.VideosDir(), filename)
	if err := saveUpload(path, file.Reader); err != nil {
		return nil, fmt.Errorf("failed to save upload: %w", err)
	}

	job := &model.VideoJob{
		UserID:           userID,
		Filename:         filename,
		OriginalFilename: filepath.Base(file.Name),
		Mimetype:         oss.ContentType(ext),
		Generator:        generator,
		Outfile:          stem + ".mp4",
		Seed:             -1,
		Status:           model.StatusPending,
	}

	switch generator {
	case model.GeneratorVid2Vid:
		job.ModelID = 1
		job.CfgScale = 7
		if err := s.applyProbe(ctx, job, path); err != nil {
			os.Remove(path)
			return nil, err
		}
	case model.GeneratorDeforum:
		job.FrameCount = defaultDeforumFrames
	}

	if soundtrack != nil {
		audioExt := strings.ToLower(filepath.Ext(soundtrack.Name))
		audioPath := filepath.Join(s.paths.VideosDir(), stem+"_soundtrack"+audioExt)
		if err := saveUpload(audioPath, soundtrack.Reader); err != nil {
			os.Remove(path)
			return nil, fmt.Errorf("failed to save soundtrack: %w", err)
		}
		job.SoundtrackPath = audioPath
		job.SoundtrackURL = s.paths.PublicURL(audioPath)
		job.SoundtrackMimetype = oss.ContentType(audioExt)
	}

	if err := s.jobRepo.Create(job); err != nil {
		os.Remove(path)
		if job.SoundtrackPath != "" {
			os.Remove(job.SoundtrackPath)
		}
		return nil, err
	}

	job.OriginalURL = s.paths.PublicURL(path)
	if m, err := s.media.AttachOriginal(job); err != nil {
		log.Warn().Err(err).Int64("job_id", job.ID).Msg("Failed to attach original media")
	} else {
		job.OriginalURL = m.URL
	}
	if err := s.jobRepo.UpdateFields(job.ID, map[string]interface{}{"original_url": job.OriginalURL}); err != nil {
		return nil, err
	}

	log.Info().
		Int64("job_id", job.ID).
		Int64("user_id", userID).
		Str("generator", generator).
		Str("filename", filename).
		Msg("Video job created")

	return &dto.CreateVideoJobResponse{
		ID:     job.ID,
		Status: job.Status,
		URL:    job.OriginalURL,
	}, nil
}

func (s *VideoJobService) applyProbe(ctx context.Context, job *model.VideoJob, path string) error {
	info, err := s.prober.Probe(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	job.Fps = info.Fps
	job.Codec = info.Codec
	job.FrameCount = info.FrameCount
	job.Size = info.Size
	job.Bitrate = info.Bitrate
	job.AudioCodec = info.AudioCodec
	job.Length = info.Duration
	job.Width, job.Height = render.ScaledSize(info.Width, info.Height, s.cfg.Render.MaxDimension, s.cfg.Render.SquareSize)
	return nil
}

// Submit 校验参数并投递预览渲染；所有校验在修改任务之前完成
func (s *VideoJobService) Submit(ctx context.Context, userID, jobID int64, req *dto.SubmitVideoJobRequest) (*dto.SubmitVideoJobResponse, error) {
	job, err := s.getOwned(userID, jobID)
	if err != nil {
		return nil, err
	}
	if req.Type != job.Generator {
		return nil, ErrGeneratorMismatch
	}
	if !model.CanSubmit(job.Status) {
		return nil, ErrInvalidTransition
	}

	frameCount := req.FrameCount
	if frameCount == 0 {
		frameCount = 1
	}
	if frameCount < 1 || frameCount > 20 {
		return nil, fmt.Errorf("%w: frameCount 必须在 1 到 20 之间", ErrInvalidParameters)
	}

	var base *model.VideoJob
	if req.ExtendFromJobID != nil && *req.ExtendFromJobID > 0 {
		base, err = s.extensionBase(userID, job, *req.ExtendFromJobID)
		if err != nil {
			return nil, err
		}
	}

	next := *job
	if job.Generator == model.GeneratorDeforum {
		err = s.deforumSubmission(&next, base, req)
	} else {
		err = s.vid2vidSubmission(&next, base, req)
	}
	if err != nil {
		return nil, err
	}
	if err := s.checkModel(next.ModelID); err != nil {
		return nil, err
	}

	next.Seed = normalizeSeed(next.Seed)
	next.ExtendFromJobID = nil
	if base != nil {
		id := base.ID
		next.ExtendFromJobID = &id
	}
	next.ResetProgress(model.StatusProcessing)
	next.Progress = 5
	next.JobTime = 3
	if next.Generator == model.GeneratorDeforum {
		next.EstimatedTimeLeft = next.FrameCount*6 + 6
	} else {
		next.EstimatedTimeLeft = frameCount*6 + 6
	}

	if err := s.jobRepo.Update(&next); err != nil {
		return nil, err
	}

	lane := s.router.Route(frameCount, queue.PhaseSubmission)
	msg := &queue.JobMessage{
		JobID:         next.ID,
		UserID:        userID,
		PreviewFrames: frameCount,
		Lane:          lane,
		EnqueuedAt:    time.Now().Unix(),
	}
	if base != nil {
		msg.ExtendFromJobID = base.ID
	}
	if err := s.dispatch(ctx, lane, msg); err != nil {
		return nil, err
	}

	return &dto.SubmitVideoJobResponse{
		ID:                next.ID,
		Status:            next.Status,
		Seed:              next.Seed,
		JobTime:           next.JobTime,
		Progress:          next.Progress,
		EstimatedTimeLeft: next.EstimatedTimeLeft,
		Width:             next.Width,
		Height:            next.Height,
		Length:            next.Length,
		Fps:               next.Fps,
	}, nil
}

// extensionBase 续接的基础任务必须属于同一用户且渲染器相同
func (s *VideoJobService) extensionBase(userID int64, job *model.VideoJob, baseID int64) (*model.VideoJob, error) {
	if baseID == job.ID {
		return nil, fmt.Errorf("%w: 不能续接自身", ErrInvalidParameters)
	}
	base, err := s.jobRepo.GetByID(baseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVideoJobNotFound
		}
		return nil, err
	}
	if base.UserID != userID {
		return nil, ErrPermission
	}
	if base.Generator != job.Generator {
		return nil, ErrGeneratorMismatch
	}
	return base, nil
}

func (s *VideoJobService) vid2vidSubmission(job, base *model.VideoJob, req *dto.SubmitVideoJobRequest) error {
	if base != nil {
		job.ModelID = base.ModelID
		job.CfgScale = base.CfgScale
		job.DenoisingStrength = base.DenoisingStrength
		job.Prompt = base.Prompt
		job.NegativePrompt = base.NegativePrompt
		job.Seed = base.Seed
		job.Fps = base.Fps
		job.Width = base.Width
		job.Height = base.Height
	} else if req.ModelID == nil || req.CfgScale == nil || req.Prompt == nil || strings.TrimSpace(*req.Prompt) == "" {
		return fmt.Errorf("%w: modelId、cfgScale 和 prompt 必填", ErrInvalidParameters)
	}

	if req.ModelID != nil {
		job.ModelID = *req.ModelID
	}
	if req.CfgScale != nil {
		if *req.CfgScale < 2 || *req.CfgScale > 10 {
			return fmt.Errorf("%w: cfgScale 必须在 2 到 10 之间", ErrInvalidParameters)
		}
		job.CfgScale = float64(*req.CfgScale)
	}
	if req.Denoising != nil {
		if *req.Denoising < 0.1 || *req.Denoising > 1 {
			return fmt.Errorf("%w: denoising 必须在 0.1 到 1.0 之间", ErrInvalidParameters)
		}
		job.DenoisingStrength = *req.Denoising
	}
	if req.Prompt != nil {
		job.Prompt = *req.Prompt
	}
	if req.NegativePrompt != nil {
		job.NegativePrompt = *req.NegativePrompt
	}
	if req.Seed != nil {
		job.Seed = *req.Seed
	}
	if len(req.Controlnet) > 0 && string(req.Controlnet) != "null" {
		raw := string(req.Controlnet)
		if _, err := render.ControlnetParams(raw); err != nil {
			return fmt.Errorf("%w: controlnet: %v", ErrInvalidParameters, err)
		}
		job.Controlnet = raw
	}
	return nil
}

func (s *VideoJobService) deforumSubmission(job, base *model.VideoJob, req *dto.SubmitVideoJobRequest) error {
	if base != nil {
		// 续接时模型固定为基础任务的模型
		job.ModelID = base.ModelID
		job.Prompt = base.Prompt
		job.NegativePrompt = base.NegativePrompt
		job.Length = base.Length
		job.Seed = base.Seed
		job.DenoisingStrength = base.DenoisingStrength
		job.Fps = base.Fps
		job.FrameCount = base.FrameCount
		job.Width = base.Width
		job.Height = base.Height
	} else {
		if req.ModelID == nil || req.Prompt == nil || strings.TrimSpace(*req.Prompt) == "" {
			return fmt.Errorf("%w: modelId 和 prompt 必填", ErrInvalidParameters)
		}
		job.ModelID = *req.ModelID
		if job.Length <= 0 {
			job.Length = defaultDeforumLength
		}
		if job.Fps <= 0 {
			job.Fps = defaultDeforumFps
		}
	}

	if req.Prompt != nil {
		job.Prompt = *req.Prompt
	}
	if req.NegativePrompt != nil {
		job.NegativePrompt = *req.NegativePrompt
	}
	if req.Seed != nil {
		job.Seed = *req.Seed
	}
	if req.Denoising != nil {
		if *req.Denoising < 0.1 || *req.Denoising > 1 {
			return fmt.Errorf("%w: denoising 必须在 0.1 到 1.0 之间", ErrInvalidParameters)
		}
		job.DenoisingStrength = *req.Denoising
	}
	if req.Length != nil {
		if *req.Length < 1 || *req.Length > 20 {
			return fmt.Errorf("%w: length 必须在 1 到 20 之间", ErrInvalidParameters)
		}
		job.Length = *req.Length
	}
	if base == nil || req.Length != nil {
		job.FrameCount = int(math.Round(job.Length * job.Fps))
	}
	return nil
}

// Approve 确认预览，进入低优先级队列做完整渲染
func (s *VideoJobService) Approve(ctx context.Context, userID, jobID int64, req *dto.ApproveVideoJobRequest) (*dto.ApproveVideoJobResponse, error) {
	job, err := s.getOwned(userID, jobID)
	if err != nil {
		return nil, err
	}
	if !model.CanApprove(job.Status) {
		return nil, ErrInvalidTransition
	}
	if req == nil {
		req = &dto.ApproveVideoJobRequest{}
	}

	next := *job
	if next.Generator == model.GeneratorDeforum {
		next.Fps = defaultDeforumFps
		if req.Seed != nil {
			next.Seed = *req.Seed
		}
		next.Seed = normalizeSeed(next.Seed)
		if req.ModelID != nil && !next.IsExtension() {
			next.ModelID = *req.ModelID
		}
		if req.Prompt != nil {
			next.Prompt = *req.Prompt
		}
		if req.NegativePrompt != nil {
			next.NegativePrompt = *req.NegativePrompt
		}
		if req.Length != nil {
			if *req.Length < 1 || *req.Length > 20 {
				return nil, fmt.Errorf("%w: length 必须在 1 到 20 之间", ErrInvalidParameters)
			}
			next.Length = *req.Length
		}
		if next.Length <= 0 {
			next.Length = defaultDeforumLength
		}
		next.FrameCount = int(math.Round(next.Length * next.Fps))
	}
	if err := s.checkModel(next.ModelID); err != nil {
		return nil, err
	}

	next.ResetProgress(model.StatusApproved)
	next.EstimatedTimeLeft = next.InitialEstimate()
	if err := s.jobRepo.Update(&next); err != nil {
		return nil, err
	}

	lane := s.router.Route(next.FrameCount, queue.PhaseApproval)
	msg := &queue.JobMessage{
		JobID:      next.ID,
		UserID:     userID,
		Lane:       lane,
		EnqueuedAt: time.Now().Unix(),
	}
	if next.IsExtension() {
		msg.ExtendFromJobID = *next.ExtendFromJobID
	}
	if err := s.dispatch(ctx, lane, msg); err != nil {
		return nil, err
	}

	resp := &dto.ApproveVideoJobResponse{
		ID:                next.ID,
		Status:            next.Status,
		Progress:          next.Progress,
		JobTime:           next.JobTime,
		Retries:           next.Retries,
		EstimatedTimeLeft: next.EstimatedTimeLeft,
	}
	if next.QueuedAt != nil {
		resp.QueuedAt = next.QueuedAt.Unix()
	}
	return resp, nil
}

// Cancel 取消任务；正在运行的渲染进程由 supervisor 轮询到状态后终止
func (s *VideoJobService) Cancel(ctx context.Context, userID, jobID int64) (*dto.CancelVideoJobResponse, error) {
	job, err := s.getOwned(userID, jobID)
	if err != nil {
		return nil, err
	}
	if !model.CanCancel(job.Status) {
		return nil, ErrInvalidTransition
	}

	job.ResetProgress(model.StatusCancelled)
	if err := s.jobRepo.Update(job); err != nil {
		return nil, err
	}

	log.Info().Int64("job_id", job.ID).Int64("user_id", userID).Msg("Video job cancelled")

	return &dto.CancelVideoJobResponse{
		ID:     job.ID,
		Status: job.Status,
	}, nil
}

// Status 任务状态；approved 任务附带排队信息
func (s *VideoJobService) Status(ctx context.Context, userID, jobID int64) (*dto.VideoJobStatus, error) {
	job, err := s.getOwned(userID, jobID)
	if err != nil {
		return nil, err
	}
	return s.toStatus(job)
}

// QueueSnapshot 用户正在渲染和排队中的任务
func (s *VideoJobService) QueueSnapshot(ctx context.Context, userID int64) (*dto.QueueSnapshot, error) {
	processing, err := s.jobRepo.ListByUserAndStatus(userID, model.StatusProcessing)
	if err != nil {
		return nil, err
	}
	approved, err := s.jobRepo.ListByUserAndStatus(userID, model.StatusApproved)
	if err != nil {
		return nil, err
	}

	snap := &dto.QueueSnapshot{
		Processing: make([]*dto.VideoJobStatus, 0, len(processing)),
		Queued:     make([]*dto.VideoJobStatus, 0, len(approved)),
	}
	for _, job := range processing {
		st, err := s.toStatus(job)
		if err != nil {
			return nil, err
		}
		snap.Processing = append(snap.Processing, st)
	}
	for _, job := range approved {
		st, err := s.toStatus(job)
		if err != nil {
			return nil, err
		}
		snap.Queued = append(snap.Queued, st)
	}

	if snap.TotalProcessing, err = s.jobRepo.CountByStatus(model.StatusProcessing); err != nil {
		return nil, err
	}
	if snap.TotalQueued, err = s.jobRepo.CountByStatus(model.StatusApproved); err != nil {
		return nil, err
	}
	return snap, nil
}

// List 用户的全部任务，按创建时间倒序
func (s *VideoJobService) List(userID int64, page, pageSize int) ([]*dto.VideoJobListItem, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	jobs, total, err := s.jobRepo.ListByUser(userID, page, pageSize)
	if err != nil {
		return nil, 0, err
	}

	items := make([]*dto.VideoJobListItem, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, &dto.VideoJobListItem{
			ID:               j.ID,
			Generator:        j.Generator,
			Status:           j.Status,
			Progress:         j.Progress,
			OriginalFilename: j.OriginalFilename,
			Prompt:           j.Prompt,
			Width:            j.Width,
			Height:           j.Height,
			FrameCount:       j.FrameCount,
			Length:           j.Length,
			URL:              j.URL,
			PreviewImg:       j.PreviewImg,
			OriginalURL:      j.OriginalURL,
			CreatedAt:        j.CreatedAt.Format(time.RFC3339),
			UpdatedAt:        j.UpdatedAt.Format(time.RFC3339),
		})
	}
	return items, total, nil
}

// Revisions 任务的历次渲染产物
func (s *VideoJobService) Revisions(userID, jobID int64) ([]*Revision, error) {
	job, err := s.getOwned(userID, jobID)
	if err != nil {
		return nil, err
	}
	return s.media.Revisions(job)
}

// Models 可选模型
func (s *VideoJobService) Models() ([]*dto.ModelFileItem, error) {
	models, err := s.modelRepo.ListEnabled()
	if err != nil {
		return nil, err
	}
	items := make([]*dto.ModelFileItem, 0, len(models))
	for _, m := range models {
		items = append(items, &dto.ModelFileItem{
			ID:          m.ID,
			Name:        m.Name,
			Description: m.Description,
		})
	}
	return items, nil
}

// QueueInfo approved 任务的排队位置和预计耗时
func (s *VideoJobService) QueueInfo(job *model.VideoJob) (*dto.QueueInfo, error) {
	info := &dto.QueueInfo{}
	var err error
	if info.TotalJobsProcessing, err = s.jobRepo.CountByStatus(model.StatusProcessing); err != nil {
		return nil, err
	}
	if info.TotalJobsInQueue, err = s.jobRepo.CountByStatus(model.StatusApproved); err != nil {
		return nil, err
	}
	if info.YourPosition, err = s.jobRepo.QueuePosition(job); err != nil {
		return nil, err
	}

	perFrame := int64(defaultPerFrameSeconds)
	avg, ok, err := s.jobRepo.AverageTimePerFrame(job.ModelID)
	if err != nil {
		return nil, err
	}
	if ok {
		perFrame = int64(math.Round(avg))
	}

	if info.EstimatedTimeProcessingJobs, err = s.jobRepo.SumEstimatedTimeLeft(model.StatusProcessing); err != nil {
		return nil, err
	}
	queuedFrames, err := s.jobRepo.SumFrameCount(job.ModelID, model.StatusApproved)
	if err != nil {
		return nil, err
	}

	info.EstimatedTimeForAllJobs = info.EstimatedTimeProcessingJobs
	if queued := perFrame * queuedFrames; queued > 0 {
		info.EstimatedTimeForAllJobs += queued
	}
	info.YourEstimatedTime = perFrame * int64(job.FrameCount)
	return info, nil
}

func (s *VideoJobService) toStatus(job *model.VideoJob) (*dto.VideoJobStatus, error) {
	st := &dto.VideoJobStatus{
		ID:                job.ID,
		Status:            job.Status,
		Progress:          job.Progress,
		EstimatedTimeLeft: job.EstimatedTimeLeft,
		JobTime:           job.JobTime,
		Generator:         job.Generator,
		ModelID:           job.ModelID,
		Prompt:            job.Prompt,
		NegativePrompt:    job.NegativePrompt,
		CfgScale:          job.CfgScale,
		Seed:              job.Seed,
		Denoising:         job.DenoisingStrength,
		Fps:               job.Fps,
		FrameCount:        job.FrameCount,
		Length:            job.Length,
		Width:             job.Width,
		Height:            job.Height,
		Revision:          job.Revision,
		URL:               job.URL,
		PreviewImg:        job.PreviewImg,
		PreviewAnimation:  job.PreviewAnimation,
		OriginalURL:       job.OriginalURL,
	}
	if job.GenerationParameters != "" && json.Valid([]byte(job.GenerationParameters)) {
		st.GenerationParameters = json.RawMessage(job.GenerationParameters)
	}
	if job.QueuedAt != nil {
		at := job.QueuedAt.Unix()
		st.QueuedAt = &at
	}
	if job.Status == model.StatusApproved {
		info, err := s.QueueInfo(job)
		if err != nil {
			return nil, err
		}
		st.Queue = info
	}
	return st, nil
}

func (s *VideoJobService) getOwned(userID, jobID int64) (*model.VideoJob, error) {
	job, err := s.jobRepo.GetByID(jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVideoJobNotFound
		}
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrPermission
	}
	return job, nil
}

func (s *VideoJobService) checkModel(id int64) error {
	mf, err := s.modelRepo.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: 模型 %d 不存在", ErrInvalidParameters, id)
		}
		return err
	}
	if !mf.Enabled {
		return fmt.Errorf("%w: 模型 %s 已停用", ErrInvalidParameters, mf.Name)
	}
	return nil
}

func (s *VideoJobService) dispatch(ctx context.Context, lane string, msg *queue.JobMessage) error {
	pushed, err := s.jobs.Push(ctx, lane, msg)
	if err != nil {
		return fmt.Errorf("failed to dispatch job %d: %w", msg.JobID, err)
	}
	if !pushed {
		log.Info().Int64("job_id", msg.JobID).Str("lane", lane).Msg("Identical render request already queued")
		return nil
	}
	log.Info().
		Int64("job_id", msg.JobID).
		Str("lane", lane).
		Int("preview_frames", msg.PreviewFrames).
		Int64("extend_from_job_id", msg.ExtendFromJobID).
		Msg("Render request dispatched")
	return nil
}

// normalizeSeed 非正数的种子换成 [1, 4294967295] 内的随机数
func normalizeSeed(seed int64) int64 {
	if seed > 0 {
		return seed
	}
	return rand.Int63n(maxSeed) + 1
}

func saveUpload(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
